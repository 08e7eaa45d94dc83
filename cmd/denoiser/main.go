package main

import (
	"os"

	"github.com/tsawler/go-denoise/cmd"
)

func main() {
	cmd.NewApp().Run(os.Args)
}
