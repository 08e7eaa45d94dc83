package cmd

import (
	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/log"
)

var logger = log.New("denoiser")

func setupLogging(ctx *cli.Context) {
	verbosity := 0
	if ctx.GlobalBool("v") {
		verbosity = 1
	}
	if ctx.GlobalBool("vv") {
		verbosity = 2
	}
	log.SetLevel(log.LevelFromVerbosity(verbosity))
}

// exitError logs err and converts it to a status 1 exit.
func exitError(err error) error {
	logger.Error(err)
	return cli.NewExitError(err.Error(), 1)
}
