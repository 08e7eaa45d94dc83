package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/vision/buffers"
	"github.com/tsawler/go-denoise/vision/dataset"
)

// Inspect is the action of the inspect command.
func Inspect(ctx *cli.Context) error {
	setupLogging(ctx)

	root := ctx.String("root")
	if root == "" {
		return exitError(fmt.Errorf("a dataset root is required (--root)"))
	}
	workers := ctx.Int("workers")
	if workers <= 0 {
		return exitError(fmt.Errorf("workers must be > 0, got %d", workers))
	}

	split := ctx.String("split")
	ds, err := dataset.LoadSplit(context.Background(), root, split, dataset.Options{
		Workers: workers,
		Limit:   ctx.Int("limit"),
		Ext:     ctx.String("ext"),
	})
	if err != nil {
		return exitError(err)
	}

	out := ctx.App.Writer
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Frame", "Size", "Channels", "Directory"})
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.Get(i)
		if err != nil {
			return exitError(err)
		}
		shape := s.Noisy.Shape
		channels := make([]string, 0, len(buffers.Roles()))
		for _, role := range buffers.Roles() {
			channels = append(channels, fmt.Sprintf("%s:%d", role, s.Get(role).Shape[0]))
		}
		table.Append([]string{
			strconv.Itoa(i),
			s.FrameID,
			fmt.Sprintf("%dx%d", shape[len(shape)-1], shape[len(shape)-2]),
			strings.Join(channels, " "),
			s.Dir,
		})
	}
	table.SetFooter([]string{"", "", "", "", fmt.Sprintf("%d samples, %.1f MiB", ds.Len(), float64(ds.Bytes())/(1<<20))})
	table.Render()

	for _, p := range ds.Partitions() {
		fmt.Fprintf(out, "%s: %d samples\n", p, p.Len())
	}
	return nil
}
