package cmd

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/config"
	"github.com/tsawler/go-denoise/training"
)

// Export is the action of the export command. The checkpoint is rebuilt
// into a network before it is written so that only loadable weights are
// exported.
func Export(ctx *cli.Context) error {
	setupLogging(ctx)

	from, err := checkpoints.ParseFormat(ctx.String("from"))
	if err != nil {
		return exitError(err)
	}
	to, err := checkpoints.ParseFormat(ctx.String("to"))
	if err != nil {
		return exitError(err)
	}

	prefix := config.Default().Prefix
	if ctx.IsSet("prefix") {
		prefix = ctx.String("prefix")
	}
	dir, version := ctx.String("experiment"), ctx.String("version")
	src := checkpoints.NewSaver(from)
	dst := checkpoints.NewSaver(to)
	srcPath := src.Path(dir, prefix, version)
	dstPath := dst.Path(dir, prefix, version)

	ckpt, err := src.Load(srcPath)
	if err != nil {
		return exitError(err)
	}
	net, err := training.NewDenoiserFromSpec(ckpt.ModelSpec, 0)
	if err != nil {
		return exitError(err)
	}
	if ctx.IsSet("mode") {
		mode, err := training.ParseMode(ctx.String("mode"))
		if err != nil {
			return exitError(err)
		}
		if net.Mode() != mode {
			return exitError(fmt.Errorf("%s holds a %s model, expected %s", srcPath, net.Mode(), mode))
		}
	}
	if err := training.LoadWeights(net, ckpt); err != nil {
		return exitError(err)
	}

	out := training.ExportCheckpoint(net, ckpt.Metadata.Epoch, ckpt.Metadata.Description)
	if err := dst.Save(out, dstPath); err != nil {
		return exitError(err)
	}
	fmt.Fprintf(ctx.App.Writer, "Exported %s model %s -> %s\n", net.Mode(), srcPath, dstPath)
	return nil
}
