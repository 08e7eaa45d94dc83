package cmd

import (
	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/config"
)

// NewApp builds the denoiser command line.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "denoiser"
	app.Usage = "train convolutional denoisers on path-traced render buffers"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}

	def := config.Default()
	app.Commands = []cli.Command{
		{
			Name:  "train",
			Usage: "train a denoiser on a dataset root",
			Description: `
Load the train/ and val/ splits of a dataset root, then train a 2D or 3D
denoiser. Every --cadence epochs the model is checkpointed to the experiment
directory, reloaded from the written file and the learning-rate menu is shown.

Defaults can be overridden with DENOISER_* environment variables.`,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "root", Usage: "dataset root containing train/ and val/"},
				cli.StringFlag{Name: "experiment", Value: def.ExperimentDir, Usage: "directory for checkpoints"},
				cli.StringFlag{Name: "version", Value: def.Version, Usage: "model version used in the checkpoint name"},
				cli.StringFlag{Name: "prefix", Value: def.Prefix, Usage: "checkpoint name prefix"},
				cli.BoolFlag{Name: "load", Usage: "resume from the existing checkpoint instead of creating a new model"},
				cli.StringFlag{Name: "mode", Value: def.Mode, Usage: "network variant: 2d or 3d"},
				cli.StringFlag{Name: "format", Value: def.Format, Usage: "checkpoint format: json or onnx"},
				cli.StringFlag{Name: "ext", Value: def.Ext, Usage: "buffer image extension"},
				cli.StringFlag{Name: "optimizer", Value: def.Optimizer, Usage: "adam or sgd"},
				cli.IntFlag{Name: "epochs", Value: def.Epochs, Usage: "number of epochs"},
				cli.IntFlag{Name: "cadence", Value: def.Cadence, Usage: "epochs between checkpoint reloads and menus"},
				cli.IntFlag{Name: "workers", Value: def.Workers, Usage: "loader workers"},
				cli.IntFlag{Name: "batch-size", Value: def.BatchSize, Usage: "samples per batch"},
				cli.IntFlag{Name: "train-limit", Value: def.TrainLimit, Usage: "cap on training samples, 0 for all, -1 for the mode default"},
				cli.IntFlag{Name: "val-limit", Value: def.ValLimit, Usage: "cap on validation samples, 0 for all, -1 for the mode default"},
				cli.IntFlag{Name: "hidden", Value: def.Hidden, Usage: "hidden channels"},
				cli.IntFlag{Name: "height", Value: def.FrameHeight, Usage: "frame height"},
				cli.IntFlag{Name: "width", Value: def.FrameWidth, Usage: "frame width"},
				cli.Float64Flag{Name: "lr", Usage: "initial learning rate (default 1e-4 for 2d, 1e-3 for 3d)"},
				cli.BoolFlag{Name: "no-menu", Usage: "never prompt for learning-rate changes"},
				cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
				cli.StringFlag{Name: "run-name", Usage: "run label attached to exported metrics"},
			},
			Action: Train,
		},
		{
			Name:  "inspect",
			Usage: "load a dataset split and list its samples",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "root", Usage: "dataset root containing train/ and val/"},
				cli.StringFlag{Name: "split", Value: "train", Usage: "split to load"},
				cli.StringFlag{Name: "ext", Value: def.Ext, Usage: "buffer image extension"},
				cli.IntFlag{Name: "workers", Value: def.Workers, Usage: "loader workers"},
				cli.IntFlag{Name: "limit", Usage: "cap on samples, 0 for all"},
			},
			Action: Inspect,
		},
		{
			Name:  "export",
			Usage: "convert a checkpoint between formats",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "experiment", Value: def.ExperimentDir, Usage: "directory holding the checkpoint"},
				cli.StringFlag{Name: "version", Value: def.Version, Usage: "model version"},
				cli.StringFlag{Name: "prefix", Value: def.Prefix, Usage: "checkpoint name prefix"},
				cli.StringFlag{Name: "mode", Usage: "expected network variant: 2d or 3d"},
				cli.StringFlag{Name: "from", Value: "json", Usage: "source format"},
				cli.StringFlag{Name: "to", Value: "onnx", Usage: "target format"},
			},
			Action: Export,
		},
	}
	return app
}
