package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/tsawler/go-denoise/config"
	"github.com/tsawler/go-denoise/menu"
	"github.com/tsawler/go-denoise/metrics"
	"github.com/tsawler/go-denoise/training"
	"github.com/tsawler/go-denoise/vision/dataloader"
	"github.com/tsawler/go-denoise/vision/dataset"
)

// loadConfig layers the flags that were given explicitly over the
// environment configuration.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	strs := map[string]*string{
		"root":         &cfg.DataRoot,
		"experiment":   &cfg.ExperimentDir,
		"version":      &cfg.Version,
		"prefix":       &cfg.Prefix,
		"mode":         &cfg.Mode,
		"format":       &cfg.Format,
		"ext":          &cfg.Ext,
		"optimizer":    &cfg.Optimizer,
		"metrics-addr": &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}

	ints := map[string]*int{
		"epochs":      &cfg.Epochs,
		"cadence":     &cfg.Cadence,
		"workers":     &cfg.Workers,
		"batch-size":  &cfg.BatchSize,
		"train-limit": &cfg.TrainLimit,
		"val-limit":   &cfg.ValLimit,
		"hidden":      &cfg.Hidden,
		"height":      &cfg.FrameHeight,
		"width":       &cfg.FrameWidth,
	}
	for name, dst := range ints {
		if ctx.IsSet(name) {
			*dst = ctx.Int(name)
		}
	}

	if ctx.IsSet("lr") {
		cfg.LearningRate = ctx.Float64("lr")
	}
	if ctx.Bool("no-menu") {
		cfg.Menu.Enable = false
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Train is the action of the train command.
func Train(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(err)
	}
	if cfg.DataRoot == "" {
		return exitError(fmt.Errorf("a dataset root is required (--root or DENOISER_DATA_ROOT)"))
	}
	logger.Infof("cpu: %s", config.CPUSummary())
	logger.Infof("training %s model from %s with %d workers", cfg.Mode, cfg.DataRoot, cfg.Workers)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := train(runCtx, ctx, cfg); err != nil {
		return exitError(err)
	}
	return nil
}

func train(ctx context.Context, c *cli.Context, cfg config.Config) error {
	out := c.App.Writer

	trainLimit, valLimit := cfg.EffectiveLimits()
	trainSet, err := dataset.LoadSplit(ctx, cfg.DataRoot, "train", dataset.Options{
		Workers: cfg.Workers,
		Limit:   trainLimit,
		Ext:     cfg.Ext,
	})
	if err != nil {
		return err
	}
	valSet, err := dataset.LoadSplit(ctx, cfg.DataRoot, "val", dataset.Options{
		Workers: cfg.Workers,
		Limit:   valLimit,
		Ext:     cfg.Ext,
	})
	if err != nil {
		return err
	}

	tcfg, err := cfg.Training()
	if err != nil {
		return err
	}

	console := training.NewConsoleSink(out)
	sinks := training.MultiSink{console}
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		var reg prometheus.Registerer = registry
		if name := c.String("run-name"); name != "" {
			reg = prometheus.WrapRegistererWith(prometheus.Labels{"run": name}, registry)
		}
		sink, err := metrics.NewSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, registry); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}
	tcfg.Sink = sinks

	pool := dataloader.NewPool()
	tcfg.Pool = pool

	if cfg.Menu.Enable {
		m := menu.New(menu.NewLineReader(os.Stdin), out, cfg.MenuSettings())
		tcfg.Controller = training.ControllerFunc(func(ctx context.Context, opt training.LRController) error {
			return m.Run(ctx, opt)
		})
	}

	orch, err := training.NewOrchestrator(tcfg, trainSet, valSet)
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("load") {
		err = orch.LoadModelFromPath(orch.CheckpointPath())
	} else {
		err = orch.CreateNewModel()
	}
	if err != nil {
		return err
	}
	if err := orch.Model().Spec().RenderSummary(out); err != nil {
		return err
	}

	if err := orch.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTraining finished, model saved to %s\n", orch.CheckpointPath())
	if err := console.RenderHistory(out); err != nil {
		return err
	}
	logger.Debugf("batch pool: %s", pool)
	return nil
}
