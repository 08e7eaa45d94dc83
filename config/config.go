package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/menu"
	"github.com/tsawler/go-denoise/training"
)

const maxDefaultWorkers = 10

// ModeDefaultLimit selects the per-mode sample cap: 100 training and 10
// validation samples for 2D, 8000 and 800 for 3D.
const ModeDefaultLimit = -1

// Config is the runtime configuration of the denoiser tools. Defaults come
// from Default, DENOISER_* environment variables override them and command
// line flags override both.
type Config struct {
	DataRoot      string
	ExperimentDir string
	Version       string
	Prefix        string
	Mode          string
	Format        string
	Optimizer     string
	Ext           string

	BatchSize int
	Workers   int
	// TrainLimit and ValLimit cap the samples loaded per split. 0 loads
	// everything and ModeDefaultLimit picks the cap for Mode.
	TrainLimit int
	ValLimit   int
	Epochs     int
	Cadence    int
	// LearningRate of 0 selects the mode default.
	LearningRate float64
	Hidden       int
	FrameHeight  int
	FrameWidth   int
	Seed         int64

	PreserveOptimizerState bool

	Menu        MenuConfig
	MetricsAddr string
}

// MenuConfig configures the between-epochs learning-rate menu.
type MenuConfig struct {
	Enable         bool
	Timeout        time.Duration
	ValueTimeout   time.Duration
	ConfirmTimeout time.Duration
	MaxAttempts    int
}

// Default returns the built-in configuration.
func Default() Config {
	m := menu.DefaultConfig()
	return Config{
		ExperimentDir:          "experiments",
		Version:                "v1",
		Prefix:                 "cnn_240p_den",
		Mode:                   "2d",
		Format:                 "json",
		Optimizer:              "adam",
		Ext:                    "jpg",
		BatchSize:              8,
		Workers:                DefaultWorkers(),
		TrainLimit:             ModeDefaultLimit,
		ValLimit:               ModeDefaultLimit,
		Epochs:                 200,
		Cadence:                5,
		Hidden:                 32,
		FrameHeight:            240,
		FrameWidth:             426,
		Seed:                   1,
		PreserveOptimizerState: true,
		Menu: MenuConfig{
			Enable:         true,
			Timeout:        m.Timeout,
			ValueTimeout:   m.ValueTimeout,
			ConfirmTimeout: m.ConfirmTimeout,
			MaxAttempts:    m.MaxAttempts,
		},
	}
}

// DefaultWorkers is the logical core count, capped at 10.
func DefaultWorkers() int {
	n := cpuid.CPU.LogicalCores
	if n <= 0 || n > maxDefaultWorkers {
		return maxDefaultWorkers
	}
	return n
}

// CPUSummary describes the host CPU for the startup log.
func CPUSummary() string {
	return fmt.Sprintf("%s (%d physical / %d logical cores, AVX2=%v, AVX512F=%v)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}

// Load returns Default with DENOISER_* environment overrides applied.
func Load() (Config, error) {
	cfg := Default()

	strs := map[string]*string{
		"DENOISER_DATA_ROOT":      &cfg.DataRoot,
		"DENOISER_EXPERIMENT_DIR": &cfg.ExperimentDir,
		"DENOISER_VERSION":        &cfg.Version,
		"DENOISER_PREFIX":         &cfg.Prefix,
		"DENOISER_MODE":           &cfg.Mode,
		"DENOISER_FORMAT":         &cfg.Format,
		"DENOISER_OPTIMIZER":      &cfg.Optimizer,
		"DENOISER_EXT":            &cfg.Ext,
		"DENOISER_METRICS_ADDR":   &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*dst = value
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"DENOISER_BATCH_SIZE", &cfg.BatchSize},
		{"DENOISER_WORKERS", &cfg.Workers},
		{"DENOISER_TRAIN_LIMIT", &cfg.TrainLimit},
		{"DENOISER_VAL_LIMIT", &cfg.ValLimit},
		{"DENOISER_EPOCHS", &cfg.Epochs},
		{"DENOISER_CADENCE", &cfg.Cadence},
		{"DENOISER_HIDDEN", &cfg.Hidden},
		{"DENOISER_FRAME_HEIGHT", &cfg.FrameHeight},
		{"DENOISER_FRAME_WIDTH", &cfg.FrameWidth},
		{"DENOISER_MENU_MAX_ATTEMPTS", &cfg.Menu.MaxAttempts},
	}
	for _, v := range ints {
		if value := strings.TrimSpace(os.Getenv(v.name)); value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", v.name, err)
			}
			*v.dst = n
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"DENOISER_MENU_TIMEOUT", &cfg.Menu.Timeout},
		{"DENOISER_MENU_VALUE_TIMEOUT", &cfg.Menu.ValueTimeout},
		{"DENOISER_MENU_CONFIRM_TIMEOUT", &cfg.Menu.ConfirmTimeout},
	}
	for _, v := range durations {
		if value := strings.TrimSpace(os.Getenv(v.name)); value != "" {
			d, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", v.name, err)
			}
			*v.dst = d
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"DENOISER_PRESERVE_OPTIMIZER_STATE", &cfg.PreserveOptimizerState},
		{"DENOISER_MENU", &cfg.Menu.Enable},
	}
	for _, v := range bools {
		if value := strings.TrimSpace(os.Getenv(v.name)); value != "" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", v.name, err)
			}
			*v.dst = b
		}
	}

	if value := strings.TrimSpace(os.Getenv("DENOISER_LEARNING_RATE")); value != "" {
		lr, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse DENOISER_LEARNING_RATE: %w", err)
		}
		cfg.LearningRate = lr
	}
	if value := strings.TrimSpace(os.Getenv("DENOISER_SEED")); value != "" {
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse DENOISER_SEED: %w", err)
		}
		cfg.Seed = seed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects sizes and timeouts that cannot work and unknown names.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch size", c.BatchSize},
		{"workers", c.Workers},
		{"epochs", c.Epochs},
		{"cadence", c.Cadence},
		{"hidden", c.Hidden},
		{"frame height", c.FrameHeight},
		{"frame width", c.FrameWidth},
		{"menu max attempts", c.Menu.MaxAttempts},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", p.name, p.value)
		}
	}
	if c.TrainLimit < ModeDefaultLimit || c.ValLimit < ModeDefaultLimit {
		return fmt.Errorf("sample limits must be >= %d, got %d and %d", ModeDefaultLimit, c.TrainLimit, c.ValLimit)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate must be >= 0, got %g", c.LearningRate)
	}
	for name, d := range map[string]time.Duration{
		"menu timeout":         c.Menu.Timeout,
		"menu value timeout":   c.Menu.ValueTimeout,
		"menu confirm timeout": c.Menu.ConfirmTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}
	if _, err := training.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return err
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if strings.TrimSpace(c.Ext) == "" {
		return fmt.Errorf("image extension must not be empty")
	}
	return nil
}

// EffectiveLearningRate returns LearningRate, or 1e-4 for 2D and 1e-3 for
// 3D when it is unset.
func (c Config) EffectiveLearningRate() float64 {
	if c.LearningRate > 0 {
		return c.LearningRate
	}
	if mode, err := training.ParseMode(c.Mode); err == nil && mode == training.Mode3D {
		return 1e-3
	}
	return 1e-4
}

// EffectiveLimits returns the training and validation sample caps, resolving
// ModeDefaultLimit for the configured mode.
func (c Config) EffectiveLimits() (train, val int) {
	defTrain, defVal := 100, 10
	if mode, err := training.ParseMode(c.Mode); err == nil && mode == training.Mode3D {
		defTrain, defVal = 8000, 800
	}
	train, val = c.TrainLimit, c.ValLimit
	if train == ModeDefaultLimit {
		train = defTrain
	}
	if val == ModeDefaultLimit {
		val = defVal
	}
	return train, val
}

// Training converts the configuration into orchestrator settings. Sink,
// Controller and Pool are left for the caller.
func (c Config) Training() (training.Config, error) {
	if err := c.Validate(); err != nil {
		return training.Config{}, err
	}
	mode, _ := training.ParseMode(c.Mode)
	format, _ := checkpoints.ParseFormat(c.Format)
	return training.Config{
		Mode:                   mode,
		ExperimentDir:          c.ExperimentDir,
		Prefix:                 c.Prefix,
		Version:                c.Version,
		Format:                 format,
		BatchSize:              c.BatchSize,
		Epochs:                 c.Epochs,
		Cadence:                c.Cadence,
		LearningRate:           c.EffectiveLearningRate(),
		Optimizer:              strings.ToLower(c.Optimizer),
		Hidden:                 c.Hidden,
		FrameHeight:            c.FrameHeight,
		FrameWidth:             c.FrameWidth,
		Seed:                   c.Seed,
		PreserveOptimizerState: c.PreserveOptimizerState,
	}, nil
}

// MenuSettings converts the menu section for menu.New.
func (c Config) MenuSettings() menu.Config {
	return menu.Config{
		Timeout:        c.Menu.Timeout,
		ValueTimeout:   c.Menu.ValueTimeout,
		ConfirmTimeout: c.Menu.ConfirmTimeout,
		MaxAttempts:    c.Menu.MaxAttempts,
	}
}
