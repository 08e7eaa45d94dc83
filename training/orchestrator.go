package training

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tsawler/go-denoise/checkpoints"
	"github.com/tsawler/go-denoise/log"
	"github.com/tsawler/go-denoise/vision/dataloader"
)

var logger = log.New("trainer")

// State is the lifecycle position of an Orchestrator.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateTraining
	StateValidating
	StateCheckpointed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateTraining:
		return "TRAINING"
	case StateValidating:
		return "VALIDATING"
	case StateCheckpointed:
		return "CHECKPOINTED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LRController is the part of an optimizer a Controller may touch.
type LRController interface {
	LearningRates() []float64
	SetLR(lr float64)
}

// Controller is consulted between epochs at the checkpoint cadence and may
// change the learning rate. It blocks training while it runs.
type Controller interface {
	Control(ctx context.Context, opt LRController) error
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(ctx context.Context, opt LRController) error

func (f ControllerFunc) Control(ctx context.Context, opt LRController) error {
	return f(ctx, opt)
}

// Config holds configuration for an Orchestrator.
type Config struct {
	Mode          Mode
	ExperimentDir string
	// Prefix and Version name the checkpoint file:
	// <ExperimentDir>/<Prefix>_<Version>.<ext>.
	Prefix  string
	Version string
	Format  checkpoints.Format

	BatchSize    int
	Epochs       int
	Cadence      int
	LearningRate float64
	Optimizer    string
	Hidden       int
	FrameHeight  int
	FrameWidth   int
	Seed         int64

	// PreserveOptimizerState carries optimizer moments and learning rates
	// across the in-process save/release/reload cycle. When false every
	// reload starts a fresh optimizer at LearningRate.
	PreserveOptimizerState bool

	Sink       ProgressSink
	Controller Controller
	Pool       *dataloader.Pool
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "cnn_240p_den"
	}
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.Cadence <= 0 {
		c.Cadence = 5
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-4
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	return c
}

// Orchestrator owns the model, optimizer and loss and drives the
// train/validate/checkpoint cycle. It is not safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	train *dataloader.Loader
	val   *dataloader.Loader

	net       *Denoiser
	opt       Optimizer
	loss      Loss
	assembler *Assembler
	saver     *checkpoints.Saver

	state    State
	epoch    int
	retained *OptimizerState
}

// NewOrchestrator creates an orchestrator over a training and a validation
// dataset. No model exists until CreateNewModel or LoadModelFromPath.
func NewOrchestrator(cfg Config, train, val dataloader.Dataset) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if train == nil || val == nil {
		return nil, fmt.Errorf("training and validation datasets are required")
	}

	trainLoader, err := dataloader.NewLoader(train, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Seed:      cfg.Seed,
		Pool:      cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	valLoader, err := dataloader.NewLoader(val, dataloader.Config{
		BatchSize: cfg.BatchSize,
		Pool:      cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("validation set: %w", err)
	}

	return &Orchestrator{
		cfg:   cfg,
		train: trainLoader,
		val:   valLoader,
		loss:  NewMSELoss("mean"),
		saver: checkpoints.NewSaver(cfg.Format),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Epoch is the index of the current or last started epoch.
func (o *Orchestrator) Epoch() int { return o.epoch }

// Model returns the active network, or nil after ReleaseModel.
func (o *Orchestrator) Model() *Denoiser { return o.net }

// Optimizer returns the active optimizer, or nil when no model is loaded.
func (o *Orchestrator) Optimizer() Optimizer { return o.opt }

// CheckpointPath is the file SaveModel writes.
func (o *Orchestrator) CheckpointPath() string {
	return o.saver.Path(o.cfg.ExperimentDir, o.cfg.Prefix, o.cfg.Version)
}

func (o *Orchestrator) expect(op string, allowed ...State) error {
	for _, s := range allowed {
		if o.state == s {
			return nil
		}
	}
	return fmt.Errorf("%s not allowed in state %s: %w", op, o.state, ErrInvalidState)
}

// fail moves to TERMINATED and returns err.
func (o *Orchestrator) fail(err error) error {
	if o.state != StateTerminated {
		logger.Errorf("terminating in state %s at epoch %d: %v", o.state, o.epoch, err)
	}
	o.state = StateTerminated
	return err
}

// CreateNewModel builds a randomly initialized network for the configured
// mode.
func (o *Orchestrator) CreateNewModel() error {
	if err := o.expect("create model", StateUninitialized, StateCheckpointed); err != nil {
		return err
	}

	net, err := NewDenoiser(o.cfg.Mode, DenoiserConfig{
		Hidden:    o.cfg.Hidden,
		BatchSize: o.cfg.BatchSize,
		Height:    o.cfg.FrameHeight,
		Width:     o.cfg.FrameWidth,
		Seed:      o.cfg.Seed,
	})
	if err != nil {
		return o.fail(fmt.Errorf("failed to create model: %w", err))
	}
	if err := o.bind(net); err != nil {
		return o.fail(err)
	}
	logger.Infof("created %s model %s with %d parameters", o.cfg.Mode, net.Name(), net.Spec().TotalParameters)
	return nil
}

// LoadModelFromPath rebuilds the network from a checkpoint file.
func (o *Orchestrator) LoadModelFromPath(path string) error {
	if err := o.expect("load model", StateUninitialized, StateCheckpointed); err != nil {
		return err
	}

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return o.fail(fmt.Errorf("failed to load %s: %w", path, err))
	}
	net, err := NewDenoiserFromSpec(ckpt.ModelSpec, o.cfg.Seed)
	if err != nil {
		return o.fail(err)
	}
	if net.Mode() != o.cfg.Mode {
		return o.fail(fmt.Errorf("%s holds a %s model, configured for %s: %w",
			filepath.Base(path), net.Mode(), o.cfg.Mode, ErrShapeMismatch))
	}
	if err := LoadWeights(net, ckpt); err != nil {
		return o.fail(err)
	}
	if err := o.bind(net); err != nil {
		return o.fail(err)
	}
	logger.Infof("loaded %s (epoch %d)", path, ckpt.Metadata.Epoch)
	return nil
}

// bind attaches a fresh optimizer to net, restoring retained optimizer
// state when configured, and moves to READY.
func (o *Orchestrator) bind(net *Denoiser) error {
	opt, err := NewOptimizer(o.cfg.Optimizer, net.Parameters(), o.cfg.LearningRate)
	if err != nil {
		return err
	}
	if o.retained != nil && o.cfg.PreserveOptimizerState {
		if err := opt.LoadState(*o.retained); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	o.retained = nil

	o.net = net
	o.opt = opt
	o.assembler = NewAssembler(net, o.cfg.FrameHeight, o.cfg.FrameWidth)
	o.state = StateReady
	return nil
}

// Train runs one pass over the training set and returns the mean batch loss.
func (o *Orchestrator) Train(ctx context.Context) (float64, error) {
	if err := o.expect("train", StateReady, StateTraining, StateValidating); err != nil {
		return 0, err
	}
	o.state = StateTraining
	o.net.Train()

	loss, err := o.runEpoch(ctx, PhaseTrain, o.train)
	if err != nil {
		return 0, o.fail(err)
	}
	return loss, nil
}

// Validate runs one pass over the validation set without updating weights
// and returns the mean batch loss.
func (o *Orchestrator) Validate(ctx context.Context) (float64, error) {
	if err := o.expect("validate", StateReady, StateTraining, StateValidating); err != nil {
		return 0, err
	}
	o.state = StateValidating
	o.net.Eval()

	loss, err := o.runEpoch(ctx, PhaseValidate, o.val)
	if err != nil {
		return 0, o.fail(err)
	}
	return loss, nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, phase Phase, loader *dataloader.Loader) (float64, error) {
	loader.Reset()
	total := loader.Len()

	var sum float64
	for i := 0; loader.HasNext(); i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		loss, err := o.step(batch, phase == PhaseTrain)
		batch.Release()
		if err != nil {
			return 0, fmt.Errorf("%s batch %d/%d (samples %v): %w", phase, i+1, total, batch.Indices, err)
		}
		sum += loss
		o.cfg.Sink.BatchCompleted(phase, i+1, total, loss)
	}
	return sum / float64(total), nil
}

func (o *Orchestrator) step(batch *dataloader.RoleBatch, train bool) (float64, error) {
	input, target, err := o.assembler.Assemble(batch)
	if err != nil {
		return 0, err
	}
	pred, err := o.net.Forward(input)
	if err != nil {
		return 0, err
	}
	loss, err := o.loss.Forward(pred, target)
	if err != nil {
		return 0, err
	}
	if !train {
		return loss, nil
	}

	o.opt.ZeroGrad()
	grad, err := o.loss.Backward(pred, target)
	if err != nil {
		return 0, err
	}
	if _, err := o.net.Backward(grad); err != nil {
		return 0, err
	}
	if err := o.opt.Step(); err != nil {
		return 0, err
	}
	return loss, nil
}

// SaveModel writes the weights to CheckpointPath and moves to CHECKPOINTED.
func (o *Orchestrator) SaveModel() (string, error) {
	if err := o.expect("save model", StateReady, StateTraining, StateValidating); err != nil {
		return "", err
	}

	path := o.CheckpointPath()
	ckpt := ExportCheckpoint(o.net, o.epoch, fmt.Sprintf("%s epoch %d", o.net.Name(), o.epoch))
	if err := o.saver.Save(ckpt, path); err != nil {
		return "", o.fail(fmt.Errorf("failed to save checkpoint: %w", err))
	}

	o.state = StateCheckpointed
	o.cfg.Sink.Checkpointed(path)
	logger.Infof("saved checkpoint %s at epoch %d", path, o.epoch)
	return path, nil
}

// ReleaseModel drops the network and optimizer so the next
// LoadModelFromPath starts from clean buffers. It returns the number of
// parameter bytes released.
func (o *Orchestrator) ReleaseModel() (int64, error) {
	if err := o.expect("release model", StateCheckpointed); err != nil {
		return 0, err
	}
	if o.net == nil {
		return 0, ErrNoModel
	}

	if o.cfg.PreserveOptimizerState {
		state := o.opt.State()
		o.retained = &state
	}
	released := o.net.ParameterBytes()
	o.net, o.opt, o.assembler = nil, nil, nil

	logger.Infof("released model (%d parameter bytes)", released)
	return released, nil
}

// Run executes the configured number of epochs. Every Cadence epochs the
// model is saved, released and reloaded from the written checkpoint, then
// the controller is consulted. A final checkpoint is written at the end.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.state == StateUninitialized {
		return ErrNoModel
	}
	if err := o.expect("run", StateReady); err != nil {
		return err
	}

	for e := 0; e < o.cfg.Epochs; e++ {
		o.epoch = e
		if e%o.cfg.Cadence == 0 {
			if e > 0 {
				if err := o.cycle(); err != nil {
					return err
				}
			}
			if o.cfg.Controller != nil {
				if err := o.cfg.Controller.Control(ctx, o.opt); err != nil {
					return o.fail(fmt.Errorf("controller: %w", err))
				}
			}
		}

		o.cfg.Sink.EpochStarted(e, o.cfg.Epochs)
		start := time.Now()

		trainLoss, err := o.Train(ctx)
		if err != nil {
			return err
		}
		valLoss, err := o.Validate(ctx)
		if err != nil {
			return err
		}

		metrics := EpochMetrics{
			Epoch:        e,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			LearningRate: o.opt.GetLR(),
			Duration:     time.Since(start),
		}
		o.cfg.Sink.EpochCompleted(metrics)
		logger.Noticef("epoch %d/%d: train loss %.6f, val loss %.6f, lr %g",
			e+1, o.cfg.Epochs, trainLoss, valLoss, metrics.LearningRate)
	}

	_, err := o.SaveModel()
	return err
}

// cycle saves, releases and reloads the model.
func (o *Orchestrator) cycle() error {
	path, err := o.SaveModel()
	if err != nil {
		return err
	}
	if _, err := o.ReleaseModel(); err != nil {
		return o.fail(err)
	}
	return o.LoadModelFromPath(path)
}

// Close moves to TERMINATED and drops the model.
func (o *Orchestrator) Close() error {
	o.net, o.opt, o.assembler = nil, nil, nil
	o.retained = nil
	o.state = StateTerminated
	return nil
}
