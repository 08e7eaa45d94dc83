package menu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-denoise/log"
)

var logger = log.New("menu")

// Optimizer is the learning-rate surface the menu edits.
type Optimizer interface {
	LearningRates() []float64
	SetLR(lr float64)
}

// Config bounds how long the menu may hold up training.
type Config struct {
	// Timeout applies to the top-level choice.
	Timeout time.Duration
	// ValueTimeout applies to learning-rate entry.
	ValueTimeout time.Duration
	// ConfirmTimeout applies to the y/n confirmation.
	ConfirmTimeout time.Duration
	// MaxAttempts caps how often the menu is shown in one Run.
	MaxAttempts int
}

// DefaultConfig returns the standard menu timeouts and attempt cap.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		ValueTimeout:   20 * time.Second,
		ConfirmTimeout: 20 * time.Second,
		MaxAttempts:    5,
	}
}

// Menu is the between-epochs prompt for changing the learning rate.
type Menu struct {
	cfg Config
	in  *LineReader
	out io.Writer
}

// New creates a menu reading from in and prompting on out. Zero fields of
// cfg take their DefaultConfig values.
func New(in *LineReader, out io.Writer, cfg Config) *Menu {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ValueTimeout <= 0 {
		cfg.ValueTimeout = def.ValueTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Menu{cfg: cfg, in: in, out: out}
}

// Run shows the menu until a learning rate is committed, the choice times
// out or the attempt cap is reached. Only context cancellation is returned
// as an error; every other outcome resumes training.
func (m *Menu) Run(ctx context.Context, opt Optimizer) error {
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		fmt.Fprint(m.out, "\n\nMenu:\n[1]: Change lr\nPick an item: ")
		choice, err := m.in.ReadLine(ctx, m.cfg.Timeout)
		if errors.Is(err, ErrTimeout) {
			fmt.Fprintln(m.out)
			logger.Debug("no menu choice, resuming")
			return nil
		}
		if err != nil {
			return err
		}

		if strings.TrimSpace(choice) != "1" {
			fmt.Fprintln(m.out, "invalid choice")
			continue
		}
		done, err := m.changeLR(ctx, opt)
		if err != nil || done {
			return err
		}
	}

	logger.Warningf("no valid menu choice after %d attempts, resuming", m.cfg.MaxAttempts)
	return nil
}

// changeLR reports done when the menu should close.
func (m *Menu) changeLR(ctx context.Context, opt Optimizer) (bool, error) {
	old := opt.LearningRates()
	for _, lr := range old {
		fmt.Fprintf(m.out, "old lr: %g\n", lr)
	}

	fmt.Fprint(m.out, "Enter new lr: ")
	line, err := m.in.ReadLine(ctx, m.cfg.ValueTimeout)
	if errors.Is(err, ErrTimeout) {
		fmt.Fprintln(m.out)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	lr, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil || lr <= 0 || math.IsInf(lr, 0) || math.IsNaN(lr) {
		fmt.Fprintf(m.out, "invalid learning rate %q\n", strings.TrimSpace(line))
		return false, nil
	}
	fmt.Fprintf(m.out, "new lr=%g\n", lr)

	fmt.Fprint(m.out, "Confirm [y/n]")
	answer, err := m.in.ReadLine(ctx, m.cfg.ConfirmTimeout)
	if err != nil && !errors.Is(err, ErrTimeout) {
		return false, err
	}
	if strings.TrimSpace(answer) != "y" {
		fmt.Fprintln(m.out)
		return false, nil
	}

	opt.SetLR(lr)
	for _, o := range old {
		fmt.Fprintf(m.out, "Old LR: %g New LR: %g\n", o, lr)
	}
	logger.Noticef("learning rate changed from %v to %g", old, lr)
	return true, nil
}
