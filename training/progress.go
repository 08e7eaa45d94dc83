package training

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Phase identifies the half of an epoch a batch belongs to.
type Phase string

const (
	PhaseTrain    Phase = "train"
	PhaseValidate Phase = "val"
)

// EpochMetrics summarizes one finished epoch.
type EpochMetrics struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	LearningRate float64
	Duration     time.Duration
}

// ProgressSink receives training events from the orchestrator. Calls are
// made from the training goroutine, in order.
type ProgressSink interface {
	EpochStarted(epoch, total int)
	BatchCompleted(phase Phase, batch, total int, loss float64)
	EpochCompleted(metrics EpochMetrics)
	Checkpointed(path string)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) EpochStarted(int, int)                    {}
func (NopSink) BatchCompleted(Phase, int, int, float64) {}
func (NopSink) EpochCompleted(EpochMetrics)              {}
func (NopSink) Checkpointed(string)                      {}

// MultiSink fans events out to several sinks.
type MultiSink []ProgressSink

func (m MultiSink) EpochStarted(epoch, total int) {
	for _, s := range m {
		s.EpochStarted(epoch, total)
	}
}

func (m MultiSink) BatchCompleted(phase Phase, batch, total int, loss float64) {
	for _, s := range m {
		s.BatchCompleted(phase, batch, total, loss)
	}
}

func (m MultiSink) EpochCompleted(metrics EpochMetrics) {
	for _, s := range m {
		s.EpochCompleted(metrics)
	}
}

func (m MultiSink) Checkpointed(path string) {
	for _, s := range m {
		s.Checkpointed(path)
	}
}

// ProgressBar draws a single-line bar that is redrawn in place with \r.
type ProgressBar struct {
	w           io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	loss        float64
}

// NewProgressBar creates a bar for total steps written to w.
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		w:           w,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
	}
}

// Update advances the bar to step and records the latest loss.
func (pb *ProgressBar) Update(step int, loss float64) {
	pb.current = step
	pb.loss = loss
	pb.render()
}

// Finish completes the bar and ends the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.w)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", float64(pb.current)/elapsed.Seconds())
	}
	line += fmt.Sprintf(", loss=%.6f]", pb.loss)
	fmt.Fprint(pb.w, line)
}

// formatDuration formats a duration as MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ConsoleSink renders per-phase progress bars and keeps the epoch history
// for a summary table.
type ConsoleSink struct {
	w       io.Writer
	mu      sync.Mutex
	epoch   int
	epochs  int
	phase   Phase
	bar     *ProgressBar
	history []EpochMetrics
}

// NewConsoleSink creates a sink that draws progress bars on w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) EpochStarted(epoch, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch, c.epochs = epoch, total
	c.bar, c.phase = nil, ""
}

func (c *ConsoleSink) BatchCompleted(phase Phase, batch, total int, loss float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar == nil || c.phase != phase {
		label := "Training"
		if phase == PhaseValidate {
			label = "Validation"
		}
		c.phase = phase
		c.bar = NewProgressBar(c.w, fmt.Sprintf("Epoch %d/%d (%s)", c.epoch+1, c.epochs, label), total)
	}
	c.bar.Update(batch, loss)
	if batch >= total {
		c.bar.Finish()
		c.bar = nil
	}
}

func (c *ConsoleSink) EpochCompleted(m EpochMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	fmt.Fprintf(c.w, "Epoch %d/%d Summary: train loss %.6f, val loss %.6f, lr %g (%s)\n",
		m.Epoch+1, c.epochs, m.TrainLoss, m.ValLoss, m.LearningRate, m.Duration.Round(time.Millisecond))
}

func (c *ConsoleSink) Checkpointed(path string) {
	fmt.Fprintf(c.w, "Saved checkpoint %s\n", path)
}

// History returns a copy of the completed epochs.
func (c *ConsoleSink) History() []EpochMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EpochMetrics(nil), c.history...)
}

// RenderHistory writes the epoch history as a table, marking the epoch with
// the lowest validation loss.
func (c *ConsoleSink) RenderHistory(w io.Writer) error {
	history := c.History()

	best := -1
	for i, m := range history {
		if best < 0 || m.ValLoss < history[best].ValLoss {
			best = i
		}
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Epoch", "Train loss", "Val loss", "LR", "Time", ""})
	for i, m := range history {
		mark := ""
		if i == best {
			mark = "*"
		}
		table.Append([]string{
			fmt.Sprintf("%d", m.Epoch+1),
			fmt.Sprintf("%.6f", m.TrainLoss),
			fmt.Sprintf("%.6f", m.ValLoss),
			fmt.Sprintf("%g", m.LearningRate),
			m.Duration.Round(time.Millisecond).String(),
			mark,
		})
	}
	table.Render()

	_, err := io.Copy(w, &buf)
	return err
}
