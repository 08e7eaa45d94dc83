package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	sink.EpochStarted(0, 2)
	sink.BatchCompleted(PhaseTrain, 1, 2, 0.5)
	sink.BatchCompleted(PhaseTrain, 2, 2, 0.25)
	sink.BatchCompleted(PhaseValidate, 1, 1, 0.2)
	sink.EpochCompleted(EpochMetrics{Epoch: 0, TrainLoss: 0.375, ValLoss: 0.2, LearningRate: 1e-4, Duration: time.Second})
	sink.EpochStarted(1, 2)
	sink.EpochCompleted(EpochMetrics{Epoch: 1, TrainLoss: 0.3, ValLoss: 0.1, LearningRate: 1e-4})
	sink.Checkpointed("exp/cnn_240p_den_v1.json")

	out := buf.String()
	for _, want := range []string{
		"Epoch 1/2 (Training)",
		"Epoch 1/2 (Validation)",
		"2/2",
		"loss=0.250000",
		"Epoch 1/2 Summary: train loss 0.375000, val loss 0.200000",
		"Saved checkpoint exp/cnn_240p_den_v1.json",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}

	if len(sink.History()) != 2 {
		t.Fatalf("Expected 2 epochs of history, got %d", len(sink.History()))
	}

	var table bytes.Buffer
	if err := sink.RenderHistory(&table); err != nil {
		t.Fatalf("RenderHistory failed: %v", err)
	}
	lines := strings.Split(table.String(), "\n")
	var best string
	for _, line := range lines {
		if strings.Contains(line, "*") {
			best = line
		}
	}
	if !strings.Contains(best, "0.100000") {
		t.Errorf("Expected the epoch with val loss 0.1 to be marked, got %q", best)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	sink := MultiSink{a, NopSink{}, b}

	sink.EpochStarted(0, 1)
	sink.BatchCompleted(PhaseTrain, 1, 1, 1)
	sink.EpochCompleted(EpochMetrics{})
	sink.Checkpointed("x")

	for i, r := range []*recordingSink{a, b} {
		if len(r.started) != 1 || r.batches[PhaseTrain] != 1 || len(r.epochs) != 1 || len(r.checkpoints) != 1 {
			t.Errorf("Sink %d missed events: %+v", i, r)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{-time.Second, "00:00"},
	}
	for _, test := range tests {
		if got := formatDuration(test.d); got != test.want {
			t.Errorf("formatDuration(%v): expected %s, got %s", test.d, test.want, got)
		}
	}
}
