package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tsawler/go-denoise/training"
)

func TestSink(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink, err := NewSink(registry)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}

	sink.EpochStarted(3, 10)
	sink.BatchCompleted(training.PhaseTrain, 1, 2, 0.5)
	sink.BatchCompleted(training.PhaseTrain, 2, 2, 0.4)
	sink.BatchCompleted(training.PhaseValidate, 1, 1, 0.3)
	sink.EpochCompleted(training.EpochMetrics{Epoch: 3, TrainLoss: 0.45, ValLoss: 0.3, LearningRate: 1e-4, Duration: 2 * time.Second})
	sink.Checkpointed("a.json")

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"epoch", sink.epoch, 3},
		{"train loss", sink.trainLoss, 0.45},
		{"val loss", sink.valLoss, 0.3},
		{"learning rate", sink.learningRate, 1e-4},
		{"epoch seconds", sink.epochSeconds, 2},
		{"train batches", sink.batches.WithLabelValues("train"), 2},
		{"val batches", sink.batches.WithLabelValues("val"), 1},
		{"checkpoints", sink.checkpoints, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}

	if _, err := NewSink(registry); err == nil {
		t.Error("Expected an error registering the metrics twice")
	}
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink, _ := NewSink(registry)
	sink.Checkpointed("a.json")

	server := httptest.NewServer(Handler(registry))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "denoiser_checkpoints_total 1") {
		t.Errorf("Expected checkpoint counter in output, got:\n%s", body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
