package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsawler/go-denoise/log"
	"github.com/tsawler/go-denoise/training"
)

var logger = log.New("metrics")

const (
	namespace         = "denoiser"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Sink is a training.ProgressSink that exports training progress as
// Prometheus metrics.
type Sink struct {
	trainLoss    prometheus.Gauge
	valLoss      prometheus.Gauge
	learningRate prometheus.Gauge
	epoch        prometheus.Gauge
	epochSeconds prometheus.Gauge
	batches      *prometheus.CounterVec
	checkpoints  prometheus.Counter
}

var _ training.ProgressSink = (*Sink)(nil)

// NewSink creates the metrics and registers them with registry.
func NewSink(registry prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		trainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Mean training loss of the last completed epoch.",
		}),
		valLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "val_loss",
			Help:      "Mean validation loss of the last completed epoch.",
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Learning rate of the first optimizer parameter group.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Index of the current epoch.",
		}),
		epochSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_duration_seconds",
			Help:      "Wall time of the last completed epoch.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed, by phase.",
		}, []string{"phase"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}),
	}

	for _, c := range []prometheus.Collector{
		s.trainLoss, s.valLoss, s.learningRate, s.epoch, s.epochSeconds, s.batches, s.checkpoints,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) EpochStarted(epoch, total int) {
	s.epoch.Set(float64(epoch))
}

func (s *Sink) BatchCompleted(phase training.Phase, batch, total int, loss float64) {
	s.batches.WithLabelValues(string(phase)).Inc()
}

func (s *Sink) EpochCompleted(m training.EpochMetrics) {
	s.trainLoss.Set(m.TrainLoss)
	s.valLoss.Set(m.ValLoss)
	s.learningRate.Set(m.LearningRate)
	s.epochSeconds.Set(m.Duration.Seconds())
}

func (s *Sink) Checkpointed(path string) {
	s.checkpoints.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(registry),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("serving metrics on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Debug("metrics listener stopped")
		return nil
	}
}
