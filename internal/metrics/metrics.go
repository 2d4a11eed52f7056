// Package metrics holds the Prometheus collectors exported by graphsync.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "graphsync"

	// Result labels.
	ResultOK          = "ok"
	ResultSkipped     = "skipped"
	ResultAborted     = "aborted"
	ResultUnavailable = "unavailable"
	ResultBusy        = "busy"
	ResultFailed      = "failed"
)

var (
	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "total",
			Help:      "Push attempts by result",
		},
		[]string{"result"},
	)

	PushCommands = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "commands_total",
			Help:      "Commands committed to the central store",
		},
	)

	PushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "duration_seconds",
			Help:      "Time spent in the push transaction",
			Buckets:   prometheus.DefBuckets,
		},
	)

	PullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "total",
			Help:      "Pull attempts by result",
		},
		[]string{"result"},
	)

	PullEntities = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "entities_total",
			Help:      "Entities applied to the local model",
		},
	)

	GCDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "deleted_total",
			Help:      "Rows removed by retention GC",
		},
		[]string{"kind"},
	)

	NotifyEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Change-detected events raised",
		},
	)

	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_failures_total",
			Help:      "Change cache writes that failed and were skipped",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Commands waiting in the command queue",
		},
	)

	ConsistencyStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "status",
			Help:      "Last consistency status: 0 green, 1 yellow, 2 red",
		},
		[]string{"session"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
