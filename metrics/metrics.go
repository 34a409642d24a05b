package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// JobsTotal counts finished jobs by event and outcome (ok, error, rejected).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipworker_jobs_total",
			Help: "Jobs handled by the protocol loop.",
		},
		[]string{"event", "outcome"},
	)

	InferenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clipworker_inference_batch_size",
			Help:    "Histogram of images per encoder call.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// InferenceLatencySeconds is labelled by kind: image or text.
	InferenceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipworker_inference_latency_seconds",
			Help:    "Histogram of encoder call latency (seconds).",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	DecodeLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clipworker_decode_latency_seconds",
			Help:    "Histogram of time spent waiting for a decoded batch (seconds).",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipworker_decode_failures_total",
			Help: "Images that could not be decoded.",
		},
	)

	// TextCacheLookups is labelled by result: hit or miss.
	TextCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipworker_text_cache_lookups_total",
			Help: "Text embedding cache lookups.",
		},
		[]string{"result"},
	)

	// SessionReady is 1 once a model is loaded.
	SessionReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clipworker_session_ready",
			Help: "Whether an encoder session is loaded (1 = ready, 0 = not).",
		},
	)
)

func RecordJob(event, outcome string) {
	JobsTotal.WithLabelValues(event, outcome).Inc()
}

func RecordInferenceBatch(size int) {
	InferenceBatchSize.Observe(float64(size))
}

func RecordInferenceLatency(kind string, d time.Duration) {
	InferenceLatencySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordDecodeLatency(d time.Duration) {
	DecodeLatencySeconds.Observe(d.Seconds())
}

func RecordDecodeFailures(n int) {
	DecodeFailures.Add(float64(n))
}

func RecordCacheLookup(hit bool) {
	if hit {
		TextCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	TextCacheLookups.WithLabelValues("miss").Inc()
}

var ready atomic.Bool

func SetReady(ok bool) {
	ready.Store(ok)
	if ok {
		SessionReady.Set(1)
		return
	}
	SessionReady.Set(0)
}

// Handler serves /metrics and a /healthz that reports 503 until a session
// is loaded.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Serve runs the metrics listener on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
