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

// Metrics holds the pipeline collectors. Register them on a private registry
// so tests and concurrent drivers do not collide on the default one.
type Metrics struct {
	Generations    *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	Verifications  *prometheus.CounterVec
	VerifyDuration prometheus.Histogram
	Refinements    *prometheus.CounterVec
	RefineAttempts prometheus.Counter
	Layers         prometheus.Counter
	EarlyStops     prometheus.Counter
	Prescreens     *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "generations_total",
			Help:      "Generator invocations by backend, path and outcome.",
		}, []string{"backend", "path", "outcome"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "tokens_total",
			Help:      "Backend tokens consumed by direction.",
		}, []string{"backend", "direction"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "verifications_total",
			Help:      "Verifier verdicts by classification.",
		}, []string{"classification"}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moahdl",
			Name:      "verify_duration_seconds",
			Help:      "Wall time of one verification.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Refinements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "refinements_total",
			Help:      "Completed refinement loops by terminal reason.",
		}, []string{"reason"}),
		RefineAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "refine_attempts_total",
			Help:      "Refinement generator calls.",
		}),
		Layers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "layers_total",
			Help:      "Completed layers across all tasks.",
		}),
		EarlyStops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "early_stops_total",
			Help:      "Tasks that stopped before the last layer on a perfect score.",
		}),
		Prescreens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "prescreens_total",
			Help:      "Direct generations tried before the layers, by outcome.",
		}, []string{"outcome"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moahdl",
			Name:      "tasks_total",
			Help:      "Finished task runs by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveVerify records one verification.
func (m *Metrics) ObserveVerify(class string, d time.Duration) {
	m.Verifications.WithLabelValues(class).Inc()
	m.VerifyDuration.Observe(d.Seconds())
}

// Serve exposes the registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
