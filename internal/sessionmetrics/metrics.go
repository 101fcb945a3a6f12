// Package sessionmetrics exports the §6.4 end-of-session metrics: per-phase
// timings, per-sync-point overrun/backpressure counters, bars processed,
// and trading days completed.
package sessionmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Registry holds every Prometheus collector the session engine exports.
type Registry struct {
	PhaseDuration    *prometheus.HistogramVec
	BarsProcessed    *prometheus.CounterVec
	TradingDays      prometheus.Counter
	SyncOverruns     *prometheus.CounterVec
	QualityPercent   *prometheus.GaugeVec
	AdapterErrors    *prometheus.CounterVec
	ActiveSymbols    prometheus.Gauge
}

// NewRegistry builds and registers the session engine's metric collectors.
func NewRegistry() *Registry {
	r := &Registry{
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessionengine_phase_duration_seconds",
				Help:    "Duration of each session coordinator phase in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"phase"},
		),

		BarsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionengine_bars_processed_total",
				Help: "Total number of bars held in session data per symbol and interval (base and derived)",
			},
			[]string{"symbol", "interval"},
		),

		TradingDays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessionengine_trading_days_total",
				Help: "Total number of trading days completed",
			},
		),

		SyncOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionengine_sync_overruns_total",
				Help: "Total number of clock-driven overruns per sync point",
			},
			[]string{"sync_point"},
		),

		QualityPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessionengine_quality_percent",
				Help: "Most recently computed data quality percent per symbol/interval",
			},
			[]string{"symbol", "interval"},
		),

		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessionengine_adapter_errors_total",
				Help: "Total number of data adapter errors by operation",
			},
			[]string{"op"},
		),

		ActiveSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessionengine_active_symbols",
				Help: "Number of symbols currently provisioned for the active session",
			},
		),
	}

	prometheus.MustRegister(
		r.PhaseDuration,
		r.BarsProcessed,
		r.TradingDays,
		r.SyncOverruns,
		r.QualityPercent,
		r.AdapterErrors,
		r.ActiveSymbols,
	)

	return r
}

// PhaseTimer times one coordinator phase and records it on Stop.
type PhaseTimer struct {
	r     *Registry
	phase string
	start time.Time
}

// StartPhase begins timing a named phase (the engine times the whole run
// as "session").
func (r *Registry) StartPhase(phase string) *PhaseTimer {
	return &PhaseTimer{r: r, phase: phase, start: time.Now()}
}

// Stop records the elapsed duration since StartPhase.
func (t *PhaseTimer) Stop() {
	t.r.PhaseDuration.WithLabelValues(t.phase).Observe(time.Since(t.start).Seconds())
}

// RecordBar increments the bars-processed counter for (symbol, interval).
func (r *Registry) RecordBar(symbol, interval string) {
	r.BarsProcessed.WithLabelValues(symbol, interval).Inc()
}

// RecordTradingDay increments the completed-trading-days counter.
func (r *Registry) RecordTradingDay() { r.TradingDays.Inc() }

// RecordOverrun increments the overrun counter for syncPoint and logs a
// warning, since overruns are recoverable but worth surfacing.
func (r *Registry) RecordOverrun(syncPoint string) {
	r.SyncOverruns.WithLabelValues(syncPoint).Inc()
	log.Warn().Str("sync_point", syncPoint).Msg("sync point overrun recorded")
}

// SetQuality records the latest quality percent for (symbol, interval).
func (r *Registry) SetQuality(symbol, interval string, percent float64) {
	r.QualityPercent.WithLabelValues(symbol, interval).Set(percent)
}

// RecordAdapterError increments the adapter error counter for op.
func (r *Registry) RecordAdapterError(op string) {
	r.AdapterErrors.WithLabelValues(op).Inc()
}

// SetActiveSymbols records the current provisioned-symbol count.
func (r *Registry) SetActiveSymbols(n int) {
	r.ActiveSymbols.Set(float64(n))
}
