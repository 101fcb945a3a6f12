// Package engine implements the top-level lifecycle described in §6.4:
// start(config) wires the four workers (Coordinator, Data Processor, Data
// Quality Manager, Analysis Engine) and runs them for the session; stop()
// cancels the one context all four share, so they are stopped together
// rather than in a staged order, and joins with a timeout.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/sessionengine/internal/adapter"
	"github.com/quantrail/sessionengine/internal/analysis"
	"github.com/quantrail/sessionengine/internal/config"
	"github.com/quantrail/sessionengine/internal/coordinator"
	"github.com/quantrail/sessionengine/internal/processor"
	"github.com/quantrail/sessionengine/internal/quality"
	"github.com/quantrail/sessionengine/internal/requirement"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/sessionerr"
	"github.com/quantrail/sessionengine/internal/sessionmetrics"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the overarching system's lifecycle state (§6.4).
type State int

const (
	StateStopped State = iota
	StateRunning
	StateFailed
)

// shutdownJoinTimeout bounds how long Stop waits for workers to exit before
// giving up and returning regardless.
const shutdownJoinTimeout = 10 * time.Second

// Engine owns the four workers' lifecycle for one session.
type Engine struct {
	mu    sync.Mutex
	state State

	runID   string
	log     zerolog.Logger
	metrics *sessionmetrics.Registry

	sd   *sessiondata.SessionData
	tm   *timeutil.TimeManager
	subs *subscription.Registry

	coord *coordinator.Coordinator
	proc  *processor.Processor
	dqm   *quality.Manager
	ae    *analysis.Engine

	cancel context.CancelFunc
	done   chan struct{}

	onDayComplete func(completed, total int)
}

// SetProgressReporter wires an optional per-trading-day progress callback
// through to the Coordinator, for CLI backtest output (§6.4). Must be
// called before Start.
func (e *Engine) SetProgressReporter(f func(completed, total int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDayComplete = f
}

// New builds an idle Engine. Call Start to wire workers for a session.
func New(log zerolog.Logger, metrics *sessionmetrics.Registry) *Engine {
	return &Engine{log: log.With().Str("component", "engine").Logger(), metrics: metrics}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunID reports the current (or most recent) session's unique run
// identifier, set fresh at the top of every Start call so log lines and
// metrics across a crash-restart cycle are never confused with each other.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Start loads cfg, derives the session's TimeManager, builds SessionData,
// wires the four workers, and runs the Coordinator's per-day loop until the
// session's backtest window is exhausted (or ctx is canceled in live mode).
// Start blocks for the duration of the run; callers that want a
// fire-and-forget session should invoke it from a goroutine and use Stop to
// cancel early.
func (e *Engine) Start(ctx context.Context, cfg *config.SessionConfig, cal timeutil.CalendarAdapter, da adapter.DataAdapter) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.state = StateRunning
	e.mu.Unlock()

	runID := uuid.New().String()
	e.mu.Lock()
	e.runID = runID
	e.mu.Unlock()
	e.log = e.log.With().Str("run_id", runID).Logger()

	mode := timeutil.ModeBacktest
	if cfg.Mode == "live" {
		mode = timeutil.ModeLive
	}

	tm, err := timeutil.New(mode, cfg.ExchangeGroup, cfg.AssetClass, cal)
	if err != nil {
		e.fail()
		return &sessionerr.ConfigurationError{Field: "exchange_group/asset_class", Reason: err.Error()}
	}

	requests, err := translateSymbols(cfg.SessionDataConfig.Symbols)
	if err != nil {
		e.fail()
		return &sessionerr.ConfigurationError{Field: "session_data_config.symbols", Reason: err.Error()}
	}

	sd := sessiondata.New()
	subs := subscription.NewRegistry()
	dqmCfg := quality.Config{
		MaxRetries:              cfg.SessionDataConfig.GapFiller.MaxRetries,
		RetryInterval:           time.Duration(cfg.SessionDataConfig.GapFiller.RetryIntervalSeconds) * time.Second,
		EnableSessionQuality:    cfg.SessionDataConfig.GapFiller.EnableSessionQuality,
		EnableHistoricalQuality: true,
	}
	if dqmCfg.MaxRetries == 0 {
		dqmCfg = quality.DefaultConfig()
	}

	dqm := quality.New(sd, tm, da, dqmCfg, mode, e.log)
	proc := processor.New(sd, subs, e.log)
	ae := analysis.New(sd, subs, e.log)
	proc.SetAnalysisNotifier(ae.Notify)

	var startRef, endRef time.Time
	speedMultiplier := cfg.BacktestConfig.SpeedMultiplier
	if mode == timeutil.ModeBacktest {
		startRef, err = time.Parse("2006-01-02", cfg.BacktestConfig.StartDate)
		if err != nil {
			e.fail()
			return &sessionerr.ConfigurationError{Field: "backtest_config.start_date", Reason: err.Error()}
		}
		endRef, err = time.Parse("2006-01-02", cfg.BacktestConfig.EndDate)
		if err != nil {
			e.fail()
			return &sessionerr.ConfigurationError{Field: "backtest_config.end_date", Reason: err.Error()}
		}
		if speedMultiplier == 0 {
			speedMultiplier = 1.0
		}
	}

	proc.SetSubscriptionMode(subscription.ModeFor(mode == timeutil.ModeLive, speedMultiplier))

	coordCfg := coordinator.Config{
		ExchangeGroup:   cfg.ExchangeGroup,
		AssetClass:      cfg.AssetClass,
		Mode:            mode,
		StartRef:        startRef,
		EndRef:          endRef,
		SpeedMultiplier: speedMultiplier,
		PrefetchDays:    cfg.BacktestConfig.PrefetchDays,
		Requests:        requests,
	}
	coord := coordinator.New(sd, tm, da, subs, dqm, proc, e.log, coordCfg)
	dqm.SetReinject(coord.Reinject)
	onDayComplete := e.onDayComplete
	coord.SetProgressReporter(func(completed, total int) {
		e.metrics.RecordTradingDay()
		if onDayComplete != nil {
			onDayComplete(completed, total)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.sd, e.tm, e.subs = sd, tm, subs
	e.coord, e.proc, e.dqm, e.ae = coord, proc, dqm, ae
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	procErrCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); procErrCh <- proc.Run(runCtx) }()
	go func() { defer wg.Done(); _ = ae.Run(runCtx) }()
	go func() { defer wg.Done(); _ = dqm.Run(runCtx) }()

	e.log.Info().Str("mode", cfg.Mode).Int("symbols", len(requests)).Msg("session starting")

	sessionTimer := e.metrics.StartPhase("session")
	e.metrics.SetActiveSymbols(len(requests))
	runErr := coord.Run(runCtx)
	sessionTimer.Stop()

	cancel()
	wg.Wait()
	close(e.done)

	// A data-driven TimeoutError in the Processor's own sync-point wait
	// turns into a FatalError there (§7) but coord.Run only observes
	// Coordinator-side failures directly; fold the Processor's result in
	// too so it actually aborts the session.
	if procErr := <-procErrCh; procErr != nil && runErr == nil {
		runErr = procErr
	}

	e.recordFinalMetrics(coord, proc, sd)

	if runErr != nil {
		e.fail()
		return runErr
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	return nil
}

// recordFinalMetrics exports the §6.4 end-of-session summary: phase
// timings from the Coordinator's last completed day and backpressure
// overrun counts from every sync point the Coordinator and Processor
// tracked.
func (e *Engine) recordFinalMetrics(coord *coordinator.Coordinator, proc *processor.Processor, sd *sessiondata.SessionData) {
	timings := coord.LastTimings()
	e.metrics.PhaseDuration.WithLabelValues("historical_load").Observe(timings.HistoricalLoad.Seconds())
	e.metrics.PhaseDuration.WithLabelValues("streaming").Observe(timings.Streaming.Seconds())

	if n := coord.OverrunCount("coordinator_processor"); n > 0 {
		e.metrics.SyncOverruns.WithLabelValues("coordinator_processor").Add(float64(n))
	}
	if n := proc.OverrunCount("processor"); n > 0 {
		e.metrics.SyncOverruns.WithLabelValues("processor").Add(float64(n))
	}
	if n := proc.OverrunCount("analysis"); n > 0 {
		e.metrics.SyncOverruns.WithLabelValues("processor_analysis").Add(float64(n))
	}
	if n := e.ae.OverrunCount(); n > 0 {
		e.metrics.SyncOverruns.WithLabelValues("analysis").Add(float64(n))
	}

	for _, symbol := range sd.Symbols() {
		for _, interval := range sd.GetSymbolPlanIntervals(symbol) {
			if n := sd.GetBarCount(symbol, interval); n > 0 {
				e.metrics.BarsProcessed.WithLabelValues(symbol, string(interval)).Add(float64(n))
			}
			if q, ok := sd.GetQuality(symbol, interval); ok {
				e.metrics.SetQuality(symbol, string(interval), q)
			}
		}
	}
}

// Stop cancels the running session's workers (Analysis Engine, Data
// Processor, Data Quality Manager and Coordinator share one context, so all
// four see the cancellation at once; no worker is stopped before another)
// and waits up to shutdownJoinTimeout for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		e.log.Warn().Msg("shutdown join timed out, returning regardless")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
}

func (e *Engine) fail() {
	e.mu.Lock()
	e.state = StateFailed
	e.mu.Unlock()
}

// translateSymbols turns the YAML-level SymbolConfig entries into the
// requirement analyzer's input shape, parsing interval/period strings and
// rejecting anything outside timeutil.AcceptedIntervals (§7
// ConfigurationError: "interval string not in accepted set").
func translateSymbols(symbols []config.SymbolConfig) ([]requirement.SymbolRequest, error) {
	out := make([]requirement.SymbolRequest, 0, len(symbols))
	for _, sc := range symbols {
		streams, err := parseStreams(sc.Streams)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", sc.Symbol, err)
		}

		var hist []requirement.HistoricalLoad
		for _, h := range sc.Historical.Data {
			iv := timeutil.Interval(h.Interval)
			if _, ok := timeutil.AcceptedIntervals[iv]; !ok {
				return nil, fmt.Errorf("symbol %s: historical interval %q not accepted", sc.Symbol, h.Interval)
			}
			hist = append(hist, requirement.HistoricalLoad{Interval: iv, TrailingDays: h.TrailingDays})
		}

		var inds []requirement.IndicatorConfig
		for _, hi := range sc.Historical.Indicators {
			inds = append(inds, requirement.IndicatorConfig{
				Name:        hi.Name,
				Kind:        hi.Kind,
				Field:       hi.Field,
				Period:      hi.Period,
				Granularity: hi.Granularity,
			})
		}
		for _, ri := range sc.Indicators {
			inds = append(inds, requirement.IndicatorConfig{Name: ri.Name, Kind: ri.Kind})
		}

		policy := requirement.QuotesPolicy(sc.QuotesPolicy)
		if policy == "" {
			policy = requirement.QuotesIgnore
		}

		out = append(out, requirement.SymbolRequest{
			Symbol:            sc.Symbol,
			Streams:           streams,
			HistoricalConfigs: hist,
			Indicators:        inds,
			QuotesPolicy:      policy,
		})
	}
	return out, nil
}

func parseStreams(raw []string) ([]timeutil.Interval, error) {
	out := make([]timeutil.Interval, 0, len(raw))
	for _, s := range raw {
		if s == "quotes" {
			continue // quotes are not a stream Interval; QuotesPolicy governs them
		}
		iv := timeutil.Interval(s)
		if _, ok := timeutil.AcceptedIntervals[iv]; !ok {
			return nil, fmt.Errorf("stream interval %q not in accepted set", s)
		}
		out = append(out, iv)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid stream intervals")
	}
	return out, nil
}
