// Package coordinator implements the Session Coordinator
// (SESSION_COORDINATOR_LOOP, §4.5): the top-level per-day lifecycle driver
// that owns base-interval writes into SessionData and dispatches bars to
// the Data Processor and Data Quality Manager.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantrail/sessionengine/internal/adapter"
	"github.com/quantrail/sessionengine/internal/processor"
	"github.com/quantrail/sessionengine/internal/quality"
	"github.com/quantrail/sessionengine/internal/requirement"
	"github.com/quantrail/sessionengine/internal/scheduler"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/sessionerr"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
)

// Config is the subset of session configuration the Coordinator consumes
// directly (§6.3); the rest is already baked into Requests by the caller.
type Config struct {
	ExchangeGroup   string
	AssetClass      string
	Mode            timeutil.Mode
	StartRef        time.Time
	EndRef          time.Time
	SpeedMultiplier float64
	PrefetchDays    int
	Requests        []requirement.SymbolRequest
}

// PhaseTimings records how long each named phase took in the most recently
// completed day, for the §6.4 end-of-session metrics export.
type PhaseTimings struct {
	HistoricalLoad time.Duration
	Streaming      time.Duration
}

// Coordinator runs Phases 0-5 once per trading day in the window built
// from StartRef..EndRef. Live mode iterates the same finite window; there is
// no open-ended day-after-day live loop.
type Coordinator struct {
	sd      *sessiondata.SessionData
	tm      *timeutil.TimeManager
	adapter adapter.DataAdapter
	subs    *subscription.Registry
	dqm     *quality.Manager
	proc    *processor.Processor
	log     zerolog.Logger

	cfg    Config
	plan   *requirement.ProvisioningPlan
	window *scheduler.Window

	overruns     map[string]uint64
	lastTimings  PhaseTimings
	symbolsAlive map[string]bool

	onDayComplete func(completed, total int)
}

// New builds a Coordinator wired to its collaborators. dqm and proc must
// already be constructed; the Coordinator only calls their public APIs, it
// never owns their goroutines.
func New(sd *sessiondata.SessionData, tm *timeutil.TimeManager, da adapter.DataAdapter, subs *subscription.Registry, dqm *quality.Manager, proc *processor.Processor, log zerolog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		sd:           sd,
		tm:           tm,
		adapter:      da,
		subs:         subs,
		dqm:          dqm,
		proc:         proc,
		log:          log.With().Str("component", "coordinator").Logger(),
		cfg:          cfg,
		overruns:     make(map[string]uint64),
		symbolsAlive: make(map[string]bool),
	}
}

// LastTimings returns the most recently completed day's phase timings.
func (c *Coordinator) LastTimings() PhaseTimings { return c.lastTimings }

// SetProgressReporter wires an optional callback fired after every
// completed trading day, for CLI progress output over a multi-day
// backtest window. It fires in live mode too, after each day of the window.
func (c *Coordinator) SetProgressReporter(f func(completed, total int)) { c.onDayComplete = f }

// OverrunCount reports the per-sync-point overrun counter (§5, §8 S6).
func (c *Coordinator) OverrunCount(syncPoint string) uint64 { return c.overruns[syncPoint] }

// Run executes Phase 0 once, then loops Phases 1-5 over every trading day
// in the window. It returns nil on a clean end of window, or the
// terminating error (ConfigurationError/FatalError/CriticalError) that
// aborted the session.
func (c *Coordinator) Run(ctx context.Context) error {
	plan, err := requirement.Analyze(c.cfg.Requests)
	if err != nil {
		return &sessionerr.ConfigurationError{Field: "session_data_config", Reason: err.Error()}
	}
	c.plan = plan
	for symbol := range plan.PerSymbol {
		c.symbolsAlive[symbol] = true
	}

	if c.adapter != nil {
		anySupported := false
		for symbol := range plan.PerSymbol {
			avail, err := c.adapter.CheckAvailability(ctx, symbol)
			if err != nil {
				c.log.Warn().Err(err).Str("symbol", symbol).Msg("availability check failed")
				continue
			}
			if c.baseSupported(plan.SharedBaseInterval, avail) {
				anySupported = true
			}
		}
		if !anySupported {
			return &sessionerr.ConfigurationError{Field: "session_data_config.streams", Reason: "no symbol's adapter supports the resolved base interval"}
		}
	}

	window, err := scheduler.BuildWindow(c.tm, c.cfg.StartRef, c.cfg.EndRef)
	if err != nil {
		return err
	}
	c.window = window

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		day, ok := window.Next()
		if !ok {
			return nil
		}
		if err := c.runDay(ctx, day); err != nil {
			return err
		}
		if c.onDayComplete != nil {
			status := window.Status()
			c.onDayComplete(status.CompletedDays, status.TotalDays)
		}
	}
}

func (c *Coordinator) baseSupported(base timeutil.Interval, a adapter.Availability) bool {
	switch base {
	case timeutil.Interval1s:
		return a.Has1s
	case timeutil.Interval1m:
		return a.Has1m
	default:
		return true
	}
}

func (c *Coordinator) runDay(ctx context.Context, day time.Time) error {
	// Phase 1: Teardown.
	c.sd.ClearSessionBars()
	c.sd.ClearHistoricalBars()
	c.dqm.Reset()
	if err := c.tm.AdvanceToMarketOpen(day, false); err != nil {
		return err
	}

	// Phase 2: Init (three-phase provisioning per symbol).
	t0 := time.Now()
	provisioned := c.provisionDay(ctx, day)
	c.lastTimings.HistoricalLoad = time.Since(t0)
	if provisioned == 0 {
		return &sessionerr.FatalError{Cause: fmt.Errorf("all symbols failed provisioning for %s", day.Format("2006-01-02"))}
	}

	// Phase 3: Activate.
	c.sd.SetSessionActive(true, day)

	// Phase 4: Stream.
	t1 := time.Now()
	if err := c.stream(ctx, day); err != nil {
		return err
	}
	c.lastTimings.Streaming = time.Since(t1)

	// Phase 5: End.
	c.sd.SetSessionActive(false, day)
	return nil
}

// provisionDay runs the three-phase per-symbol provisioning (analyze,
// validate, provision) and returns the count of symbols that survived.
func (c *Coordinator) provisionDay(ctx context.Context, day time.Time) int {
	survived := 0
	for symbol, sp := range c.plan.PerSymbol {
		c.symbolsAlive[symbol] = true
		if err := c.provisionSymbol(ctx, symbol, sp, day); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("symbol dropped for the day")
			c.symbolsAlive[symbol] = false
			continue
		}
		survived++
	}
	return survived
}

func (c *Coordinator) provisionSymbol(ctx context.Context, symbol string, sp *requirement.SymbolPlan, day time.Time) error {
	// b. validate
	if c.adapter != nil {
		avail, err := c.adapter.CheckAvailability(ctx, symbol)
		if err != nil {
			return &sessionerr.DataAvailabilityError{Symbol: symbol, Interval: string(sp.BaseInterval), Reason: err.Error()}
		}
		if !c.baseSupported(sp.BaseInterval, avail) {
			return &sessionerr.DataAvailabilityError{Symbol: symbol, Interval: string(sp.BaseInterval), Reason: "adapter cannot supply base interval"}
		}
	}

	// c. provision
	intervals := append([]timeutil.Interval{sp.BaseInterval}, keysOf(sp.DerivedIntervals)...)
	c.sd.RegisterSymbolData(symbol, sp.BaseInterval, intervals)
	c.proc.SetPlan(symbol, sp)

	if err := c.loadHistorical(ctx, symbol, sp, day); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("historical load degraded")
	}

	return nil
}

func keysOf(m map[timeutil.Interval]bool) []timeutil.Interval {
	out := make([]timeutil.Interval, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// stream runs Phase 4. In backtest mode it's the k-way chronological merge
// over per-symbol base-interval queues loaded for day (§4.5); in live mode
// there is no day's worth of history to merge over yet, so it instead
// consumes the adapter's push stream (§6.1 OpenLiveStream) as bars arrive.
func (c *Coordinator) stream(ctx context.Context, day time.Time) error {
	session, err := c.tm.GetTradingSession(day)
	if err != nil {
		return err
	}
	if !session.IsTradingDay {
		return nil
	}

	if c.cfg.Mode == timeutil.ModeLive {
		return c.streamLive(ctx, session)
	}

	queues := c.loadDayQueues(ctx, session)

	var prevTS time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, ts, ok := nextTimestamp(queues)
		if !ok {
			break
		}
		if ts.After(session.RegularClose) {
			break
		}
		if c.cfg.Mode == timeutil.ModeBacktest {
			c.tm.SetBacktestTime(ts)
		}

		order := symbolsAt(queues, ts)
		for _, sym := range order {
			bar := popFront(queues, sym)
			if err := c.dispatchBar(ctx, sym, bar); err != nil {
				return err
			}
		}

		if c.cfg.SpeedMultiplier > 0 && !prevTS.IsZero() {
			delay := time.Duration(float64(ts.Sub(prevTS)) / c.cfg.SpeedMultiplier)
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		prevTS = ts
	}

	if c.cfg.Mode == timeutil.ModeBacktest {
		c.tm.SetBacktestTime(session.RegularClose)
	}
	return nil
}

// streamLive opens the adapter's push stream for every live symbol and
// dispatches bars as they arrive, until the regular close or ctx is done.
func (c *Coordinator) streamLive(ctx context.Context, session *timeutil.TradingSession) error {
	if c.adapter == nil {
		return nil
	}

	var symbols []string
	for symbol := range c.plan.PerSymbol {
		if c.symbolsAlive[symbol] {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	if len(symbols) == 0 {
		return nil
	}

	ls, err := c.adapter.OpenLiveStream(ctx, symbols, c.plan.SharedBaseInterval)
	if err != nil {
		return &sessionerr.AdapterError{Op: "OpenLiveStream", Recoverable: true, Cause: err}
	}
	defer ls.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-ls.Err():
			if !ok {
				return nil
			}
			if err != nil {
				return &sessionerr.AdapterError{Op: "live_stream", Recoverable: true, Cause: err}
			}
			return nil

		case lb, ok := <-ls.Bars():
			if !ok {
				return nil
			}
			if lb.Bar.Timestamp.After(session.RegularClose) {
				return nil
			}
			if err := c.dispatchBar(ctx, lb.Symbol, lb.Bar); err != nil {
				return err
			}
		}
	}
}

// subscriptionMode derives the Coordinator→Processor wait mode from the
// session's live/backtest mode and speed_multiplier (§4.3, glossary
// "data-driven / clock-driven").
func (c *Coordinator) subscriptionMode() subscription.Mode {
	return subscription.ModeFor(c.cfg.Mode == timeutil.ModeLive, c.cfg.SpeedMultiplier)
}

// dispatchBar is the producer side of the Coordinator→Processor
// subscription (§4.3, §4.5 step 4): it acquires that bar's one in-flight
// slot before transferring the bar into SessionData, then hands the bar to
// the Data Processor (notification channel) and the Data Quality Manager
// (non-gating, called inline). In ModeDataDriven a slot that never frees
// times out into a FatalError, aborting the session; in ModeClockDriven a
// busy slot is recorded as a non-fatal overrun and the bar is dispatched
// anyway, since the virtual/wall clock must never be held up.
func (c *Coordinator) dispatchBar(ctx context.Context, symbol string, bar sessiondata.Bar) error {
	sp := c.plan.PerSymbol[symbol]
	if sp == nil {
		return nil
	}

	sub := c.subs.GetOrCreate(symbol, string(sp.BaseInterval))
	if err := sub.WaitUntilReady(ctx, c.subscriptionMode(), subscription.DefaultTimeout); err != nil {
		if _, ok := err.(*sessionerr.OverrunError); !ok {
			return &sessionerr.FatalError{Cause: err}
		}
		c.overruns["coordinator_processor"]++
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("coordinator->processor hand-off overrun")
	}

	if err := c.sd.AppendBar(symbol, sp.BaseInterval, bar); err != nil {
		return &sessionerr.CriticalError{Invariant: "monotone-timestamps", Detail: err.Error()}
	}

	c.proc.Notify(processor.Notification{Symbol: symbol, Interval: sp.BaseInterval})

	if day := c.sd.CurrentSessionDate(); !day.IsZero() {
		if err := c.dqm.OnBaseBar(symbol, sp.BaseInterval, bar, day); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("quality update failed")
		}
	}

	return nil
}

// Reinject hands recovered bars from a live-mode gap refetch (§4.7) back
// through the normal dispatch path, as the Data Quality Manager's
// ReinjectFunc.
func (c *Coordinator) Reinject(symbol string, interval timeutil.Interval, bars []sessiondata.Bar) {
	for _, b := range bars {
		if err := c.dispatchBar(context.Background(), symbol, b); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("reinject dispatch failed")
		}
	}
}

type barQueue struct {
	bars []sessiondata.Bar
	pos  int
}

func (c *Coordinator) loadDayQueues(ctx context.Context, session *timeutil.TradingSession) map[string]*barQueue {
	queues := make(map[string]*barQueue)
	for symbol := range c.plan.PerSymbol {
		if !c.symbolsAlive[symbol] {
			continue
		}
		sp := c.plan.PerSymbol[symbol]
		if c.adapter == nil {
			queues[symbol] = &barQueue{}
			continue
		}
		bars, err := c.adapter.GetBars(ctx, symbol, sp.BaseInterval, session.RegularOpen, session.RegularClose)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("queue load failed, symbol empty for the day")
			bars = nil
		}
		queues[symbol] = &barQueue{bars: bars}
	}
	return queues
}

func nextTimestamp(queues map[string]*barQueue) (string, time.Time, bool) {
	var best time.Time
	var bestSymbol string
	found := false
	for symbol, q := range queues {
		if q.pos >= len(q.bars) {
			continue
		}
		ts := q.bars[q.pos].Timestamp
		if !found || ts.Before(best) {
			best = ts
			bestSymbol = symbol
			found = true
		}
	}
	return bestSymbol, best, found
}

// symbolsAt returns every symbol with a bar at exactly ts, in lexicographic
// order for deterministic dispatch (§4.5 step 4, §8 invariant 7).
func symbolsAt(queues map[string]*barQueue, ts time.Time) []string {
	var out []string
	for symbol, q := range queues {
		if q.pos < len(q.bars) && q.bars[q.pos].Timestamp.Equal(ts) {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

func popFront(queues map[string]*barQueue, symbol string) sessiondata.Bar {
	q := queues[symbol]
	bar := q.bars[q.pos]
	q.pos++
	return bar
}
