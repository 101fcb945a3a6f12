// Package processor implements the Data Processor (§4.6): the
// event-driven, single-threaded worker that aggregates base-interval bars
// into derived intervals and evaluates real-time indicators.
package processor

import (
	"context"

	"github.com/quantrail/sessionengine/internal/domain/indicators"
	"github.com/quantrail/sessionengine/internal/requirement"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/sessionerr"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
)

// Notification is the tuple carried on the Coordinator->Processor channel;
// it names what changed but carries no data (§4.3, §5).
type Notification struct {
	Symbol   string
	Interval timeutil.Interval
}

// AnalysisNotifier hands off (symbol, interval) tuples to the Analysis
// Engine once a derived bar or indicator update is ready for it.
type AnalysisNotifier func(symbol string, interval timeutil.Interval)

// Processor runs the event-driven aggregation body described in §4.6.
type Processor struct {
	sd   *sessiondata.SessionData
	subs *subscription.Registry
	log  zerolog.Logger

	plans map[string]*requirement.SymbolPlan

	in       chan Notification
	notifyAn AnalysisNotifier

	subMode  subscription.Mode
	overruns map[string]uint64
}

// New builds a Processor reading from sd and signaling readiness through
// subs. Per-symbol provisioning plans are registered with SetPlan.
func New(sd *sessiondata.SessionData, subs *subscription.Registry, log zerolog.Logger) *Processor {
	return &Processor{
		sd:       sd,
		subs:     subs,
		log:      log.With().Str("component", "processor").Logger(),
		plans:    make(map[string]*requirement.SymbolPlan),
		in:       make(chan Notification, 4096),
		subMode:  subscription.ModeDataDriven,
		overruns: make(map[string]uint64),
	}
}

// SetSubscriptionMode sets the wait mode the Processor uses as producer of
// the Processor→Analysis subscription (§4.3), derived by the caller from
// the session's live/backtest mode and speed_multiplier
// (subscription.ModeFor). Defaults to ModeDataDriven if never called.
func (p *Processor) SetSubscriptionMode(mode subscription.Mode) { p.subMode = mode }

// SetPlan registers (or updates) the provisioning plan the processor uses
// to decide which derived intervals to aggregate for symbol.
func (p *Processor) SetPlan(symbol string, plan *requirement.SymbolPlan) {
	p.plans[symbol] = plan
}

// DropPlan removes symbol's plan, e.g. when the symbol is dropped from the
// session.
func (p *Processor) DropPlan(symbol string) { delete(p.plans, symbol) }

// SetAnalysisNotifier wires the Processor->Analysis hand-off.
func (p *Processor) SetAnalysisNotifier(f AnalysisNotifier) { p.notifyAn = f }

// Notify enqueues a (symbol, "bar", base_interval) tuple, called by the
// Session Coordinator after it appends a base bar (§4.5 step 4). A full
// channel means the processor isn't keeping up with the clock; that's
// counted as an overrun (§7 OverrunError) rather than silently blocking
// the caller's view of backpressure, though the notification is still
// delivered once room frees up.
func (p *Processor) Notify(n Notification) {
	select {
	case p.in <- n:
		return
	default:
	}
	p.overruns["processor"]++
	p.in <- n
}

// OverrunCount reports the per-sync-point overrun counter for metrics
// export (§5, §6.4, §8 S6).
func (p *Processor) OverrunCount(syncPoint string) uint64 { return p.overruns[syncPoint] }

// Run is the processor's single-threaded body; it returns when ctx is
// canceled, the notification channel is closed, or handling a notification
// surfaces a CriticalError/FatalError (§7: unrecoverable errors propagate
// to the worker boundary).
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-p.in:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, n); err != nil {
				p.log.Error().Err(err).Str("symbol", n.Symbol).Msg("processor: handling notification failed")
				return err
			}
		}
	}
}

func (p *Processor) handle(ctx context.Context, n Notification) error {
	plan, ok := p.plans[n.Symbol]
	if !ok {
		return nil
	}

	newBar, ok := p.sd.GetLatestBar(n.Symbol)
	if !ok {
		return nil
	}

	// Intervals are processed in ascending order (§4.6: "5m before 15m
	// before 1h before 1d") so longer intervals may reuse shorter derived
	// buckets.
	updated := []timeutil.Interval{plan.BaseInterval}
	for _, dk := range plan.SortedDerivedIntervals() {
		before := p.sd.GetBarCount(n.Symbol, dk)
		if err := p.aggregateBucket(n.Symbol, plan.BaseInterval, dk, newBar); err != nil {
			return err
		}
		if p.sd.GetBarCount(n.Symbol, dk) > before {
			updated = append(updated, dk)
		}
	}

	p.evaluateRealTimeIndicators(n.Symbol, plan)

	if err := p.sd.PropagateQualityToDerived(n.Symbol); err != nil {
		return err
	}

	// Step 5: release the Coordinator→Processor slot this bar occupied, so
	// the next wait_until_ready in the Coordinator's streaming loop can
	// succeed (§4.6).
	coordSub := p.subs.GetOrCreate(n.Symbol, string(plan.BaseInterval))
	coordSub.SignalReady()

	if p.notifyAn == nil {
		return nil
	}

	// Step 6: the Processor is the producer for the Processor→Analysis
	// subscription — it must acquire that slot before enqueuing the
	// analysis notification, exactly as the Coordinator does for its own
	// hand-off (§4.6, §4.3). One notification goes out for the base
	// interval and one for each derived interval that gained a bar.
	for _, iv := range updated {
		analysisSub := p.subs.GetOrCreate(n.Symbol, "analysis:"+string(iv))
		if err := analysisSub.WaitUntilReady(ctx, p.subMode, subscription.DefaultTimeout); err != nil {
			if _, ok := err.(*sessionerr.OverrunError); !ok {
				return &sessionerr.FatalError{Cause: err}
			}
			p.overruns["analysis"]++
			p.log.Warn().Err(err).Str("symbol", n.Symbol).Msg("analysis hand-off overrun")
		}

		p.notifyAn(n.Symbol, iv)
	}
	return nil
}

// aggregateBucket determines the bucket covering newBar and, if the base
// bars observed in SessionData for that bucket reach 100% completeness,
// aggregates and appends the derived bar (§4.6 step 2). Day intervals are
// skipped: they would need a TradingSession to floor against, and no other
// part of the engine builds session 1d bars either, so a provisioned 1d
// interval stays empty during the session.
func (p *Processor) aggregateBucket(symbol string, base, derived timeutil.Interval, newBar sessiondata.Bar) error {
	if derived.IsDay() {
		return nil
	}

	bucketStart, err := derived.FloorTimestamp(newBar.Timestamp, nil)
	if err != nil {
		return err
	}
	bucketEnd := bucketStart.Add(derived.Span())

	candidates := p.sd.GetBarsSince(symbol, base, bucketStart.Add(-base.Span()))
	var inBucket []sessiondata.Bar
	for _, b := range candidates {
		if !b.Timestamp.Before(bucketStart) && b.Timestamp.Before(bucketEnd) {
			inBucket = append(inBucket, b)
		}
	}

	expected := int(derived.Span() / base.Span())
	if len(inBucket) < expected {
		p.log.Debug().Str("symbol", symbol).Str("interval", string(derived)).
			Int("observed", len(inBucket)).Int("expected", expected).
			Msg("derived bucket incomplete, skipping")
		return nil
	}

	agg := aggregate(symbol, bucketStart, inBucket)
	return p.sd.AddDerivedBar(symbol, derived, agg)
}

func (p *Processor) evaluateRealTimeIndicators(symbol string, plan *requirement.SymbolPlan) {
	for _, ind := range plan.Indicators {
		bars := p.sd.GetLastNBars(symbol, plan.BaseInterval, 64)
		if len(bars) < 2 {
			continue
		}

		switch ind.Kind {
		case "rsi":
			closes := closesOf(bars)
			result := indicators.CalculateRSI(closes, 14)
			if result.IsValid {
				_ = p.sd.SetIndicator(symbol, ind.Name, result.Value)
			}

		case "atr":
			result := indicators.CalculateATR(priceBarsOf(bars), 14)
			if result.IsValid {
				_ = p.sd.SetIndicator(symbol, ind.Name, result.Value)
			}

		case "adx":
			result := indicators.CalculateADX(priceBarsOf(bars), 14)
			if result.IsValid {
				_ = p.sd.SetIndicator(symbol, ind.Name, result.ADX)
			}

		case "hurst":
			closes := closesOf(bars)
			result := indicators.CalculateHurstExponent(closes, len(closes))
			if result.IsValid {
				_ = p.sd.SetIndicator(symbol, ind.Name, result.Exponent)
			}

		case "technical_score":
			closes := closesOf(bars)
			all, err := indicators.CalculateAllIndicators(closes, priceBarsOf(bars))
			if err == nil {
				_ = p.sd.SetIndicator(symbol, ind.Name, all.GetTechnicalScore())
			}
		}
	}
}

func closesOf(bars []sessiondata.Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

func priceBarsOf(bars []sessiondata.Bar) []indicators.PriceBar {
	out := make([]indicators.PriceBar, len(bars))
	for i, b := range bars {
		out[i] = indicators.PriceBar{High: b.High, Low: b.Low, Close: b.Close}
	}
	return out
}
