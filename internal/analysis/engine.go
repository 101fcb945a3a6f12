// Package analysis implements the Analysis Engine (§4.9): a selective
// subscriber that only watches the (symbol, interval) streams and
// indicators a registered strategy actually needs, and runs strategy logic
// once the Data Processor signals those streams are ready.
package analysis

import (
	"context"

	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
)

// Strategy is the boundary a concrete trading/analysis strategy implements;
// strategy logic itself is out of scope here, the Engine only guarantees it
// is invoked with fresh data for exactly the streams it declared interest
// in (§4.9 "selective subscription").
type Strategy interface {
	// Interests returns the (symbol, interval) pairs this strategy reads.
	Interests() []Interest
	// OnReady is called once per notification matching a declared interest.
	OnReady(ctx context.Context, symbol string, interval timeutil.Interval, sd *sessiondata.SessionData)
}

// Interest names one stream a Strategy wants to be woken for.
type Interest struct {
	Symbol   string
	Interval timeutil.Interval
}

// notification is the tuple carried on the Processor->Analysis channel.
type notification struct {
	Symbol   string
	Interval timeutil.Interval
}

// Engine runs every registered strategy's OnReady callback when a stream it
// declared interest in becomes ready, without waking strategies that don't
// care about that stream (§4.9).
type Engine struct {
	sd   *sessiondata.SessionData
	subs *subscription.Registry
	log  zerolog.Logger

	in         chan notification
	strategies []Strategy
	interests  map[string][]Strategy // "symbol:interval" -> interested strategies
	overruns   uint64
}

// New builds an Analysis Engine reading SessionData and woken by
// notifications pushed through Notify.
func New(sd *sessiondata.SessionData, subs *subscription.Registry, log zerolog.Logger) *Engine {
	return &Engine{
		sd:        sd,
		subs:      subs,
		log:       log.With().Str("component", "analysis").Logger(),
		in:        make(chan notification, 4096),
		interests: make(map[string][]Strategy),
	}
}

// Register wires a Strategy in, indexing it under every (symbol, interval)
// it declared interest in so Notify can skip it for everything else.
func (e *Engine) Register(s Strategy) {
	e.strategies = append(e.strategies, s)
	for _, in := range s.Interests() {
		key := interestKey(in.Symbol, in.Interval)
		e.interests[key] = append(e.interests[key], s)
	}
}

// Notify hands off a (symbol, interval) readiness tuple from the Data
// Processor (§4.6's Processor->Analysis hand-off). A full channel counts
// as an overrun (§7 OverrunError) rather than passing backpressure back to
// the Processor invisibly.
func (e *Engine) Notify(symbol string, interval timeutil.Interval) {
	n := notification{Symbol: symbol, Interval: interval}
	select {
	case e.in <- n:
		return
	default:
	}
	e.overruns++
	e.in <- n
}

// OverrunCount reports the analysis sync point's overrun counter for
// metrics export (§6.4).
func (e *Engine) OverrunCount() uint64 { return e.overruns }

// Run is the engine's single-threaded body.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-e.in:
			if !ok {
				return nil
			}
			e.dispatch(ctx, n)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, n notification) {
	key := interestKey(n.Symbol, n.Interval)
	for _, s := range e.interests[key] {
		s.OnReady(ctx, n.Symbol, n.Interval, e.sd)
	}

	// Analysis Engine is the consumer of the Processor→Analysis
	// subscription: releasing it here (after every interested strategy has
	// run) is what lets the Processor's next wait_until_ready succeed
	// (§4.6 step 6).
	sub := e.subs.GetOrCreate(n.Symbol, "analysis:"+string(n.Interval))
	sub.SignalReady()
}

func interestKey(symbol string, interval timeutil.Interval) string {
	return symbol + ":" + string(interval)
}
