package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/quantrail/sessionengine/internal/domain/indicators"
	"github.com/quantrail/sessionengine/internal/quality"
	"github.com/quantrail/sessionengine/internal/requirement"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/sessionerr"
)

// loadHistorical loads every historical series symbol's plan requests and
// evaluates any trailing indicators against them (§4.5 "Historical data
// loading", §4.5 "Historical indicators"). The trailing window ends at the
// trading day before day. Each loaded day must reach 100% completeness for
// the requested interval before it is accepted — incomplete days are
// dropped with a CompletenessError logged, never silently included.
func (c *Coordinator) loadHistorical(ctx context.Context, symbol string, sp *requirement.SymbolPlan, day time.Time) error {
	if c.adapter == nil || len(sp.HistoricalLoads) == 0 {
		return nil
	}

	prevDay, err := c.tm.GetPreviousTradingDate(day)
	if err != nil {
		return err
	}

	for _, load := range sp.HistoricalLoads {
		days, err := c.tm.TrailingTradingDays(prevDay, load.TrailingDays)
		if err != nil {
			return err
		}
		if len(days) == 0 {
			continue
		}
		start := days[0]
		session, err := c.tm.GetTradingSession(start)
		if err != nil {
			return err
		}
		endSession, err := c.tm.GetTradingSession(day)
		if err != nil {
			return err
		}

		bars, err := c.adapter.GetBars(ctx, symbol, load.Interval, session.RegularOpen, endSession.RegularOpen)
		if err != nil {
			return &sessionerr.AdapterError{Op: "historical_load", Symbol: symbol, Recoverable: true, Cause: err}
		}

		byDay := bucketByDay(bars)
		for _, d := range days {
			daySession, err := c.tm.GetTradingSession(d)
			if err != nil {
				return err
			}

			dayBars := byDay[dayKey(d)]
			score, err := quality.Compute(c.tm, daySession.RegularOpen, daySession.RegularClose, daySession.RegularClose, load.Interval, len(dayBars), false)
			if err != nil {
				return err
			}
			if score.Percent < 100 {
				cerr := &sessionerr.CompletenessError{
					Symbol:   symbol,
					Interval: string(load.Interval),
					Bucket:   dayKey(d),
					Expected: score.ExpectedBars,
					Observed: score.ObservedBars,
				}
				c.log.Warn().Err(cerr).Msg("historical day incomplete, dropped")
				continue
			}

			if err := c.sd.SetHistoricalBars(symbol, load.Interval, dayKey(d), dayBars); err != nil {
				return err
			}
		}
	}

	c.evaluateHistoricalIndicators(symbol, sp)
	return nil
}

func bucketByDay(bars []sessiondata.Bar) map[string][]sessiondata.Bar {
	out := make(map[string][]sessiondata.Bar)
	for _, b := range bars {
		k := dayKey(b.Timestamp)
		out[k] = append(out[k], b)
	}
	return out
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// evaluateHistoricalIndicators reduces each configured indicator's trailing
// window into a scalar and writes it into SessionData. The window is the
// last close of each accepted day in the symbol's base-interval history
// (days that failed the completeness check in loadHistorical are absent).
// The result is always a single scalar: the indicator's Field and
// Granularity are not applied, and no per-minute series is produced.
func (c *Coordinator) evaluateHistoricalIndicators(symbol string, sp *requirement.SymbolPlan) {
	for _, ind := range sp.Indicators {
		switch ind.Kind {
		case "trailing_average", "trailing_max", "trailing_min":
		default:
			continue
		}
		if ind.Period == "" {
			continue
		}

		period := indicators.Period(ind.Period)
		nDays, err := period.Days()
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Str("indicator", ind.Name).Msg("bad historical indicator period")
			continue
		}

		hist := c.sd.GetHistoricalBars(symbol, sp.BaseInterval)
		values := dailyCloses(hist, nDays)
		if len(values) == 0 {
			continue
		}

		var result float64
		switch ind.Kind {
		case "trailing_average":
			result = indicators.TrailingAverage(values)
		case "trailing_max":
			result = indicators.TrailingMax(values)
		case "trailing_min":
			result = indicators.TrailingMin(values)
		}
		_ = c.sd.SetHistoricalIndicator(symbol, ind.Name, result)
	}
}

// dailyCloses collapses each trading day's bars into its closing value and
// returns at most the trailing n days, most recent last.
func dailyCloses(byDay map[string][]sessiondata.Bar, n int) []float64 {
	keys := make([]string, 0, len(byDay))
	for k := range byDay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > n {
		keys = keys[len(keys)-n:]
	}

	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		bars := byDay[k]
		if len(bars) == 0 {
			continue
		}
		out = append(out, bars[len(bars)-1].Close)
	}
	return out
}
