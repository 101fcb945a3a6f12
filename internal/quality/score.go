// Package quality implements the Data Quality Manager (§4.7) and the
// completeness-based quality formula it shares with historical loading
// (§4.8).
package quality

import (
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
)

// barsPerMinute returns how many bars of interval fit in one minute,
// fractional for sub-minute intervals (1s -> 60).
func barsPerMinute(interval timeutil.Interval) float64 {
	minutes := interval.Span().Minutes()
	if minutes <= 0 {
		return 0
	}
	return 1 / minutes
}

// Score is the computed quality result for one (symbol, interval) window.
type Score struct {
	TradingMinutes    float64
	ExpectedBars      int
	ObservedBars      int
	Completeness      float64
	DuplicatesPenalty float64
	Percent           float64
}

// Compute implements the §4.8 formula exactly: expected_bars is floored,
// completeness is capped at 1, and quality is 100 when expected_bars == 0
// (before open, or a zero-length/holiday window).
func Compute(tm *timeutil.TimeManager, start, end, effectiveEnd time.Time, interval timeutil.Interval, observedBars int, hasDuplicates bool) (Score, error) {
	tradingMinutes, err := tm.TradingMinutesInRange(start, end, effectiveEnd)
	if err != nil {
		return Score{}, err
	}

	expected := int(tradingMinutes * barsPerMinute(interval))

	if expected <= 0 {
		return Score{TradingMinutes: tradingMinutes, ExpectedBars: 0, ObservedBars: observedBars, Completeness: 1, Percent: 100}, nil
	}

	completeness := float64(observedBars) / float64(expected)
	if completeness > 1 {
		completeness = 1
	}

	penalty := 0.0
	if hasDuplicates {
		penalty = 0.1
	}

	percent := 100 * (0.9*completeness + 0.1*(1-penalty))

	return Score{
		TradingMinutes:    tradingMinutes,
		ExpectedBars:      expected,
		ObservedBars:      observedBars,
		Completeness:      completeness,
		DuplicatesPenalty: penalty,
		Percent:           percent,
	}, nil
}
