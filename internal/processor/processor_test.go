package processor

import (
	"context"
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/requirement"
	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupProcessor(t *testing.T) (*Processor, *sessiondata.SessionData) {
	t.Helper()
	sd := sessiondata.New()
	subs := subscription.NewRegistry()
	p := New(sd, subs, zerolog.Nop())
	return p, sd
}

func seedMinuteBar(t *testing.T, sd *sessiondata.SessionData, symbol string, ts time.Time, close float64) {
	t.Helper()
	require.NoError(t, sd.AppendBar(symbol, timeutil.Interval1m, sessiondata.Bar{
		Symbol: symbol, Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 10,
	}))
}

func TestAggregateCompleteBucketProduces5mBar(t *testing.T) {
	p, sd := setupProcessor(t)
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	p.SetPlan("AAPL", &requirement.SymbolPlan{
		Symbol:           "AAPL",
		BaseInterval:     timeutil.Interval1m,
		DerivedIntervals: map[timeutil.Interval]bool{timeutil.Interval5m: true},
	})

	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		seedMinuteBar(t, sd, "AAPL", ts, float64(100+i))
		require.NoError(t, p.handle(context.Background(), Notification{Symbol: "AAPL", Interval: timeutil.Interval1m}))
	}

	count := sd.GetBarCount("AAPL", timeutil.Interval5m)
	assert.Equal(t, 1, count, "a complete 5-bar bucket must produce exactly one derived bar")

	bars := sd.GetLastNBars("AAPL", timeutil.Interval5m, 1)
	require.Len(t, bars, 1)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 104.0, bars[0].Close)
	assert.Equal(t, 104.0, bars[0].High)
	assert.Equal(t, 100.0, bars[0].Low)
	assert.Equal(t, 50.0, bars[0].Volume)
}

func TestIncompleteBucketProducesNoDerivedBar(t *testing.T) {
	p, sd := setupProcessor(t)
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	p.SetPlan("AAPL", &requirement.SymbolPlan{
		Symbol:           "AAPL",
		BaseInterval:     timeutil.Interval1m,
		DerivedIntervals: map[timeutil.Interval]bool{timeutil.Interval5m: true},
	})

	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	// Only 4 of 5 minutes in the bucket (missing minute 2).
	for _, i := range []int{0, 1, 3, 4} {
		ts := t0.Add(time.Duration(i) * time.Minute)
		seedMinuteBar(t, sd, "AAPL", ts, float64(100+i))
		require.NoError(t, p.handle(context.Background(), Notification{Symbol: "AAPL", Interval: timeutil.Interval1m}))
	}

	assert.Equal(t, 0, sd.GetBarCount("AAPL", timeutil.Interval5m), "incomplete bucket must not produce a derived bar")
}

func TestAggregateFunctionOHLCVReduction(t *testing.T) {
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	bars := []sessiondata.Bar{
		{Symbol: "AAPL", Timestamp: t0, Open: 100, High: 102, Low: 99, Close: 101, Volume: 10},
		{Symbol: "AAPL", Timestamp: t0.Add(time.Minute), Open: 101, High: 105, Low: 100, Close: 104, Volume: 20},
	}
	agg := aggregate("AAPL", t0, bars)
	assert.Equal(t, 100.0, agg.Open)
	assert.Equal(t, 104.0, agg.Close)
	assert.Equal(t, 105.0, agg.High)
	assert.Equal(t, 99.0, agg.Low)
	assert.Equal(t, 30.0, agg.Volume)
	require.NotNil(t, agg.VWAP)
	assert.InDelta(t, (101*10+104*20)/30.0, *agg.VWAP, 0.001)
}
