package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeGetBarsFiltersToRange(t *testing.T) {
	f := NewFake()
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	f.SeedBars("AAPL", timeutil.Interval1m, []sessiondata.Bar{
		{Symbol: "AAPL", Timestamp: t0, Close: 100, Open: 100, High: 100, Low: 100},
		{Symbol: "AAPL", Timestamp: t0.Add(time.Minute), Close: 101, Open: 101, High: 101, Low: 101},
		{Symbol: "AAPL", Timestamp: t0.Add(2 * time.Minute), Close: 102, Open: 102, High: 102, Low: 102},
	})

	bars, err := f.GetBars(context.Background(), "AAPL", timeutil.Interval1m, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestFakeFailSymbolPropagates(t *testing.T) {
	f := NewFake()
	boom := errors.New("venue unreachable")
	f.FailSymbol("AAPL", boom)

	_, err := f.GetBars(context.Background(), "AAPL", timeutil.Interval1m, time.Now(), time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestResilientGetBarsPassesThrough(t *testing.T) {
	f := NewFake()
	t0 := time.Now()
	f.SeedBars("AAPL", timeutil.Interval1m, []sessiondata.Bar{{Symbol: "AAPL", Timestamp: t0, Close: 100, Open: 100, High: 100, Low: 100}})

	r := NewResilient(f, DefaultResilientConfig())
	bars, err := r.GetBars(context.Background(), "AAPL", timeutil.Interval1m, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestResilientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := NewFake()
	boom := errors.New("venue unreachable")
	f.FailSymbol("AAPL", boom)

	cfg := DefaultResilientConfig()
	cfg.FailureThreshold = 2
	r := NewResilient(f, cfg)

	for i := 0; i < 2; i++ {
		_, err := r.GetBars(context.Background(), "AAPL", timeutil.Interval1m, time.Now(), time.Now())
		assert.Error(t, err)
	}

	_, err := r.GetBars(context.Background(), "AAPL", timeutil.Interval1m, time.Now(), time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, boom, "third call should fail fast from the open breaker, not reach the adapter")
}

func TestFakeLiveStreamDeliversPushedBars(t *testing.T) {
	f := NewFake()
	stream, err := f.OpenLiveStream(context.Background(), []string{"AAPL"}, timeutil.Interval1m)
	require.NoError(t, err)

	go f.PushLive("AAPL", timeutil.Interval1m, sessiondata.Bar{Symbol: "AAPL", Close: 100})

	select {
	case b := <-stream.Bars():
		assert.Equal(t, "AAPL", b.Symbol)
	case <-time.After(time.Second):
		t.Fatal("expected a bar on the live stream")
	}

	require.NoError(t, stream.Close())
}
