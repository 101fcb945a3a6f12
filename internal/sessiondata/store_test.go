package sessiondata

import (
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(sym string, ts time.Time, close float64) Bar {
	return Bar{Symbol: sym, Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 100}
}

func TestRegisterSymbolDataIdempotent(t *testing.T) {
	sd := New()
	base := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)

	s1 := sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", base, 100)))

	s2 := sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	assert.Same(t, s1, s2)
	assert.Len(t, s2.Bars[timeutil.Interval1m].Data, 1, "re-registering the same plan must not discard existing bars")
}

func TestRegisterSymbolDataDropsUnwantedIntervals(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})

	s, _ := sd.symbols["AAPL"], true
	_, has5m := s.Bars[timeutil.Interval5m]
	assert.False(t, has5m, "intervals no longer in the plan must be dropped")
}

func TestAppendBarRequiresMonotoneTimestamps(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)

	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 100)))
	err := sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 101))
	assert.Error(t, err, "equal timestamp must be rejected as non-monotone")

	err = sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0.Add(-time.Minute), 99))
	assert.Error(t, err, "earlier timestamp must be rejected")
}

func TestLatestBarCacheCoherence(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)

	_, ok := sd.GetLatestBar("AAPL")
	assert.False(t, ok)

	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 100)))
	latest, ok := sd.GetLatestBar("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100.0, latest.Close)

	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0.Add(time.Minute), 101)))
	latest, ok = sd.GetLatestBar("AAPL")
	require.True(t, ok)
	assert.Equal(t, 101.0, latest.Close, "cache must always reflect the most recently appended base bar")
}

func TestDerivedBarRequiresProvisioning(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)

	err := sd.AddDerivedBar("AAPL", timeutil.Interval5m, bar("AAPL", t0, 100))
	assert.Error(t, err, "writing a derived bar for an unprovisioned interval must fail")
}

func TestSymbolIsolation(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	sd.RegisterSymbolData("MSFT", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)

	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 100)))
	sd.RemoveSymbol("AAPL")

	_, ok := sd.GetLatestBar("AAPL")
	assert.False(t, ok, "removing a symbol must remove all of its state")

	count := sd.GetBarCount("MSFT", timeutil.Interval1m)
	assert.Equal(t, 0, count, "removing one symbol must not affect another")
}

func TestQualityBounds(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	require.NoError(t, sd.SetQuality("AAPL", timeutil.Interval1m, 87.5))

	q, ok := sd.GetQuality("AAPL", timeutil.Interval1m)
	require.True(t, ok)
	assert.GreaterOrEqual(t, q, 0.0)
	assert.LessOrEqual(t, q, 100.0)
}

func TestPropagateQualityToDerived(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})
	require.NoError(t, sd.SetQuality("AAPL", timeutil.Interval1m, 91.0))
	require.NoError(t, sd.PropagateQualityToDerived("AAPL"))

	q, ok := sd.GetQuality("AAPL", timeutil.Interval5m)
	require.True(t, ok)
	assert.Equal(t, 91.0, q)
}

func TestGetBarsSinceExclusive(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0.Add(time.Duration(i)*time.Minute), float64(100+i))))
	}

	since := sd.GetBarsSince("AAPL", timeutil.Interval1m, t0.Add(2*time.Minute))
	require.Len(t, since, 2)
	assert.Equal(t, 103.0, since[0].Close)
	assert.Equal(t, 104.0, since[1].Close)
}

func TestGetLastNBarsClampsToAvailable(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 100)))

	last := sd.GetLastNBars("AAPL", timeutil.Interval1m, 10)
	assert.Len(t, last, 1)
}

func TestArrivalEventSignalAndClear(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})

	ch := sd.ArrivalChan()
	select {
	case <-ch:
		t.Fatal("arrival event must not be signaled before any write")
	default:
	}

	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", time.Now(), 100)))
	select {
	case <-ch:
	default:
		t.Fatal("arrival event must be signaled after a write")
	}

	sd.ClearArrival()
	ch2 := sd.ArrivalChan()
	select {
	case <-ch2:
		t.Fatal("arrival event must be unsignaled again after Clear")
	default:
	}
}

func TestClearSessionBarsPreservesSymbolsAndHistorical(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	require.NoError(t, sd.SetHistoricalBars("AAPL", timeutil.Interval1d, "2026-07-29", []Bar{bar("AAPL", time.Now(), 99)}))
	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", time.Now(), 100)))

	sd.ClearSessionBars()

	assert.Equal(t, 0, sd.GetBarCount("AAPL", timeutil.Interval1m))
	hist := sd.GetHistoricalBars("AAPL", timeutil.Interval1d)
	assert.Len(t, hist["2026-07-29"], 1, "clearing session bars must not touch historical state")
}

func TestGetLatestBarsMultiSingleLock(t *testing.T) {
	sd := New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	sd.RegisterSymbolData("MSFT", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})
	t0 := time.Now()
	require.NoError(t, sd.AppendBar("AAPL", timeutil.Interval1m, bar("AAPL", t0, 100)))
	require.NoError(t, sd.AppendBar("MSFT", timeutil.Interval1m, bar("MSFT", t0, 200)))

	out := sd.GetLatestBarsMulti([]string{"AAPL", "MSFT", "GOOG"})
	assert.Len(t, out, 2)
	assert.Equal(t, 100.0, out["AAPL"].Close)
	assert.Equal(t, 200.0, out["MSFT"].Close)
}
