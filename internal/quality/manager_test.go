package quality

import (
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCalendar struct {
	open, close time.Time
	tz          string
}

func (c fixedCalendar) GetMarketHours(exchangeGroup, assetClass string) (timeutil.MarketHours, error) {
	return timeutil.MarketHours{
		ExchangeGroup: exchangeGroup,
		AssetClass:    assetClass,
		Timezone:      c.tz,
		RegularOpen:   c.open.Sub(c.open.Truncate(24 * time.Hour)),
		RegularClose:  c.close.Sub(c.close.Truncate(24 * time.Hour)),
	}, nil
}

func (c fixedCalendar) GetHoliday(date time.Time, exchangeGroup string) (timeutil.TradingHoliday, bool, error) {
	return timeutil.TradingHoliday{}, false, nil
}

func (c fixedCalendar) GetHolidaysInRange(from, to time.Time, exchangeGroup string) ([]timeutil.TradingHoliday, error) {
	return nil, nil
}

func newTestTimeManager(t *testing.T) *timeutil.TimeManager {
	t.Helper()
	cal := fixedCalendar{
		open:  time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC),
		close: time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC),
		tz:    "UTC",
	}
	tm, err := timeutil.New(timeutil.ModeBacktest, "US_EQUITY", "EQUITY", cal)
	require.NoError(t, err)
	tm.SetBacktestTime(time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC))
	return tm
}

func TestComputeQualityFullCompleteness(t *testing.T) {
	tm := newTestTimeManager(t)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	score, err := Compute(tm, day, day, time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC), timeutil.Interval1m, 390, false)
	require.NoError(t, err)
	assert.Equal(t, 390, score.ExpectedBars)
	assert.InDelta(t, 100.0, score.Percent, 0.01)
}

func TestComputeQualityMissingBarScenarioS2(t *testing.T) {
	tm := newTestTimeManager(t)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	score, err := Compute(tm, day, day, time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC), timeutil.Interval1m, 389, false)
	require.NoError(t, err)
	assert.Equal(t, 390, score.ExpectedBars)
	assert.InDelta(t, 99.77, score.Percent, 0.1)
}

func TestComputeQualityZeroExpectedIsFull(t *testing.T) {
	tm := newTestTimeManager(t)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	score, err := Compute(tm, day, day, day, timeutil.Interval1m, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, score.ExpectedBars)
	assert.Equal(t, 100.0, score.Percent)
}

func TestManagerOnBaseBarSetsQualityAndPropagates(t *testing.T) {
	tm := newTestTimeManager(t)
	sd := sessiondata.New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m, timeutil.Interval5m})

	mgr := New(sd, tm, nil, DefaultConfig(), timeutil.ModeBacktest, zerolog.Nop())
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	bar := sessiondata.Bar{Symbol: "AAPL", Timestamp: time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC), Open: 100, High: 100, Low: 100, Close: 100}

	require.NoError(t, mgr.OnBaseBar("AAPL", timeutil.Interval1m, bar, day))

	q, ok := sd.GetQuality("AAPL", timeutil.Interval1m)
	require.True(t, ok)
	assert.Greater(t, q, 0.0)

	q5, ok := sd.GetQuality("AAPL", timeutil.Interval5m)
	require.True(t, ok)
	assert.Equal(t, q, q5)
}

func TestManagerDisabledSessionQualityForcesFull(t *testing.T) {
	tm := newTestTimeManager(t)
	sd := sessiondata.New()
	sd.RegisterSymbolData("AAPL", timeutil.Interval1m, []timeutil.Interval{timeutil.Interval1m})

	cfg := DefaultConfig()
	cfg.EnableSessionQuality = false
	mgr := New(sd, tm, nil, cfg, timeutil.ModeBacktest, zerolog.Nop())

	bar := sessiondata.Bar{Symbol: "AAPL", Timestamp: time.Now(), Open: 100, High: 100, Low: 100, Close: 100}
	require.NoError(t, mgr.OnBaseBar("AAPL", timeutil.Interval1m, bar, time.Now()))

	q, ok := sd.GetQuality("AAPL", timeutil.Interval1m)
	require.True(t, ok)
	assert.Equal(t, 100.0, q)
}

func TestGapFromSlotsDetectsMissingBar(t *testing.T) {
	interval := timeutil.Interval1m
	open := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	seen := map[int]bool{0: true, 1: true, 3: true}

	gap := gapFromSlots(interval, open, seen, 3)
	assert.Equal(t, 1, gap.MissingCount)
	require.Len(t, gap.MissingRanges, 1)
	assert.Equal(t, open.Add(2*time.Minute), gap.MissingRanges[0].Start)
}
