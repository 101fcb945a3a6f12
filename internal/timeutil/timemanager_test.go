package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nyCalendar is a fixed 9:30-16:00 America/New_York calendar with no
// holidays, used to exercise buildTradingSession against a timezone west of
// UTC, where a naive day.In(tz) reinterpretation shifts the effective date.
type nyCalendar struct{}

func (nyCalendar) GetMarketHours(exchangeGroup, assetClass string) (MarketHours, error) {
	return MarketHours{
		ExchangeGroup: exchangeGroup,
		AssetClass:    assetClass,
		Timezone:      "America/New_York",
		RegularOpen:   9*time.Hour + 30*time.Minute,
		RegularClose:  16 * time.Hour,
	}, nil
}

func (nyCalendar) GetHoliday(date time.Time, exchangeGroup string) (TradingHoliday, bool, error) {
	return TradingHoliday{}, false, nil
}

func (nyCalendar) GetHolidaysInRange(from, to time.Time, exchangeGroup string) ([]TradingHoliday, error) {
	return nil, nil
}

func newNYTimeManager(t *testing.T) *TimeManager {
	t.Helper()
	tm, err := New(ModeBacktest, "US_EQUITY", "EQUITY", nyCalendar{})
	require.NoError(t, err)
	return tm
}

// TestMondayIsATradingDayInWesternTimezone guards against computing weekday
// from day.In(tz) instead of day directly: 2025-07-07 00:00:00 UTC is a
// Monday, but reinterpreted in America/New_York it falls back to Sunday
// 2025-07-06 20:00:00, which would wrongly exclude it as a weekend.
func TestMondayIsATradingDayInWesternTimezone(t *testing.T) {
	tm := newNYTimeManager(t)

	monday := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	session, err := tm.GetTradingSession(monday)
	require.NoError(t, err)
	assert.True(t, session.IsTradingDay, "2025-07-07 (Monday) must be a trading day")
}

// TestSaturdayIsNotATradingDayInWesternTimezone is the mirror case: a
// Saturday must not be shifted back into Friday and wrongly counted as a
// trading day.
func TestSaturdayIsNotATradingDayInWesternTimezone(t *testing.T) {
	tm := newNYTimeManager(t)

	saturday := time.Date(2025, 7, 12, 0, 0, 0, 0, time.UTC)
	session, err := tm.GetTradingSession(saturday)
	require.NoError(t, err)
	assert.False(t, session.IsTradingDay, "2025-07-12 (Saturday) must not be a trading day")
}

func TestCountTradingDaysAcrossAWeekInWesternTimezone(t *testing.T) {
	tm := newNYTimeManager(t)

	// 2025-07-07 (Mon) through 2025-07-13 (Sun): 5 trading days.
	from := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 7, 13, 0, 0, 0, 0, time.UTC)
	count, err := tm.CountTradingDays(from, to)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestGetFirstTradingDateSkipsWeekendInWesternTimezone(t *testing.T) {
	tm := newNYTimeManager(t)

	saturday := time.Date(2025, 7, 12, 0, 0, 0, 0, time.UTC)
	first, err := tm.GetFirstTradingDate(saturday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC), first, "first trading date on/after a Saturday must be the following Monday")
}
