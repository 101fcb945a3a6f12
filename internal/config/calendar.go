package config

import (
	"fmt"
	"os"
	"time"

	"github.com/quantrail/sessionengine/internal/timeutil"
	"gopkg.in/yaml.v3"
)

// marketHoursRow mirrors one row of the market_hours table (§6.2). The
// table itself lives outside this module's scope; this is the file-backed
// reference implementation of timeutil.CalendarAdapter used by the CLI
// when no other collaborator is wired in.
type marketHoursRow struct {
	ExchangeGroup   string  `yaml:"exchange_group"`
	AssetClass      string  `yaml:"asset_class"`
	Exchanges       []string `yaml:"exchanges"`
	Timezone        string  `yaml:"timezone"`
	RegularOpen     string  `yaml:"regular_open"`  // "HH:MM" offset from local midnight
	RegularClose    string  `yaml:"regular_close"`
	PreMarketOpen   string  `yaml:"pre_market_open,omitempty"`
	PostMarketClose string  `yaml:"post_market_close,omitempty"`
}

// tradingHolidayRow mirrors one row of the trading_holidays table (§6.2).
type tradingHolidayRow struct {
	Date          string `yaml:"date"` // "2006-01-02"
	ExchangeGroup string `yaml:"exchange_group"`
	HolidayName   string `yaml:"holiday_name"`
	IsClosed      bool   `yaml:"is_closed"`
	EarlyClose    string `yaml:"early_close_time,omitempty"`
}

// CalendarFile is the on-disk shape of a file-backed calendar.
type CalendarFile struct {
	MarketHours     []marketHoursRow    `yaml:"market_hours"`
	TradingHolidays []tradingHolidayRow `yaml:"trading_holidays"`
}

// FileCalendar is a minimal timeutil.CalendarAdapter backed by a YAML file,
// for CLI/backtest use where no external calendar service is wired in.
// Production deployments satisfy CalendarAdapter from their own
// market_hours/trading_holidays tables instead.
type FileCalendar struct {
	hours    map[string]marketHoursRow // key: exchange_group|asset_class
	holidays map[string]tradingHolidayRow // key: date|exchange_group
}

// LoadCalendar reads and indexes a CalendarFile from path.
func LoadCalendar(path string) (*FileCalendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar file: %w", err)
	}
	var cf CalendarFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse calendar file YAML: %w", err)
	}

	fc := &FileCalendar{
		hours:    make(map[string]marketHoursRow, len(cf.MarketHours)),
		holidays: make(map[string]tradingHolidayRow, len(cf.TradingHolidays)),
	}
	for _, h := range cf.MarketHours {
		fc.hours[h.ExchangeGroup+"|"+h.AssetClass] = h
	}
	for _, h := range cf.TradingHolidays {
		fc.holidays[h.Date+"|"+h.ExchangeGroup] = h
	}
	return fc, nil
}

// GetMarketHours implements timeutil.CalendarAdapter.
func (fc *FileCalendar) GetMarketHours(exchangeGroup, assetClass string) (timeutil.MarketHours, error) {
	row, ok := fc.hours[exchangeGroup+"|"+assetClass]
	if !ok {
		return timeutil.MarketHours{}, fmt.Errorf("no market_hours row for (%s, %s)", exchangeGroup, assetClass)
	}

	open, err := parseClockOffset(row.RegularOpen)
	if err != nil {
		return timeutil.MarketHours{}, fmt.Errorf("market_hours(%s,%s).regular_open: %w", exchangeGroup, assetClass, err)
	}
	closeOff, err := parseClockOffset(row.RegularClose)
	if err != nil {
		return timeutil.MarketHours{}, fmt.Errorf("market_hours(%s,%s).regular_close: %w", exchangeGroup, assetClass, err)
	}

	mh := timeutil.MarketHours{
		ExchangeGroup: row.ExchangeGroup,
		AssetClass:    row.AssetClass,
		Exchanges:     row.Exchanges,
		Timezone:      row.Timezone,
		RegularOpen:   open,
		RegularClose:  closeOff,
	}
	if row.PreMarketOpen != "" {
		d, err := parseClockOffset(row.PreMarketOpen)
		if err != nil {
			return timeutil.MarketHours{}, err
		}
		mh.PreMarketOpen = &d
	}
	if row.PostMarketClose != "" {
		d, err := parseClockOffset(row.PostMarketClose)
		if err != nil {
			return timeutil.MarketHours{}, err
		}
		mh.PostMarketClose = &d
	}
	return mh, nil
}

// GetHoliday implements timeutil.CalendarAdapter.
func (fc *FileCalendar) GetHoliday(date time.Time, exchangeGroup string) (timeutil.TradingHoliday, bool, error) {
	key := date.Format("2006-01-02") + "|" + exchangeGroup
	row, ok := fc.holidays[key]
	if !ok {
		return timeutil.TradingHoliday{}, false, nil
	}

	th := timeutil.TradingHoliday{
		Date:          date,
		ExchangeGroup: row.ExchangeGroup,
		HolidayName:   row.HolidayName,
		IsClosed:      row.IsClosed,
	}
	if row.EarlyClose != "" {
		d, err := parseClockOffset(row.EarlyClose)
		if err != nil {
			return timeutil.TradingHoliday{}, false, err
		}
		th.EarlyClose = &d
	}
	return th, true, nil
}

// GetHolidaysInRange implements timeutil.CalendarAdapter.
func (fc *FileCalendar) GetHolidaysInRange(from, to time.Time, exchangeGroup string) ([]timeutil.TradingHoliday, error) {
	var out []timeutil.TradingHoliday
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		h, found, err := fc.GetHoliday(d, exchangeGroup)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, h)
		}
	}
	return out, nil
}

// parseClockOffset parses an "HH:MM" string into an offset from local
// midnight.
func parseClockOffset(s string) (time.Duration, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid HH:MM offset %q: %w", s, err)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
