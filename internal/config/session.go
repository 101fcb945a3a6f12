// Package config loads the session configuration file (§6.3): exchange
// group, asset class, mode, backtest window, and per-symbol session data
// requirements.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BacktestConfig controls a backtest-mode run's window and pacing.
type BacktestConfig struct {
	StartDate       string  `yaml:"start_date"`
	EndDate         string  `yaml:"end_date"`
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
	PrefetchDays    int     `yaml:"prefetch_days"`
}

// GapFillerConfig controls the Data Quality Manager's retry behavior.
type GapFillerConfig struct {
	MaxRetries            int  `yaml:"max_retries"`
	RetryIntervalSeconds  int  `yaml:"retry_interval_seconds"`
	EnableSessionQuality  bool `yaml:"enable_session_quality"`
}

// HistoricalIndicatorSpec is one historical indicator request (§4.5).
type HistoricalIndicatorSpec struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"` // trailing_average | trailing_max | trailing_min
	Field       string `yaml:"field"`
	Period      string `yaml:"period"`      // Nd, Nw, Nm, Ny
	Granularity string `yaml:"granularity"` // daily | minute
}

// HistoricalDataSpec is one trailing-window historical bar request.
type HistoricalDataSpec struct {
	Interval     string `yaml:"interval"`
	TrailingDays int    `yaml:"trailing_days"`
}

// RealTimeIndicatorSpec is one real-time (per-bar) indicator request.
type RealTimeIndicatorSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // rsi | atr | adx | hurst
}

// HistoricalConfig groups every historical-load concern for a symbol.
type HistoricalConfig struct {
	EnableQuality bool                      `yaml:"enable_quality"`
	Data          []HistoricalDataSpec      `yaml:"data"`
	Indicators    []HistoricalIndicatorSpec `yaml:"indicators"`
}

// SymbolConfig is one entry under session_data_config.symbols.
type SymbolConfig struct {
	Symbol       string                  `yaml:"symbol"`
	Streams      []string                `yaml:"streams"`
	Historical   HistoricalConfig        `yaml:"historical"`
	Indicators   []RealTimeIndicatorSpec `yaml:"indicators"`
	QuotesPolicy string                  `yaml:"quotes_policy"`
}

// SessionDataConfig groups the per-symbol universe and gap-filling policy.
type SessionDataConfig struct {
	Symbols    []SymbolConfig  `yaml:"symbols"`
	GapFiller  GapFillerConfig `yaml:"gap_filler"`
}

// SessionConfig is the top-level session configuration document (§6.3).
type SessionConfig struct {
	SessionName       string             `yaml:"session_name"`
	ExchangeGroup     string             `yaml:"exchange_group"`
	AssetClass        string             `yaml:"asset_class"`
	Mode              string             `yaml:"mode"` // backtest | live
	BacktestConfig    BacktestConfig     `yaml:"backtest_config"`
	SessionDataConfig SessionDataConfig  `yaml:"session_data_config"`
}

// Load reads and parses a session configuration file from path.
func Load(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session config: %w", err)
	}

	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse session config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg back out to path, for tooling that generates or edits
// session configs programmatically.
func Save(cfg *SessionConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session config: %w", err)
	}
	return nil
}

// Validate checks the structural requirements §6.3 imposes before a
// session can start: a mode, an exchange group/asset class pair, and at
// least one symbol.
func (c *SessionConfig) Validate() error {
	if c.Mode != "backtest" && c.Mode != "live" {
		return fmt.Errorf("session config: mode must be \"backtest\" or \"live\", got %q", c.Mode)
	}
	if c.ExchangeGroup == "" {
		return fmt.Errorf("session config: exchange_group is required")
	}
	if c.AssetClass == "" {
		return fmt.Errorf("session config: asset_class is required")
	}
	if len(c.SessionDataConfig.Symbols) == 0 {
		return fmt.Errorf("session config: session_data_config.symbols must not be empty")
	}
	if c.Mode == "backtest" {
		if c.BacktestConfig.StartDate == "" || c.BacktestConfig.EndDate == "" {
			return fmt.Errorf("session config: backtest_config.start_date/end_date are required in backtest mode")
		}
	}
	return nil
}
