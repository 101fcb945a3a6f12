// Package requirement implements the Requirement Analyzer (§4.4): a pure
// function from session config to a ProvisioningPlan, run once per session
// and again in lightweight mode whenever an ad-hoc symbol or indicator is
// added mid-session.
package requirement

import (
	"fmt"
	"sort"

	"github.com/quantrail/sessionengine/internal/timeutil"
)

// QuotesPolicy selects how a symbol's quotes are sourced.
type QuotesPolicy string

const (
	QuotesStreamLive        QuotesPolicy = "stream_live"
	QuotesGenerateFromBar   QuotesPolicy = "generate_from_bar"
	QuotesIgnore            QuotesPolicy = "ignore"
)

// IndicatorConfig describes one indicator a symbol wants computed.
type IndicatorConfig struct {
	Name       string
	Kind       string // "trailing_average" | "trailing_max" | "trailing_min" | real-time name
	Field      string
	Period     string // Nd, Nw, Nm, Ny for historical kinds
	Granularity string // "daily" | "minute"
}

// HistoricalLoad is one trailing-window historical bar request.
type HistoricalLoad struct {
	Interval     timeutil.Interval
	TrailingDays int
}

// SymbolRequest is the raw per-symbol input to the analyzer.
type SymbolRequest struct {
	Symbol            string
	Streams           []timeutil.Interval
	HistoricalConfigs []HistoricalLoad
	Indicators        []IndicatorConfig
	QuotesPolicy      QuotesPolicy
}

// SymbolPlan is the resolved per-symbol provisioning plan.
type SymbolPlan struct {
	Symbol           string
	RequiredIntervals map[timeutil.Interval]bool
	BaseInterval     timeutil.Interval
	DerivedIntervals map[timeutil.Interval]bool
	HistoricalLoads  []HistoricalLoad
	Indicators       []IndicatorConfig
	QuotesPolicy     QuotesPolicy
}

// ProvisioningPlan is the analyzer's output (§4.4).
type ProvisioningPlan struct {
	PerSymbol          map[string]*SymbolPlan
	SharedBaseInterval timeutil.Interval
}

// sortedIntervals returns the keys of m in ascending duration order, for
// deterministic plan output.
func sortedIntervals(m map[timeutil.Interval]bool) []timeutil.Interval {
	out := make([]timeutil.Interval, 0, len(m))
	for iv := range m {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Span() < out[j].Span() })
	return out
}

// resolveBaseInterval applies the lowest-unit-wins rule from §4.4: any
// sub-minute request forces 1s; otherwise any minute/hour/day request
// forces 1m (day bars are always derived by aggregation, never stored
// directly).
func resolveBaseInterval(required map[timeutil.Interval]bool) (timeutil.Interval, error) {
	if len(required) == 0 {
		return "", fmt.Errorf("requirement: no intervals requested")
	}
	for iv := range required {
		if iv.IsSubMinute() {
			return timeutil.Interval1s, nil
		}
	}
	return timeutil.Interval1m, nil
}

// impliedIntervals expands indicator definitions into the intervals they
// force onto the symbol's plan (§4.4 "Indicator definitions may add
// implicit intervals").
func impliedIntervals(indicators []IndicatorConfig) []timeutil.Interval {
	var out []timeutil.Interval
	for _, ind := range indicators {
		switch ind.Kind {
		case "trailing_average", "trailing_max", "trailing_min":
			if ind.Granularity == "minute" {
				out = append(out, timeutil.Interval1m)
			} else {
				out = append(out, timeutil.Interval1d)
			}
		}
	}
	return out
}

// Analyze runs the full per-session analysis: it resolves each symbol's
// own required/base/derived intervals, then picks one shared base interval
// across the whole session (the smallest required by any symbol), matching
// §4.4's "all symbols in one session share one base interval".
func Analyze(requests []SymbolRequest) (*ProvisioningPlan, error) {
	plan := &ProvisioningPlan{PerSymbol: make(map[string]*SymbolPlan, len(requests))}

	var sharedBase timeutil.Interval
	for _, req := range requests {
		sp, err := analyzeSymbol(req)
		if err != nil {
			return nil, fmt.Errorf("requirement: symbol %s: %w", req.Symbol, err)
		}
		plan.PerSymbol[req.Symbol] = sp

		if sharedBase == "" || sp.BaseInterval.Span() < sharedBase.Span() {
			sharedBase = sp.BaseInterval
		}
	}
	plan.SharedBaseInterval = sharedBase

	// Re-derive each symbol's derived-interval set against the shared base,
	// since a symbol whose own base_interval was coarser than the session's
	// shared base must now treat its own base interval as just another
	// derived interval fed from the shared one.
	for _, sp := range plan.PerSymbol {
		if sp.BaseInterval != sharedBase {
			sp.RequiredIntervals[sp.BaseInterval] = true
			sp.BaseInterval = sharedBase
			sp.RequiredIntervals[sharedBase] = true
		}
		derived := make(map[timeutil.Interval]bool, len(sp.RequiredIntervals))
		for iv := range sp.RequiredIntervals {
			if iv != sp.BaseInterval {
				derived[iv] = true
			}
		}
		sp.DerivedIntervals = derived
	}

	return plan, nil
}

func analyzeSymbol(req SymbolRequest) (*SymbolPlan, error) {
	required := make(map[timeutil.Interval]bool)
	for _, iv := range req.Streams {
		required[iv] = true
	}
	for _, iv := range impliedIntervals(req.Indicators) {
		required[iv] = true
	}
	if len(required) == 0 {
		required[timeutil.Interval1m] = true
	}

	base, err := resolveBaseInterval(required)
	if err != nil {
		return nil, err
	}
	required[base] = true

	derived := make(map[timeutil.Interval]bool, len(required))
	for iv := range required {
		if iv != base {
			derived[iv] = true
		}
	}

	policy := req.QuotesPolicy
	if policy == "" {
		policy = QuotesGenerateFromBar
	}

	return &SymbolPlan{
		Symbol:            req.Symbol,
		RequiredIntervals: required,
		BaseInterval:      base,
		DerivedIntervals:  derived,
		HistoricalLoads:   req.HistoricalConfigs,
		Indicators:        req.Indicators,
		QuotesPolicy:      policy,
	}, nil
}

// AnalyzeAdhoc runs the lightweight re-analysis mode for a single symbol
// added mid-session (§4.4, §5). It never changes the session's existing
// shared_base_interval — an ad-hoc symbol that needs a finer interval than
// the session currently streams cannot be accommodated and is rejected,
// since retrofitting a finer base onto an already-active session would
// require re-provisioning every other symbol.
func AnalyzeAdhoc(req SymbolRequest, sessionBase timeutil.Interval) (*SymbolPlan, error) {
	sp, err := analyzeSymbol(req)
	if err != nil {
		return nil, err
	}
	if sp.BaseInterval.Span() < sessionBase.Span() {
		return nil, fmt.Errorf("requirement: ad-hoc symbol %s needs base interval %s finer than active session base %s", req.Symbol, sp.BaseInterval, sessionBase)
	}

	sp.RequiredIntervals[sessionBase] = true
	if sp.BaseInterval != sessionBase {
		sp.DerivedIntervals[sp.BaseInterval] = true
	}
	sp.BaseInterval = sessionBase

	derived := make(map[timeutil.Interval]bool, len(sp.RequiredIntervals))
	for iv := range sp.RequiredIntervals {
		if iv != sp.BaseInterval {
			derived[iv] = true
		}
	}
	sp.DerivedIntervals = derived

	return sp, nil
}

// SortedDerivedIntervals returns sp's derived intervals in ascending
// duration order, for deterministic iteration (e.g. bucket evaluation
// order in the Data Processor).
func (sp *SymbolPlan) SortedDerivedIntervals() []timeutil.Interval {
	return sortedIntervals(sp.DerivedIntervals)
}
