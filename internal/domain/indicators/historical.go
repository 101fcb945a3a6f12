package indicators

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Period is a historical-indicator lookback string: Nd, Nw, Nm, Ny (§4.5).
type Period string

// Days converts a period string into a trading-day count. Nw/Nm/Ny use the
// conventional trading-calendar approximations (5 trading days per week, 21
// per month, 252 per year); no calendar lookup happens here.
func (p Period) Days() (int, error) {
	s := string(p)
	if len(s) < 2 {
		return 0, fmt.Errorf("indicators: invalid period %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("indicators: invalid period %q: %w", s, err)
	}
	switch strings.ToLower(s[len(s)-1:]) {
	case "d":
		return n, nil
	case "w":
		return n * 5, nil
	case "m":
		return n * 21, nil
	case "y":
		return n * 252, nil
	default:
		return 0, fmt.Errorf("indicators: unknown period unit in %q", s)
	}
}

// TrailingAverage computes the mean of field over the trailing window,
// using gonum/stat's Mean for the reduction (§4.5 "trailing_average").
func TrailingAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// TrailingMax returns the maximum value in the trailing window.
func TrailingMax(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// TrailingMin returns the minimum value in the trailing window.
func TrailingMin(values []float64) float64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// DailyBucket groups minute-granularity values into one scalar per day in
// a trailing_average(..., granularity=daily) evaluation.
type DailyBucket struct {
	Date   time.Time
	Values []float64
}

// MinuteSlots buckets a day's worth of minute values into exactly M slots
// aligned to the floor of session open, per §4.5's "Minute-granularity
// buckets align to floor of open-time". Slots with no observation are left
// as zero, indistinguishable from an observed zero value.
func MinuteSlots(open time.Time, minutesInDay int, values []struct {
	Timestamp time.Time
	Value     float64
}) []float64 {
	out := make([]float64, minutesInDay)
	for _, v := range values {
		idx := int(v.Timestamp.Sub(open).Minutes())
		if idx >= 0 && idx < minutesInDay {
			out[idx] = v.Value
		}
	}
	return out
}
