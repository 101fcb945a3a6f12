package processor

import (
	"time"

	"github.com/quantrail/sessionengine/internal/sessiondata"
)

// aggregate reduces a complete bucket of base bars (ordered by timestamp,
// per §4.6's "order-stable" requirement) into one derived bar: open=first,
// high=max, low=min, close=last, volume=sum, trade_count=sum,
// vwap=sum(close*vol)/sum(vol).
func aggregate(symbol string, bucketStart time.Time, bars []sessiondata.Bar) sessiondata.Bar {
	first := bars[0]
	last := bars[len(bars)-1]

	out := sessiondata.Bar{
		Symbol:    symbol,
		Timestamp: bucketStart,
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		Close:     last.Close,
	}

	var volSum float64
	var tradeSum int64
	var haveTradeCount bool
	var vwapNumerator float64

	for _, b := range bars {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		volSum += b.Volume
		vwapNumerator += b.Close * b.Volume
		if b.TradeCount != nil {
			haveTradeCount = true
			tradeSum += *b.TradeCount
		}
	}
	out.Volume = volSum
	if haveTradeCount {
		out.TradeCount = &tradeSum
	}
	if volSum > 0 {
		vwap := vwapNumerator / volSum
		out.VWAP = &vwap
	}

	return out
}
