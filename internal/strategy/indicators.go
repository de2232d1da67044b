package strategy

import (
	"math"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// Indicator helpers over bar series. All return 0 when the series is too
// short; callers gate on series length before trusting the value.

func closes(series []models.Candle) []float64 {
	out := make([]float64, len(series))
	for i, c := range series {
		out[i] = c.Close
	}
	return out
}

// sma is the simple moving average of the last period values.
func sma(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// ema is the exponential moving average seeded with an SMA of the first
// period values.
func ema(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	k := 2.0 / (float64(period) + 1)
	avg := sma(values[:period], period)
	for _, v := range values[period:] {
		avg = v*k + avg*(1-k)
	}
	return avg
}

// rsi is Wilder's relative strength index over the last period+1 closes.
func rsi(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	window := values[len(values)-period-1:]
	var gain, loss float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100 - 100/(1+rs)
}

// stddev is the population standard deviation of the last period values.
func stddev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	window := values[len(values)-period:]
	mean := sma(window, period)
	var sumSq float64
	for _, v := range window {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(period))
}

// atr is Wilder's average true range over the last period bars.
func atr(series []models.Candle, period int) float64 {
	if period <= 0 || len(series) < period+1 {
		return 0
	}
	window := series[len(series)-period-1:]
	var sum float64
	for i := 1; i < len(window); i++ {
		tr := window[i].High - window[i].Low
		if d := math.Abs(window[i].High - window[i-1].Close); d > tr {
			tr = d
		}
		if d := math.Abs(window[i].Low - window[i-1].Close); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

// EMA exposes the exponential moving average of closes for trend filtering
// outside the package.
func EMA(series []models.Candle, period int) float64 {
	return ema(closes(series), period)
}

// ATR exposes the average true range for stop and trail sizing outside the
// package.
func ATR(series []models.Candle, period int) float64 {
	return atr(series, period)
}

// roc is the rate of change in percent over the last period bars.
func roc(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	prev := values[len(values)-period-1]
	if prev == 0 {
		return 0
	}
	return (values[len(values)-1] - prev) / prev * 100
}
