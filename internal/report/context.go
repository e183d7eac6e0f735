package report

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"strata/internal/market"
)

// Settings 控制背景指标的周期与高周期聚合倍数。
type Settings struct {
	ATRPeriod int
	RSIPeriod int
	EMAPeriod int
	HTFFactor int
}

func (s Settings) withDefaults() Settings {
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = 14
	}
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.EMAPeriod <= 0 {
		s.EMAPeriod = 20
	}
	if s.HTFFactor <= 0 {
		s.HTFFactor = 4
	}
	return s
}

func (s Settings) minBars() int {
	n := s.ATRPeriod
	if s.RSIPeriod > n {
		n = s.RSIPeriod
	}
	if s.EMAPeriod > n {
		n = s.EMAPeriod
	}
	return n + 1
}

// MarketContext 是报表附带的行情背景：波动、动能、均线位置，
// 以及可选的高周期偏向与主动成交流向。
type MarketContext struct {
	LastClose float64             `json:"last_close"`
	ATR       float64             `json:"atr"`
	RSI       float64             `json:"rsi"`
	RSIState  string              `json:"rsi_state"`
	EMA       float64             `json:"ema"`
	EMAState  string              `json:"ema_state"`
	HTFBias   string              `json:"htf_bias,omitempty"`
	Flow      *market.FlowMetrics `json:"flow,omitempty"`
}

// ComputeContext 在一段已收盘 K 线上计算背景指标。
func ComputeContext(candles []market.Candle, cfg Settings) (MarketContext, error) {
	cfg = cfg.withDefaults()
	if len(candles) < cfg.minBars() {
		return MarketContext{}, fmt.Errorf("report: 至少需要 %d 根K线, 实际 %d", cfg.minBars(), len(candles))
	}
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	out := MarketContext{LastClose: closes[len(closes)-1]}
	out.ATR = lastValid(sanitizeSeries(talib.Atr(highs, lows, closes, cfg.ATRPeriod)))
	out.RSI = lastValid(sanitizeSeries(talib.Rsi(closes, cfg.RSIPeriod)))
	out.EMA = lastValid(sanitizeSeries(talib.Ema(closes, cfg.EMAPeriod)))

	switch {
	case out.RSI >= 70:
		out.RSIState = "overbought"
	case out.RSI <= 30:
		out.RSIState = "oversold"
	default:
		out.RSIState = "neutral"
	}
	out.EMAState = relativeState(out.LastClose, out.EMA)

	// 高周期偏向：按 HTFFactor 聚合后看收盘相对 EMA 的位置，
	// 聚合后的根数不够算 EMA 时留空。
	if agg, err := market.Aggregate(candles, cfg.HTFFactor); err == nil && len(agg) > cfg.EMAPeriod {
		aggCloses := make([]float64, len(agg))
		for i, c := range agg {
			aggCloses[i] = c.Close
		}
		htfEMA := lastValid(sanitizeSeries(talib.Ema(aggCloses, cfg.EMAPeriod)))
		out.HTFBias = relativeState(agg[len(agg)-1].Close, htfEMA)
	}

	if hasTakerFlow(candles) {
		if fm, ok := market.ComputeFlow(candles); ok {
			out.Flow = &fm
		}
	}
	return out, nil
}

// hasTakerFlow 判断是否带有主动买卖量；CSV 等来源常缺这两列。
func hasTakerFlow(candles []market.Candle) bool {
	for _, c := range candles {
		if c.TakerBuyVolume != 0 || c.TakerSellVolume != 0 {
			return true
		}
	}
	return false
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, round4(v))
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
