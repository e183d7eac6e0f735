package market

import "github.com/shopspring/decimal"

// FlowMetrics 汇总一段 K 线（通常是一条腿的区间）的主动成交流向，
// 报表与回放界面挂在结构旁边，辅助判断行情是放量推动还是动能衰竭。
type FlowMetrics struct {
	Delta      decimal.Decimal `json:"delta"`
	Normalized decimal.Decimal `json:"normalized"`
	Agreement  string          `json:"agreement"`
	Exhaustion string          `json:"exhaustion"`
}

// ComputeFlow 从 taker 买卖量计算段内流向。
//   - Delta: 区间累计的 (taker_buy - taker_sell)。
//   - Normalized: 累计序列归一到 [0,1] 后的末值，全程走平取 0.5。
//   - Agreement: 价格方向与 Delta 同号为 confirming，反号为 diverging，
//     否则 neutral。
//   - Exhaustion: 段尾最后一步增量相比前一步骤减时报 fading，否则 none。
func ComputeFlow(candles []Candle) (FlowMetrics, bool) {
	if len(candles) == 0 {
		return FlowMetrics{}, false
	}
	series := make([]decimal.Decimal, 0, len(candles))
	running := decimal.Zero
	for _, c := range candles {
		buy := decimal.NewFromFloat(c.TakerBuyVolume)
		sell := decimal.NewFromFloat(c.TakerSellVolume)
		running = running.Add(buy.Sub(sell))
		series = append(series, running)
	}

	last := series[len(series)-1]
	minVal := series[0]
	maxVal := series[0]
	for _, v := range series[1:] {
		if v.LessThan(minVal) {
			minVal = v
		}
		if v.GreaterThan(maxVal) {
			maxVal = v
		}
	}
	norm := decimal.NewFromFloat(0.5)
	if maxVal.GreaterThan(minVal) {
		norm = last.Sub(minVal).Div(maxVal.Sub(minVal))
	}

	priceMove := decimal.NewFromFloat(candles[len(candles)-1].Close - candles[0].Open)
	agreement := "neutral"
	switch {
	case priceMove.IsPositive() && last.IsPositive(),
		priceMove.IsNegative() && last.IsNegative():
		agreement = "confirming"
	case priceMove.IsPositive() && last.IsNegative(),
		priceMove.IsNegative() && last.IsPositive():
		agreement = "diverging"
	}

	exhaustion := "none"
	if len(series) > 3 {
		a := series[len(series)-1].Sub(series[len(series)-2])
		b := series[len(series)-2].Sub(series[len(series)-3])
		if !b.IsZero() && a.Abs().LessThan(b.Abs().Div(decimal.NewFromInt(2))) {
			exhaustion = "fading"
		}
	}

	return FlowMetrics{
		Delta:      last,
		Normalized: norm,
		Agreement:  agreement,
		Exhaustion: exhaustion,
	}, true
}
