package report

import (
	"context"
	"fmt"
	"strings"

	"strata/internal/market"
)

// DerivativesContext 是合约侧的行情背景：资金费率与持仓量走向。
type DerivativesContext struct {
	FundingRate  float64 `json:"funding_rate"`
	FundingState string  `json:"funding_state"`
	OpenInterest float64 `json:"open_interest"`
	OIChangePct  float64 `json:"oi_change_pct"`
	OITrend      string  `json:"oi_trend"`
}

// ComputeDerivatives 拉取资金费率与持仓量历史并归纳走向。
// period 形如 1h；limit 是参与趋势计算的采样点数。
func ComputeDerivatives(ctx context.Context, src market.DerivativesSource, symbol, period string, limit int) (DerivativesContext, error) {
	if src == nil {
		return DerivativesContext{}, fmt.Errorf("report: 衍生品数据源不能为空")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return DerivativesContext{}, fmt.Errorf("report: symbol 不能为空")
	}
	if period == "" {
		period = "1h"
	}
	if limit <= 0 {
		limit = 30
	}

	out := DerivativesContext{}
	rate, err := src.GetFundingRate(ctx, symbol)
	if err != nil {
		return DerivativesContext{}, fmt.Errorf("report: 资金费率获取失败: %w", err)
	}
	out.FundingRate = rate
	switch {
	case rate >= 0.0005:
		out.FundingState = "crowded_long"
	case rate <= -0.0005:
		out.FundingState = "crowded_short"
	default:
		out.FundingState = "balanced"
	}

	points, err := src.GetOpenInterestHistory(ctx, symbol, period, limit)
	if err != nil {
		return DerivativesContext{}, fmt.Errorf("report: 持仓量获取失败: %w", err)
	}
	if len(points) == 0 {
		out.OITrend = "unknown"
		return out, nil
	}
	first, last := points[0], points[len(points)-1]
	out.OpenInterest = last.SumOpenInterest
	if first.SumOpenInterest > 0 {
		out.OIChangePct = round4((last.SumOpenInterest - first.SumOpenInterest) / first.SumOpenInterest * 100)
	}
	switch {
	case out.OIChangePct >= 2:
		out.OITrend = "rising"
	case out.OIChangePct <= -2:
		out.OITrend = "falling"
	default:
		out.OITrend = "flat"
	}
	return out, nil
}
