package report

import (
	"context"
	"errors"
	"testing"

	"strata/internal/market"
)

type fakeDerivSource struct {
	rate    float64
	rateErr error
	points  []market.OpenInterestPoint
	oiErr   error

	gotSymbol string
	gotPeriod string
	gotLimit  int
}

func (f *fakeDerivSource) GetFundingRate(_ context.Context, symbol string) (float64, error) {
	f.gotSymbol = symbol
	return f.rate, f.rateErr
}

func (f *fakeDerivSource) GetOpenInterestHistory(_ context.Context, symbol, period string, limit int) ([]market.OpenInterestPoint, error) {
	f.gotSymbol = symbol
	f.gotPeriod = period
	f.gotLimit = limit
	return f.points, f.oiErr
}

func oiSeries(values ...float64) []market.OpenInterestPoint {
	out := make([]market.OpenInterestPoint, 0, len(values))
	for i, v := range values {
		out = append(out, market.OpenInterestPoint{
			Symbol:          "BTCUSDT",
			SumOpenInterest: v,
			Timestamp:       int64(i+1) * 3_600_000,
		})
	}
	return out
}

func TestComputeDerivativesRising(t *testing.T) {
	src := &fakeDerivSource{rate: 0.0008, points: oiSeries(100, 104, 110)}
	got, err := ComputeDerivatives(context.Background(), src, " btcusdt ", "", 0)
	if err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if src.gotSymbol != "BTCUSDT" {
		t.Fatalf("symbol 应归一化为大写, 实际=%s", src.gotSymbol)
	}
	if src.gotPeriod != "1h" || src.gotLimit != 30 {
		t.Fatalf("默认参数不符: period=%s limit=%d", src.gotPeriod, src.gotLimit)
	}
	if got.FundingState != "crowded_long" {
		t.Fatalf("高费率应判定多头拥挤, 实际=%s", got.FundingState)
	}
	if got.OpenInterest != 110 {
		t.Fatalf("持仓量应取最后一点, 实际=%v", got.OpenInterest)
	}
	if got.OIChangePct != 10 || got.OITrend != "rising" {
		t.Fatalf("持仓量走向不符: pct=%v trend=%s", got.OIChangePct, got.OITrend)
	}
}

func TestComputeDerivativesFallingAndFlat(t *testing.T) {
	src := &fakeDerivSource{rate: -0.0007, points: oiSeries(200, 180)}
	got, err := ComputeDerivatives(context.Background(), src, "ethusdt", "4h", 10)
	if err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if got.FundingState != "crowded_short" || got.OITrend != "falling" {
		t.Fatalf("下行判定不符: %+v", got)
	}
	if got.OIChangePct != -10 {
		t.Fatalf("跌幅不符: %v", got.OIChangePct)
	}

	src = &fakeDerivSource{rate: 0.0001, points: oiSeries(100, 100.5)}
	got, err = ComputeDerivatives(context.Background(), src, "ethusdt", "1h", 10)
	if err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if got.FundingState != "balanced" || got.OITrend != "flat" {
		t.Fatalf("震荡判定不符: %+v", got)
	}
}

func TestComputeDerivativesErrors(t *testing.T) {
	if _, err := ComputeDerivatives(context.Background(), nil, "btcusdt", "1h", 10); err == nil {
		t.Fatalf("空数据源应报错")
	}
	if _, err := ComputeDerivatives(context.Background(), &fakeDerivSource{}, "  ", "1h", 10); err == nil {
		t.Fatalf("空 symbol 应报错")
	}
	src := &fakeDerivSource{rateErr: errors.New("接口限频")}
	if _, err := ComputeDerivatives(context.Background(), src, "btcusdt", "1h", 10); err == nil {
		t.Fatalf("费率失败应透传错误")
	}
	src = &fakeDerivSource{rate: 0.0001, oiErr: errors.New("接口限频")}
	if _, err := ComputeDerivatives(context.Background(), src, "btcusdt", "1h", 10); err == nil {
		t.Fatalf("持仓量失败应透传错误")
	}

	// 没有采样点时费率仍然可用
	got, err := ComputeDerivatives(context.Background(), &fakeDerivSource{rate: 0.0001}, "btcusdt", "1h", 10)
	if err != nil {
		t.Fatalf("无采样点不应报错: %v", err)
	}
	if got.OITrend != "unknown" || got.OpenInterest != 0 {
		t.Fatalf("无采样点应标记 unknown: %+v", got)
	}
}
