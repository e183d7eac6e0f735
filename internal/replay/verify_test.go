package replay

import (
	"math"
	"testing"
	"time"

	"strata/internal/market"
	"strata/internal/structure"
)

const testBase = int64(1_700_000_000_000)

func rb(idx int64, o, h, l, c float64) market.Candle {
	return market.Candle{
		OpenTime:  testBase + idx*60_000,
		CloseTime: testBase + idx*60_000 + 59_999,
		Open:      o, High: h, Low: l, Close: c,
		Volume: 1,
	}
}

// genWalk 生成确定性伪随机行情，测试不依赖任何随机源。
func genWalk(n int, seed uint64) []market.Candle {
	next := func() float64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return float64(seed>>11) / float64(1<<53)
	}
	price := 1000.0
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		drift := (next() - 0.5) * 8
		o := price
		c := price + drift
		h := math.Max(o, c) + next()*3
		l := math.Min(o, c) - next()*3
		price = c
		out = append(out, rb(int64(i), o, h, l, c))
	}
	return out
}

func testDetectorParams() structure.Params {
	p := structure.DefaultParams()
	p.Lookback = 2
	p.MaxPairDistance = 20
	return p
}

func TestCheckCoverageComplete(t *testing.T) {
	bars := genWalk(30, 1)
	report := CheckCoverage(bars, time.Minute)
	if !report.Complete() {
		t.Fatalf("连续序列不应报缺口: %+v", report.Gaps)
	}
	if report.Expected != 30 || report.Present != 30 {
		t.Fatalf("期望 30/30, 实际=%d/%d", report.Present, report.Expected)
	}
}

func TestCheckCoverageFindsGaps(t *testing.T) {
	full := genWalk(10, 2)
	// 抠掉 idx 2-3 与 6-8 两段
	bars := []market.Candle{full[0], full[1], full[4], full[5], full[9]}
	report := CheckCoverage(bars, time.Minute)
	if report.Complete() {
		t.Fatalf("应检出缺口")
	}
	if report.Expected != 10 || report.Present != 5 {
		t.Fatalf("期望 5/10, 实际=%d/%d", report.Present, report.Expected)
	}
	if len(report.Gaps) != 2 {
		t.Fatalf("应有 2 段缺口, 实际=%d: %+v", len(report.Gaps), report.Gaps)
	}
	first, second := report.Gaps[0], report.Gaps[1]
	if first.From != testBase+2*60_000 || first.To != testBase+3*60_000 || first.Count != 2 {
		t.Fatalf("第一段缺口不符: %+v", first)
	}
	if second.From != testBase+6*60_000 || second.To != testBase+8*60_000 || second.Count != 3 {
		t.Fatalf("第二段缺口不符: %+v", second)
	}
}

func TestCheckCoverageEmptyInput(t *testing.T) {
	report := CheckCoverage(nil, time.Minute)
	if !report.Complete() || report.Expected != 0 {
		t.Fatalf("空输入应返回空报告: %+v", report)
	}
}

func TestVerifyDeterminismIdentical(t *testing.T) {
	bars := genWalk(400, 11)
	report, err := VerifyDeterminism(testDetectorParams(), bars, 150)
	if err != nil {
		t.Fatalf("验证失败: %v", err)
	}
	if !report.Identical() {
		t.Fatalf("全量与续跑应完全一致: full=%d resumed=%d snapshots=%v 分歧=%+v",
			report.EventsFull, report.EventsResumed, report.SnapshotsMatch, report.Divergences)
	}
	if report.EventsFull == 0 {
		t.Fatalf("400 根行情应产生结构事件")
	}
}

func TestVerifyDeterminismRejectsBadCheckpoint(t *testing.T) {
	bars := genWalk(10, 3)
	if _, err := VerifyDeterminism(testDetectorParams(), bars, 0); err == nil {
		t.Fatalf("checkpoint=0 应被拒绝")
	}
	if _, err := VerifyDeterminism(testDetectorParams(), bars, 10); err == nil {
		t.Fatalf("checkpoint=len 应被拒绝")
	}
}
