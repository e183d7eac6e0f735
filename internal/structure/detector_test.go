package structure

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"strata/internal/market"
)

func flowParams() Params {
	p := DefaultParams()
	p.Lookback = 2
	p.MaxPairDistance = 20
	p.StrictChecks = true
	return p
}

func mustDetector(t *testing.T, p Params) *Detector {
	t.Helper()
	d, err := New(p)
	if err != nil {
		t.Fatalf("构造检测器失败: %v", err)
	}
	return d
}

func tb(idx int64, o, h, l, c float64) market.Candle {
	return market.Candle{
		OpenTime:  idx * 60_000,
		CloseTime: idx*60_000 + 59_999,
		Open:      o, High: h, Low: l, Close: c,
		Volume: 1,
	}
}

func feedOne(t *testing.T, d *Detector, b market.Candle) []Event {
	t.Helper()
	evs, err := d.ProcessBar(b)
	if err != nil {
		t.Fatalf("ProcessBar 失败: %v", err)
	}
	return evs
}

// flowBars 铺出一段完整的空头腿生命周期：
// 高点 110 确认后与低点 100 配对成腿，反弹成型，延伸到 99.5，
// 随后放量上破 origin 失效、回穿冻结 pivot，最终被吞没移除。
func flowBars() []market.Candle {
	return []market.Candle{
		tb(0, 100, 101, 99, 100),
		tb(1, 100, 103, 100, 102),
		tb(2, 102, 110, 102, 109),
		tb(3, 109, 109.5, 106, 107),
		tb(4, 107, 108, 104, 105),
		tb(5, 105, 106, 102, 103),
		tb(6, 103, 104, 100, 101),
		tb(7, 101, 102.5, 100.5, 102),
		tb(8, 102, 103.5, 101, 103),
		tb(9, 103, 104.5, 102.5, 104),
		tb(10, 104, 105, 99.5, 100),
		tb(11, 100, 112.5, 100, 112),
		tb(12, 112, 113, 110.5, 111),
		tb(13, 111, 111.5, 95, 96),
	}
}

func TestDetectorBearLegLifecycle(t *testing.T) {
	d := mustDetector(t, flowParams())
	bars := flowBars()

	// 前 8 根只是铺垫，不应产生任何事件。
	for i := 0; i < 8; i++ {
		if evs := feedOne(t, d, bars[i]); len(evs) != 0 {
			t.Fatalf("第 %d 根不应有事件, 实际=%+v", i, evs)
		}
	}

	// bar 8: 低点 100@6 确认，与高点 110@2 配对 → 空头腿落地。
	evs := feedOne(t, d, bars[8])
	if len(evs) != 1 || evs[0].Type != EventLegCreated {
		t.Fatalf("bar 8 应只有 LEG_CREATED, 实际=%+v", evs)
	}
	if evs[0].Direction != Bear || evs[0].OriginPrice != 110 || evs[0].PivotPrice != 100 {
		t.Fatalf("腿的方向/端点错误: %+v", evs[0])
	}
	leg, ok := d.Leg(evs[0].Leg)
	if !ok || leg.Status != StatusActive || leg.SeedRange != 10 {
		t.Fatalf("新腿状态异常: %+v", leg)
	}
	if leg.OriginIndex != 2 || leg.PivotIndex != 6 {
		t.Fatalf("端点序号错误: origin@%d pivot@%d", leg.OriginIndex, leg.PivotIndex)
	}
	legID := leg.ID

	// bar 9: 反弹到 104.5，自 pivot 回撤 45% ≥ 38.2% → 成型。
	evs = feedOne(t, d, bars[9])
	if len(evs) != 1 || evs[0].Type != EventSwingFormed || evs[0].Swing == nil {
		t.Fatalf("bar 9 应产生 SWING_FORMED, 实际=%+v", evs)
	}
	sw := evs[0].Swing
	if sw.Direction != Bear || sw.OriginPrice != 110 || sw.PivotPrice != 100 {
		t.Fatalf("swing 坐标错误: %+v", sw)
	}
	// 斐波那契层位在比例空间换算：1.0 即 pivot，2.0 为对称目标。
	wantLevels := map[float64]float64{0.382: 106.18, 1.0: 100, 2.0: 90}
	for _, lv := range sw.Levels {
		if want, ok := wantLevels[lv.Ratio]; ok && math.Abs(lv.Price-want) > 1e-9 {
			t.Fatalf("层位 %v 价格期望 %v, 实际=%v", lv.Ratio, want, lv.Price)
		}
	}
	if got, _ := d.Leg(legID); !got.Formed {
		t.Fatalf("成型后 formed 应为 true")
	}

	// bar 10: 新低 99.5 → pivot 延伸；origin 终身不变。
	evs = feedOne(t, d, bars[10])
	if len(evs) != 1 || evs[0].Type != EventLegExtended {
		t.Fatalf("bar 10 应只有 LEG_EXTENDED, 实际=%+v", evs)
	}
	leg, _ = d.Leg(legID)
	if leg.PivotPrice != 99.5 || leg.PivotIndex != 10 {
		t.Fatalf("pivot 应延伸到 99.5@10, 实际=%v@%d", leg.PivotPrice, leg.PivotIndex)
	}
	if leg.OriginPrice != 110 || leg.OriginIndex != 2 {
		t.Fatalf("origin 不可变被破坏: %v@%d", leg.OriginPrice, leg.OriginIndex)
	}

	// bar 11: 收在 112，越过大级别收盘容忍 → 失效，pivot 冻结。
	evs = feedOne(t, d, bars[11])
	if len(evs) != 1 || evs[0].Type != EventLegInvalidated {
		t.Fatalf("bar 11 应只有 LEG_INVALIDATED, 实际=%+v", evs)
	}
	leg, _ = d.Leg(legID)
	if leg.Status != StatusInvalidated {
		t.Fatalf("状态应为 invalidated, 实际=%v", leg.Status)
	}
	if leg.PivotPrice != 99.5 {
		t.Fatalf("失效后 pivot 应冻结在 99.5, 实际=%v", leg.PivotPrice)
	}
	if !leg.OriginBreached || math.Abs(leg.MaxOriginBreach-2.5) > 1e-9 {
		t.Fatalf("origin 突破深度应为 2.5, 实际=%v", leg.MaxOriginBreach)
	}
	if sws := d.Swings(); len(sws) != 1 || sws[0].Status != StatusInvalidated {
		t.Fatalf("swing 状态应镜像为 invalidated, 实际=%+v", sws)
	}

	// bar 12: 高点 113 刷新突破深度；origin 110 处不允许立刻再配对出克隆腿。
	if evs = feedOne(t, d, bars[12]); len(evs) != 0 {
		t.Fatalf("bar 12 不应有事件, 实际=%+v", evs)
	}
	leg, _ = d.Leg(legID)
	if math.Abs(leg.MaxOriginBreach-3) > 1e-9 {
		t.Fatalf("突破深度应刷新为 3, 实际=%v", leg.MaxOriginBreach)
	}
	if len(d.Legs()) != 1 {
		t.Fatalf("失效腿仍在册时不应长出克隆腿, 实际=%d 条", len(d.Legs()))
	}

	// bar 13: 跌破冻结 pivot 4.5 > 0.236×10.5 → 双向穿透，整体吞没。
	evs = feedOne(t, d, bars[13])
	if len(evs) != 1 || evs[0].Type != EventLegPruned || evs[0].Reason != PruneEngulfed {
		t.Fatalf("bar 13 应产生吞没移除, 实际=%+v", evs)
	}
	if got := len(d.Legs()); got != 0 {
		t.Fatalf("吞没后不应再有在册腿, 实际=%d", got)
	}
	if got := len(d.Swings()); got != 0 {
		t.Fatalf("锚定腿移除后 swing 应一并删除, 实际=%d", got)
	}
}

// mirrorBars 把序列沿 210 轴翻转，空头剧本变成完全对称的多头剧本。
func mirrorBars(src []market.Candle) []market.Candle {
	out := make([]market.Candle, len(src))
	for i, b := range src {
		out[i] = market.Candle{
			OpenTime:  b.OpenTime,
			CloseTime: b.CloseTime,
			Open:      210 - b.Open,
			High:      210 - b.Low,
			Low:       210 - b.High,
			Close:     210 - b.Close,
			Volume:    b.Volume,
		}
	}
	return out
}

func TestDetectorBullSymmetry(t *testing.T) {
	bear := mustDetector(t, flowParams())
	bull := mustDetector(t, flowParams())
	mirrored := mirrorBars(flowBars())

	var bearTypes, bullTypes []EventType
	for i, b := range flowBars() {
		for _, ev := range feedOne(t, bear, b) {
			bearTypes = append(bearTypes, ev.Type)
		}
		for _, ev := range feedOne(t, bull, mirrored[i]) {
			bullTypes = append(bullTypes, ev.Type)
		}
	}
	if !reflect.DeepEqual(bearTypes, bullTypes) {
		t.Fatalf("镜像序列的事件类型应一致: %v vs %v", bearTypes, bullTypes)
	}
}

func TestDetectorRejectsDisorderedBars(t *testing.T) {
	d := mustDetector(t, flowParams())
	feedOne(t, d, tb(0, 100, 101, 99, 100))
	feedOne(t, d, tb(1, 100, 102, 99, 101))

	if _, err := d.ProcessBar(tb(1, 101, 103, 100, 102)); !errors.Is(err, ErrDuplicateBar) {
		t.Fatalf("重复时间戳应返回 ErrDuplicateBar, 实际=%v", err)
	}
	if _, err := d.ProcessBar(tb(0, 101, 103, 100, 102)); !errors.Is(err, ErrBarOutOfOrder) {
		t.Fatalf("乱序时间戳应返回 ErrBarOutOfOrder, 实际=%v", err)
	}
	// 拒绝不得破坏状态：纠正后继续推进必须成功。
	feedOne(t, d, tb(2, 101, 103, 100, 102))
	if got := d.BarsProcessed(); got != 3 {
		t.Fatalf("拒绝的 K 线不应计数, 实际=%d", got)
	}
}

// genBars 生成确定性伪随机行情，测试不依赖任何随机源。
func genBars(n int, seed uint64) []market.Candle {
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
		out = append(out, tb(int64(i), o, h, l, c))
	}
	return out
}

func TestDetectorResumeIsObservationallyIdentical(t *testing.T) {
	params := flowParams()
	bars := genBars(600, 7)

	batch := mustDetector(t, params)
	var batchEvents []Event
	for _, b := range bars {
		batchEvents = append(batchEvents, feedOne(t, batch, b)...)
	}

	// 前半段跑完后快照，恢复出的实例续跑后半段。
	head := mustDetector(t, params)
	var resumedEvents []Event
	for _, b := range bars[:300] {
		resumedEvents = append(resumedEvents, feedOne(t, head, b)...)
	}
	tail, err := Restore(head.Snapshot())
	if err != nil {
		t.Fatalf("快照恢复失败: %v", err)
	}
	for _, b := range bars[300:] {
		resumedEvents = append(resumedEvents, feedOne(t, tail, b)...)
	}

	if len(batchEvents) == 0 {
		t.Fatalf("600 根伪随机行情不应一个事件都没有")
	}
	if !reflect.DeepEqual(batchEvents, resumedEvents) {
		t.Fatalf("断点续跑事件流应与整段一致: %d vs %d 条", len(batchEvents), len(resumedEvents))
	}
	if !reflect.DeepEqual(batch.Snapshot(), tail.Snapshot()) {
		t.Fatalf("断点续跑终态快照应与整段一致")
	}
}

func TestDetectorFormationExactThresholdOnce(t *testing.T) {
	// 阈值取 0.5，配合半数刻度的价格，比较全程二进制精确。
	p := flowParams()
	p.Bear.FormationThreshold = 0.5
	d := mustDetector(t, p)
	for _, b := range flowBars()[:9] {
		feedOne(t, d, b)
	}
	// 腿：origin 110, pivot 100。反弹到 105 恰好是 50% 回撤。
	evs := feedOne(t, d, tb(9, 103, 105, 102.5, 104))
	var formed int
	for _, ev := range evs {
		if ev.Type == EventSwingFormed {
			formed++
		}
	}
	if formed != 1 {
		t.Fatalf("恰好触及成型阈值应发布一次 SWING_FORMED, 实际=%d", formed)
	}
	// 再次触及同一水平不得重复发布。
	evs = feedOne(t, d, tb(10, 104, 105, 103.5, 104.5))
	for _, ev := range evs {
		if ev.Type == EventSwingFormed {
			t.Fatalf("成型不可重复发布: %+v", ev)
		}
	}
}
