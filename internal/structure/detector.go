package structure

import (
	"errors"
	"fmt"

	"strata/internal/market"
)

var (
	// ErrDuplicateBar 表示时间戳与上一根重复。
	ErrDuplicateBar = errors.New("structure: duplicate bar timestamp")
	// ErrBarOutOfOrder 表示时间戳早于上一根。
	ErrBarOutOfOrder = errors.New("structure: bar out of order")
)

// swingPoint 是一个已确认的摆动点。Dir 表示以它为 origin 的腿的方向：
// 确认的低点孕育多头腿，确认的高点孕育空头腿。
type swingPoint struct {
	Index int64     `json:"index"`
	Price float64   `json:"price"`
	Dir   Direction `json:"dir"`
}

// Detector 逐根消费 K 线并维护腿的森林。
// 同一个 ProcessBar 既服务批量标定（循环调用）也服务逐根回放，
// 不存在第二条“向量化”实现，两种跑法因此字节一致。
type Detector struct {
	params Params
	arena  *arena
	pruner *pruner

	// swings 以锚定腿 id 为键；腿被整体移除时同步删除。
	swings map[LegID]*Swing

	barIndex     int64
	lastOpenTime int64

	// bars 是尾部 K 线缓冲，覆盖确认窗口与配对保护检查所需的回看范围。
	bars      []market.Candle
	baseIndex int64
	// points 是已确认摆动点的滑动历史。
	points []swingPoint

	// 规模分位估计与全局冲量矩，多空各一份（标定统计，随快照冻结恢复）。
	bullRanges  *P2Quantile
	bearRanges  *P2Quantile
	bullImpulse RunningMoments
	bearImpulse RunningMoments
}

// New 构造检测器；配置在此一次性校验，之后不再变更。
func New(params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("检测参数非法: %w", err)
	}
	d := &Detector{
		params:     params,
		arena:      newArena(),
		swings:     make(map[LegID]*Swing),
		bullRanges: NewP2Quantile(params.Bull.BigSwingPercentile),
		bearRanges: NewP2Quantile(params.Bear.BigSwingPercentile),
	}
	d.pruner = newPruner(d)
	return d, nil
}

// Params 返回检测器配置的拷贝。
func (d *Detector) Params() Params { return d.params }

// BarsProcessed 返回已处理的 K 线根数。
func (d *Detector) BarsProcessed() int64 { return d.barIndex }

// maxLookbehind 返回 bars 缓冲需要覆盖的根数：
// 配对回溯距离 + 两倍确认窗口加当前一根。
func (d *Detector) maxLookbehind() int {
	return d.params.MaxPairDistance + 2*d.params.Lookback + 1
}

// ProcessBar 处理一根已收盘 K 线，返回本根产生的结构事件。
// 严格时序是硬前置条件：重复或乱序一律拒绝，绝不悄悄纠正。
func (d *Detector) ProcessBar(bar market.Candle) ([]Event, error) {
	if d.barIndex > 0 {
		if bar.OpenTime == d.lastOpenTime {
			return nil, fmt.Errorf("%w: open_time=%d", ErrDuplicateBar, bar.OpenTime)
		}
		if bar.OpenTime < d.lastOpenTime {
			return nil, fmt.Errorf("%w: open_time=%d < last=%d", ErrBarOutOfOrder, bar.OpenTime, d.lastOpenTime)
		}
	}
	idx := d.barIndex
	d.barIndex++
	d.lastOpenTime = bar.OpenTime

	d.bars = append(d.bars, bar)
	if overflow := len(d.bars) - d.maxLookbehind(); overflow > 0 {
		d.bars = d.bars[overflow:]
		d.baseIndex += int64(overflow)
	}

	var events []Event

	// 1. 延伸：active 且 origin 未破的腿跟随有利极值推进 pivot。
	d.extend(bar, idx, &events)

	// 2. 摆动点确认与配对：滞后 lookback 根确认，绝不读未来的 K 线。
	d.confirmAndPair(idx, &events)

	// 3. 突破统计：origin 侧按分级容忍触发失效，pivot 侧在冻结后记录回穿。
	d.trackBreaches(bar, idx, &events)

	// 4. 成型：回撤首次触及阈值的未成型腿晋升出 swing。
	d.formSwings(bar, idx, &events)

	// 5. 裁剪：吞没、陈旧、邻近、内部结构，按序执行。
	d.pruner.run(bar, idx, &events)

	if d.params.StrictChecks {
		d.arena.checkIntegrity()
		d.checkSwingAnchors()
	}
	return events, nil
}

// extend 执行延伸并累计冲量贡献（每次延伸的有向增量）。
func (d *Detector) extend(bar market.Candle, idx int64, events *[]Event) {
	for _, leg := range d.arena.all() {
		if !leg.Extending() {
			continue
		}
		favorable := leg.Direction.Favorable(bar)
		// 比例空间内 >1 即越过当前 pivot。
		if leg.Frame().Ratio(favorable) <= 1 {
			continue
		}
		delta := float64(leg.Direction) * (favorable - leg.PivotPrice)
		leg.PivotPrice = favorable
		leg.PivotIndex = idx
		leg.Impulse.Add(delta)
		d.globalImpulse(leg.Direction).Add(delta)
		*events = append(*events, legEvent(EventLegExtended, leg, idx))
	}
}

// confirmAndPair 在窗口中心确认摆动点并尝试配对成腿。
// 同一根 K 线可能同时确认高低点（极端宽幅），按多先空后的固定顺序处理。
func (d *Detector) confirmAndPair(idx int64, events *[]Event) {
	span := 2*d.params.Lookback + 1
	if len(d.bars) < span {
		return
	}
	window := d.bars[len(d.bars)-span:]
	center := window[d.params.Lookback]
	centerIdx := idx - int64(d.params.Lookback)

	low, high := true, true
	for _, c := range window {
		if c.Low < center.Low {
			low = false
		}
		if c.High > center.High {
			high = false
		}
		if !low && !high {
			break
		}
	}
	if low {
		d.acceptPoint(swingPoint{Index: centerIdx, Price: center.Low, Dir: Bull}, idx, events)
	}
	if high {
		d.acceptPoint(swingPoint{Index: centerIdx, Price: center.High, Dir: Bear}, idx, events)
	}
	d.trimPoints(idx)
}

// acceptPoint 登记确认点并尝试以它为 origin 创建新腿。
func (d *Detector) acceptPoint(pt swingPoint, idx int64, events *[]Event) {
	// 同一位置重复确认（平头极值顺延）只保留首个。
	for i := len(d.points) - 1; i >= 0; i-- {
		prev := d.points[i]
		if prev.Dir == pt.Dir && prev.Price == pt.Price && pt.Index-prev.Index <= int64(d.params.Lookback) {
			return
		}
	}
	d.points = append(d.points, pt)
	d.pairPoint(pt, idx, events)
}

// trimPoints 丢弃超出配对回溯范围的历史确认点。
func (d *Detector) trimPoints(idx int64) {
	horizon := idx - int64(d.maxLookbehind())
	cut := 0
	for cut < len(d.points) && d.points[cut].Index < horizon {
		cut++
	}
	if cut > 0 {
		d.points = d.points[cut:]
	}
}

// pairPoint 为新确认点寻找反向配对并在通过全部门槛后创建腿。
// 配对点在前、新确认点在后：腿从配对点（origin，被防守端）
// 指向新确认点（pivot，随后继续延伸的一端），方向由二者先后决定。
func (d *Detector) pairPoint(pt swingPoint, idx int64, events *[]Event) {
	// 自最近往回找第一个反向点。
	var paired *swingPoint
	for i := len(d.points) - 1; i >= 0; i-- {
		cand := d.points[i]
		if cand.Dir != pt.Dir.Opposite() || cand.Index >= pt.Index {
			continue
		}
		if pt.Index-cand.Index > int64(d.params.MaxPairDistance) {
			break
		}
		paired = &cand
		break
	}
	if paired == nil {
		return
	}
	dir := paired.Dir
	dp := d.params.ByDirection(dir)
	seedRange := float64(dir) * (pt.Price - paired.Price)
	if seedRange <= 0 {
		// 两点同价或方向退化，放弃。
		return
	}

	// 成型前保护是绝对的：两点之间任何一根 K 线都不得越过
	// 防守端（origin 之外）或超出确认端（pivot 之外），零容忍。
	frame := NewFrame(paired.Price, pt.Price)
	for i := paired.Index + 1; i < pt.Index; i++ {
		c, ok := d.barAt(i)
		if !ok {
			return
		}
		if frame.Ratio(dir.Adverse(c)) < 0 || frame.Ratio(dir.Favorable(c)) > 1 {
			return
		}
	}

	// 与同向在册腿的最小间距检查。失效但未移除的腿仍占据自己的
	// origin，不允许在同一位置立刻长出近似克隆；等它被整体移除后
	// 这个位置才重新开放。
	for _, other := range d.arena.tracked() {
		if other.Direction != dir {
			continue
		}
		if absFloat(other.OriginPrice-paired.Price) < dp.SelfSeparation*seedRange {
			return
		}
	}

	// 支配检查：同一位置已有更大 range 的同向腿时不再创建小腿。
	if d.pruner.dominated(dir, paired.Price, seedRange) {
		return
	}

	parent := d.chooseParent(paired.Price, pt.Price, seedRange)
	if parent != nil {
		if absFloat(parent.OriginPrice-paired.Price) < dp.ParentSeparation*seedRange {
			return
		}
	}

	leg := &Leg{
		Direction:   dir,
		OriginPrice: paired.Price,
		OriginIndex: paired.Index,
		PivotPrice:  pt.Price,
		PivotIndex:  pt.Index,
		Status:      StatusActive,
		SeedRange:   seedRange,
	}
	if parent != nil {
		leg.Parent = parent.ID
	}
	leg.TurnScale = d.turnScale(leg)
	d.arena.insert(leg)
	d.rangeQuantile(leg.Direction).Observe(seedRange)
	*events = append(*events, legEvent(EventLegCreated, leg, idx))

	// 新腿落地即触发该转折点上的 turn-limit 竞争。
	d.pruner.turnLimit(leg, idx, events)
}

// chooseParent 在覆盖候选区间的 active 腿里选 range 最小者，
// 并在同等覆盖下偏向更晚创建的腿（时间/价格双重排序）。
func (d *Detector) chooseParent(originPrice, pivotPrice, seedRange float64) *Leg {
	lo, hi := originPrice, pivotPrice
	if lo > hi {
		lo, hi = hi, lo
	}
	var best *Leg
	for _, cand := range d.arena.active() {
		if cand.Range() <= seedRange {
			continue
		}
		clo, chi := cand.PriceSpan()
		if clo > lo || chi < hi {
			continue
		}
		if best == nil || cand.Range() < best.Range() ||
			(cand.Range() == best.Range() && cand.ID > best.ID) {
			best = cand
		}
	}
	return best
}

// turnScale 返回新腿起点处记录过的最大反向规模。
// 起点本身来自一段反向运动，seed range 是下界；
// 若已有反向腿把 pivot 推到同一转折点，取其中最大的 range。
func (d *Detector) turnScale(leg *Leg) float64 {
	scale := leg.SeedRange
	for _, other := range d.arena.tracked() {
		if other.Direction != leg.Direction.Opposite() {
			continue
		}
		if other.PivotPrice == leg.OriginPrice && other.Range() > scale {
			scale = other.Range()
		}
	}
	return scale
}

// trackBreaches 更新 origin/pivot 两侧的突破统计。
// origin 侧首破触发 active→invalidated 并冻结 pivot；
// pivot 冻结后价格回穿 pivot 开始累计 MaxPivotBreach。
func (d *Detector) trackBreaches(bar market.Candle, idx int64, events *[]Event) {
	for _, leg := range d.arena.all() {
		if !leg.Tracked() {
			continue
		}
		frame := leg.Frame()
		adverse := leg.Direction.Adverse(bar)

		if !leg.OriginBreached {
			closeTol, wickTol, wickActive := d.invalidationTolerance(leg)
			violated := frame.Violated(bar.Close, closeTol)
			if !violated && wickActive {
				violated = frame.Violated(adverse, wickTol)
			}
			if violated {
				leg.OriginBreached = true
				leg.Status = StatusInvalidated
				if sw := d.swings[leg.ID]; sw != nil {
					sw.Status = StatusInvalidated
				}
				*events = append(*events, legEvent(EventLegInvalidated, leg, idx))
			}
		}
		if leg.OriginBreached {
			depth := float64(leg.Direction) * (leg.OriginPrice - adverse)
			if depth > leg.MaxOriginBreach {
				leg.MaxOriginBreach = depth
			}
			// pivot 已冻结，有利极值越过它即为回穿。
			crossing := float64(leg.Direction) * (leg.Direction.Favorable(bar) - leg.PivotPrice)
			if crossing > 0 {
				leg.PivotBreached = true
				if crossing > leg.MaxPivotBreach {
					leg.MaxPivotBreach = crossing
				}
			}
		}
	}
}

// invalidationTolerance 返回该腿 origin 侧的（收盘容忍, 影线容忍, 影线是否生效）。
// 大级别腿享受宽容忍，大级别下一两层用中间档，其余零容忍且只看收盘。
func (d *Detector) invalidationTolerance(leg *Leg) (closeTol, wickTol float64, wickActive bool) {
	dp := d.params.ByDirection(leg.Direction)
	switch {
	case d.isBig(leg):
		return dp.BigCloseTolerance, dp.BigWickTolerance, true
	case d.arena.ancestorWithin(leg, d.params.NearDepth, d.isBig):
		return dp.NearCloseTolerance, dp.NearWickTolerance, true
	default:
		return 0, 0, false
	}
}

// isBig 判断腿的当前 range 是否达到同方向规模分位线。
func (d *Detector) isBig(leg *Leg) bool {
	q := d.rangeQuantile(leg.Direction)
	if q.Count == 0 {
		return false
	}
	return leg.Range() >= q.Value()
}

// formSwings 检查未成型腿的回撤并晋升 swing。
// 成型最多发生一次（formed 单调），同腿绝不重复发布 SWING_FORMED。
func (d *Detector) formSwings(bar market.Candle, idx int64, events *[]Event) {
	for _, leg := range d.arena.all() {
		if !leg.Tracked() || leg.Formed {
			continue
		}
		dp := d.params.ByDirection(leg.Direction)
		retr := leg.Frame().Retracement(leg.Direction.Adverse(bar))
		if retr < dp.FormationThreshold {
			continue
		}
		leg.Formed = true
		sw := newSwing(leg, idx)
		if leg.Status == StatusInvalidated {
			sw.Status = StatusInvalidated
		}
		d.swings[leg.ID] = &sw
		ev := legEvent(EventSwingFormed, leg, idx)
		ev.Swing = &sw
		*events = append(*events, ev)
	}
}

// globalImpulse 返回对应方向的全局冲量矩。
func (d *Detector) globalImpulse(dir Direction) *RunningMoments {
	if dir == Bull {
		return &d.bullImpulse
	}
	return &d.bearImpulse
}

// rangeQuantile 返回对应方向的规模分位估计器。
func (d *Detector) rangeQuantile(dir Direction) *P2Quantile {
	if dir == Bull {
		return d.bullRanges
	}
	return d.bearRanges
}

// barAt 以全局 bar 序号取缓冲内的 K 线。
func (d *Detector) barAt(idx int64) (market.Candle, bool) {
	off := idx - d.baseIndex
	if off < 0 || off >= int64(len(d.bars)) {
		return market.Candle{}, false
	}
	return d.bars[off], true
}

// removeLeg 是检测器内唯一的整体移除入口：
// 摘腿、重挂孩子、删除锚定 swing 在同一步完成。
func (d *Detector) removeLeg(id LegID, status string) *Leg {
	leg := d.arena.remove(id, status)
	delete(d.swings, id)
	return leg
}

// checkSwingAnchors 校验 swing 不引用已移除的腿。
func (d *Detector) checkSwingAnchors() {
	for id := range d.swings {
		mustInvariant(d.arena.get(id) != nil, "swing 锚定的腿 %d 已被移除", id)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
