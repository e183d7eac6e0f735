package structure

import (
	"sort"

	"strata/internal/market"
)

// pruner 按固定顺序执行腿的裁剪规则。
// 吞没和陈旧对所有腿生效；turn-limit、邻近、支配、内部结构
// 放过已成型的腿，成型是一种保护伞。
type pruner struct {
	d *Detector
}

func newPruner(d *Detector) *pruner {
	return &pruner{d: d}
}

// run 执行每根 K 线收盘后的裁剪：吞没 → 陈旧 → 邻近 → 内部结构。
// turn-limit 在新腿创建时即时竞争（见 turnLimit），支配在创建前否决（见 dominated），
// 两者不在这里重复执行。
func (p *pruner) run(bar market.Candle, idx int64, events *[]Event) {
	p.engulfment(idx, events)
	p.staleness(bar, idx, events)
	p.proximity(idx, events)
	if p.d.params.Bull.InnerStructure || p.d.params.Bear.InnerStructure {
		p.innerStructure(idx, events)
	}
}

// engulfment 移除双向都被足量穿透的腿。
// 两侧突破深度的较大者超过吞没阈值乘以 range 时，这条腿的两个端点
// 都已失守，继续保留只会污染层级。这是经验上最主要的移除通道。
func (p *pruner) engulfment(idx int64, events *[]Event) {
	for _, leg := range p.snapshotTracked() {
		if leg.Removed() || !leg.OriginBreached || !leg.PivotBreached {
			continue
		}
		dp := p.d.params.ByDirection(leg.Direction)
		depth := leg.MaxOriginBreach
		if leg.MaxPivotBreach > depth {
			depth = leg.MaxPivotBreach
		}
		if depth <= dp.EngulfmentThreshold*leg.Range() {
			continue
		}
		ev := legEvent(EventLegPruned, leg, idx)
		ev.Reason = PruneEngulfed
		p.d.removeLeg(leg.ID, StatusPruned)
		*events = append(*events, ev)
	}
}

// staleness 移除失效后被反向行情远远甩开的腿。
// 以创建时刻的参考系衡量：有利极值达到 StaleMultiple 倍 seed range，
// 说明市场早已翻篇，这条失效腿不会再被回补。
func (p *pruner) staleness(bar market.Candle, idx int64, events *[]Event) {
	for _, leg := range p.snapshotTracked() {
		if leg.Removed() || leg.Status != StatusInvalidated {
			continue
		}
		favorable := leg.Direction.Favorable(bar)
		if leg.CreationFrame().Ratio(favorable) < p.d.params.StaleMultiple {
			continue
		}
		ev := legEvent(EventLegStale, leg, idx)
		p.d.removeLeg(leg.ID, StatusStale)
		*events = append(*events, ev)
	}
}

// turnLimit 在新腿落地时裁剪同一转折点上过载的反向腿。
// 反向腿的 pivot 与新腿 origin 重合即共享这个转折点；按 TurnScale
// 从大到小保留 MaxLegsPerTurn 条，余下未成型的裁掉。
// 在更大规模转折中幸存过的腿对更小规模的竞争免疫。
func (p *pruner) turnLimit(created *Leg, idx int64, events *[]Event) {
	dp := p.d.params.ByDirection(created.Direction.Opposite())
	if dp.MaxLegsPerTurn <= 0 {
		return
	}
	var contested []*Leg
	for _, leg := range p.d.arena.tracked() {
		if leg.Direction != created.Direction.Opposite() || leg.Formed {
			continue
		}
		if leg.PivotPrice != created.OriginPrice {
			continue
		}
		if leg.SurvivedTurn > created.SeedRange {
			continue
		}
		contested = append(contested, leg)
	}
	if len(contested) <= dp.MaxLegsPerTurn {
		p.markSurvivors(contested, created.SeedRange)
		return
	}
	sort.SliceStable(contested, func(i, j int) bool {
		if contested[i].TurnScale != contested[j].TurnScale {
			return contested[i].TurnScale > contested[j].TurnScale
		}
		// 规模持平保留更早创建的。
		return contested[i].ID < contested[j].ID
	})
	p.markSurvivors(contested[:dp.MaxLegsPerTurn], created.SeedRange)
	for _, leg := range contested[dp.MaxLegsPerTurn:] {
		ev := legEvent(EventLegPruned, leg, idx)
		ev.Reason = PruneTurnLimit
		p.d.removeLeg(leg.ID, StatusPruned)
		*events = append(*events, ev)
	}
}

func (p *pruner) markSurvivors(legs []*Leg, scale float64) {
	for _, leg := range legs {
		if scale > leg.SurvivedTurn {
			leg.SurvivedTurn = scale
		}
	}
}

// dominated 判断候选腿是否被同向更大的腿支配：
// 已有腿 range 更大且 origin 落在其 range 的邻近容忍之内时，
// 新的小腿只是旧结构的回声，不值得创建。
func (p *pruner) dominated(dir Direction, origin, seedRange float64) bool {
	dp := p.d.params.ByDirection(dir)
	for _, leg := range p.d.arena.active() {
		if leg.Direction != dir || leg.Range() <= seedRange {
			continue
		}
		if absFloat(leg.OriginPrice-origin) <= dp.ProximityTolerance*leg.Range() {
			return true
		}
	}
	return false
}

// proximity 对未成型的同向活跃腿做事后去重：
// 两条腿的 origin 落入彼此 range 的容忍范围时裁掉 range 较小的一条。
func (p *pruner) proximity(idx int64, events *[]Event) {
	for _, dir := range []Direction{Bull, Bear} {
		dp := p.d.params.ByDirection(dir)
		legs := p.candidates(dir)
		for i := 0; i < len(legs); i++ {
			a := legs[i]
			if a.Removed() {
				continue
			}
			for j := i + 1; j < len(legs); j++ {
				b := legs[j]
				if b.Removed() {
					continue
				}
				larger := a.Range()
				if b.Range() > larger {
					larger = b.Range()
				}
				if absFloat(a.OriginPrice-b.OriginPrice) > dp.ProximityTolerance*larger {
					continue
				}
				victim := b
				if a.Range() < b.Range() {
					victim = a
				}
				ev := legEvent(EventLegPruned, victim, idx)
				ev.Reason = PruneProximity
				p.d.removeLeg(victim.ID, StatusPruned)
				*events = append(*events, ev)
				if victim == a {
					break
				}
			}
		}
	}
}

// innerStructure 裁掉完全被同向更大腿区间包住的未成型腿。
// 祖先链上的包含是层级的本意，不算冗余；只处理无亲缘的同向重叠。
// 默认关闭，留给密集震荡行情的调参空间。
func (p *pruner) innerStructure(idx int64, events *[]Event) {
	for _, dir := range []Direction{Bull, Bear} {
		if !p.d.params.ByDirection(dir).InnerStructure {
			continue
		}
		for _, leg := range p.candidates(dir) {
			if leg.Removed() {
				continue
			}
			lo, hi := leg.PriceSpan()
			for _, host := range p.d.arena.tracked() {
				if host.ID == leg.ID || host.Direction != dir || host.Range() <= leg.Range() {
					continue
				}
				if p.isAncestor(host.ID, leg) {
					continue
				}
				hlo, hhi := host.PriceSpan()
				if hlo > lo || hhi < hi {
					continue
				}
				ev := legEvent(EventLegPruned, leg, idx)
				ev.Reason = PruneInnerStructure
				p.d.removeLeg(leg.ID, StatusPruned)
				*events = append(*events, ev)
				break
			}
		}
	}
}

// candidates 返回该方向上可被去重类规则裁剪的腿：active 且未成型。
func (p *pruner) candidates(dir Direction) []*Leg {
	var out []*Leg
	for _, leg := range p.d.arena.active() {
		if leg.Direction == dir && !leg.Formed {
			out = append(out, leg)
		}
	}
	return out
}

// snapshotTracked 拷贝当前受跟踪腿的切片，规则在移除过程中遍历不受干扰。
func (p *pruner) snapshotTracked() []*Leg {
	src := p.d.arena.tracked()
	out := make([]*Leg, len(src))
	copy(out, src)
	return out
}

func (p *pruner) isAncestor(id LegID, leg *Leg) bool {
	for cur := leg.Parent; cur != 0; {
		if cur == id {
			return true
		}
		next := p.d.arena.get(cur)
		if next == nil {
			return false
		}
		cur = next.Parent
	}
	return false
}
