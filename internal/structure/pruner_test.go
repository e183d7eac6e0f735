package structure

import (
	"testing"
)

// injectLeg 直接向 arena 塞入一条指定状态的腿，绕过配对流程，
// 逐条规则的边界才能精确摆出来。
func injectLeg(d *Detector, leg *Leg) *Leg {
	return d.arena.insert(leg)
}

func TestPrunerEngulfmentRemovesAndReparents(t *testing.T) {
	p := flowParams()
	p.Bull.EngulfmentThreshold = 0.25
	d := mustDetector(t, p)

	parent := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 4500, PivotPrice: 4560, Status: StatusActive, SeedRange: 60})
	leg := injectLeg(d, &Leg{
		Direction: Bull, OriginPrice: 4520, PivotPrice: 4535,
		Status: StatusInvalidated, SeedRange: 15, Parent: parent.ID,
		Formed:         true,
		OriginBreached: true, MaxOriginBreach: 5,
		PivotBreached: true, MaxPivotBreach: 2,
	})
	child := injectLeg(d, &Leg{Direction: Bear, OriginPrice: 4533, PivotPrice: 4524, Status: StatusActive, SeedRange: 9, Parent: leg.ID})
	d.swings[leg.ID] = &Swing{LegID: leg.ID, Direction: Bull, OriginPrice: 4520, PivotPrice: 4535, Status: StatusInvalidated}

	var events []Event
	d.pruner.engulfment(120, &events)

	// 两侧较深一侧 5.0 > 0.25×15=3.75 → 整体移除。
	if len(events) != 1 || events[0].Type != EventLegPruned || events[0].Reason != PruneEngulfed {
		t.Fatalf("应产生一条吞没移除事件, 实际=%+v", events)
	}
	if len(events[0].Children) != 1 || events[0].Children[0] != child.ID {
		t.Fatalf("事件应携带移除前的孩子列表, 实际=%v", events[0].Children)
	}
	if d.arena.get(leg.ID) != nil {
		t.Fatalf("被吞没的腿不应留在 arena")
	}
	if child.Parent != parent.ID || !containsSorted(parent.Children, child.ID) {
		t.Fatalf("孩子应原子地重挂到祖父, 实际 parent=%d", child.Parent)
	}
	if len(d.swings) != 0 {
		t.Fatalf("锚定 swing 应随腿一并删除")
	}
	d.arena.checkIntegrity()
}

func TestPrunerEngulfmentExactThresholdKept(t *testing.T) {
	p := flowParams()
	p.Bear.EngulfmentThreshold = 0.25
	d := mustDetector(t, p)
	leg := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 200, PivotPrice: 100,
		Status: StatusInvalidated, SeedRange: 100,
		OriginBreached: true, MaxOriginBreach: 25,
		PivotBreached: true, MaxPivotBreach: 25,
	})
	var events []Event
	d.pruner.engulfment(10, &events)
	// 恰好等于阈值不移除，必须严格超过。
	if len(events) != 0 || d.arena.get(leg.ID) == nil {
		t.Fatalf("等于阈值的腿应保留, 事件=%+v", events)
	}
}

func TestPrunerTurnLimitKeepsTopScales(t *testing.T) {
	d := mustDetector(t, flowParams())

	scales := []float64{100, 90, 80, 70, 60}
	legs := make([]*Leg, 0, len(scales))
	for _, s := range scales {
		legs = append(legs, injectLeg(d, &Leg{
			Direction: Bear, OriginPrice: 4400 + s, PivotPrice: 4400,
			Status: StatusActive, SeedRange: s, TurnScale: s,
		}))
	}
	// 成型腿共享同一转折点但免疫竞争。
	formed := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 4450, PivotPrice: 4400,
		Status: StatusActive, SeedRange: 50, TurnScale: 5, Formed: true,
	})
	created := injectLeg(d, &Leg{
		Direction: Bull, OriginPrice: 4400, PivotPrice: 4450,
		Status: StatusActive, SeedRange: 50, TurnScale: 50,
	})

	var events []Event
	d.pruner.turnLimit(created, 30, &events)

	if len(events) != 2 {
		t.Fatalf("五条竞争腿限额 3 应裁掉 2 条, 实际=%+v", events)
	}
	for _, ev := range events {
		if ev.Type != EventLegPruned || ev.Reason != PruneTurnLimit {
			t.Fatalf("裁剪事件类型/原因错误: %+v", ev)
		}
	}
	// 规模最小的两条（70、60）出局，前三名保留并记录幸存规模。
	if d.arena.get(legs[3].ID) != nil || d.arena.get(legs[4].ID) != nil {
		t.Fatalf("规模最小的两条腿应被裁掉")
	}
	for _, keep := range legs[:3] {
		if d.arena.get(keep.ID) == nil {
			t.Fatalf("规模靠前的腿 %d 不应被裁", keep.ID)
		}
		if keep.SurvivedTurn != 50 {
			t.Fatalf("幸存腿应记录本次竞争规模 50, 实际=%v", keep.SurvivedTurn)
		}
	}
	if d.arena.get(formed.ID) == nil {
		t.Fatalf("成型腿应免疫 turn-limit")
	}
}

func TestPrunerTurnLimitExemption(t *testing.T) {
	d := mustDetector(t, flowParams())
	for _, s := range []float64{100, 90, 80} {
		injectLeg(d, &Leg{
			Direction: Bear, OriginPrice: 4400 + s, PivotPrice: 4400,
			Status: StatusActive, SeedRange: s, TurnScale: s,
		})
	}
	// 规模垫底但曾在更大竞争（80 > 本次 50）中幸存 → 豁免。
	veteran := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 4410, PivotPrice: 4400,
		Status: StatusActive, SeedRange: 10, TurnScale: 10, SurvivedTurn: 80,
	})
	weakest := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 4420, PivotPrice: 4400,
		Status: StatusActive, SeedRange: 20, TurnScale: 20,
	})
	created := injectLeg(d, &Leg{
		Direction: Bull, OriginPrice: 4400, PivotPrice: 4450,
		Status: StatusActive, SeedRange: 50,
	})

	var events []Event
	d.pruner.turnLimit(created, 40, &events)

	if d.arena.get(veteran.ID) == nil {
		t.Fatalf("幸存过更大竞争的腿应豁免")
	}
	if d.arena.get(weakest.ID) != nil {
		t.Fatalf("非豁免的最小规模腿应被裁")
	}
	if len(events) != 1 || events[0].Leg != weakest.ID {
		t.Fatalf("应只裁一条, 实际=%+v", events)
	}
}

func TestPrunerStaleness(t *testing.T) {
	d := mustDetector(t, flowParams())
	leg := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 110, PivotPrice: 100,
		Status: StatusInvalidated, SeedRange: 10, Formed: true,
		OriginBreached: true, MaxOriginBreach: 1,
	})
	d.swings[leg.ID] = &Swing{LegID: leg.ID, Status: StatusInvalidated}
	// 同方向的 active 腿不适用陈旧规则。
	activeLeg := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 150, PivotPrice: 120,
		Status: StatusActive, SeedRange: 30,
	})

	var events []Event
	// 2.95 倍未达 3 倍，保留。
	d.pruner.staleness(tb(20, 81, 82, 80.5, 81), 20, &events)
	if len(events) != 0 {
		t.Fatalf("未达陈旧倍数不应移除, 实际=%+v", events)
	}
	// 有利极值到 80：创建参考系比例恰为 3.0 → 陈旧。
	d.pruner.staleness(tb(21, 81, 82, 80, 81), 21, &events)
	if len(events) != 1 || events[0].Type != EventLegStale || events[0].Leg != leg.ID {
		t.Fatalf("应按陈旧移除, 实际=%+v", events)
	}
	if d.arena.get(leg.ID) != nil || len(d.swings) != 0 {
		t.Fatalf("陈旧移除应连同 swing 一并删除")
	}
	if d.arena.get(activeLeg.ID) == nil {
		t.Fatalf("active 腿不应被陈旧规则波及")
	}
}

func TestPrunerOrderEngulfmentBeforeStaleness(t *testing.T) {
	d := mustDetector(t, flowParams())
	leg := injectLeg(d, &Leg{
		Direction: Bear, OriginPrice: 110, PivotPrice: 100,
		Status: StatusInvalidated, SeedRange: 10,
		OriginBreached: true, MaxOriginBreach: 8,
		PivotBreached: true, MaxPivotBreach: 20,
	})
	var events []Event
	// 同时满足吞没与陈旧（low=80），吞没在前，只发一条。
	d.pruner.run(tb(30, 81, 82, 80, 81), 30, &events)
	if len(events) != 1 || events[0].Reason != PruneEngulfed {
		t.Fatalf("吞没应先于陈旧触发, 实际=%+v", events)
	}
	if got := d.arena.get(leg.ID); got != nil {
		t.Fatalf("腿应已被移除")
	}
}

func TestPrunerProximityPrunesSmaller(t *testing.T) {
	d := mustDetector(t, flowParams())
	bigger := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100, PivotPrice: 110, Status: StatusActive, SeedRange: 10})
	smaller := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100.5, PivotPrice: 108.5, Status: StatusActive, SeedRange: 8})
	// 反方向腿即使 origin 邻近也互不相干。
	other := injectLeg(d, &Leg{Direction: Bear, OriginPrice: 100.4, PivotPrice: 92, Status: StatusActive, SeedRange: 8.4})

	var events []Event
	d.pruner.proximity(15, &events)

	if len(events) != 1 || events[0].Reason != PruneProximity || events[0].Leg != smaller.ID {
		t.Fatalf("应裁掉 range 较小的一条, 实际=%+v", events)
	}
	if d.arena.get(bigger.ID) == nil || d.arena.get(other.ID) == nil {
		t.Fatalf("较大腿与反方向腿应保留")
	}
}

func TestPrunerProximityFormedImmune(t *testing.T) {
	d := mustDetector(t, flowParams())
	injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100, PivotPrice: 110, Status: StatusActive, SeedRange: 10})
	formed := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100.5, PivotPrice: 108.5, Status: StatusActive, SeedRange: 8, Formed: true})

	var events []Event
	d.pruner.proximity(16, &events)
	if len(events) != 0 || d.arena.get(formed.ID) == nil {
		t.Fatalf("成型腿应免疫邻近去重, 实际=%+v", events)
	}
}

func TestPrunerDominationVetoesCreation(t *testing.T) {
	d := mustDetector(t, flowParams())
	injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100, PivotPrice: 150, Status: StatusActive, SeedRange: 50})

	if !d.pruner.dominated(Bull, 102, 5) {
		t.Fatalf("更大腿 origin 邻域内的小腿应被支配")
	}
	if d.pruner.dominated(Bull, 110, 5) {
		t.Fatalf("邻域之外不应被支配")
	}
	if d.pruner.dominated(Bull, 102, 60) {
		t.Fatalf("range 更大的候选不受支配")
	}
	if d.pruner.dominated(Bear, 102, 5) {
		t.Fatalf("支配只考虑同方向腿")
	}
}

func TestPrunerInnerStructure(t *testing.T) {
	p := flowParams()
	p.Bull.InnerStructure = true
	d := mustDetector(t, p)

	host := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 100, PivotPrice: 150, Status: StatusActive, SeedRange: 50})
	// 亲缘链内的包含是层级本身，不算冗余。
	childLeg := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 105, PivotPrice: 125, Status: StatusActive, SeedRange: 20, Parent: host.ID})
	orphan := injectLeg(d, &Leg{Direction: Bull, OriginPrice: 110, PivotPrice: 130, Status: StatusActive, SeedRange: 20})

	var events []Event
	d.pruner.innerStructure(50, &events)

	if len(events) != 1 || events[0].Leg != orphan.ID || events[0].Reason != PruneInnerStructure {
		t.Fatalf("仅无亲缘的内部腿应被裁, 实际=%+v", events)
	}
	if d.arena.get(childLeg.ID) == nil || d.arena.get(host.ID) == nil {
		t.Fatalf("宿主与亲缘孩子应保留")
	}
}
