package structure

import (
	"fmt"
	"sort"

	"strata/internal/market"
)

// SnapshotVersion 随快照布局变更递增；不兼容的旧快照直接拒绝恢复。
const SnapshotVersion = 1

// quantileState 是 P² 估计器的可序列化形态，pending 保存未满
// 五个样本时的初始化缓冲。
type quantileState struct {
	P       float64    `json:"p"`
	Heights [5]float64 `json:"heights"`
	Pos     [5]float64 `json:"pos"`
	Want    [5]float64 `json:"want"`
	Count   int64      `json:"count"`
	Pending []float64  `json:"pending,omitempty"`
}

func captureQuantile(q *P2Quantile) quantileState {
	return quantileState{
		P:       q.P,
		Heights: q.Heights,
		Pos:     q.Pos,
		Want:    q.Want,
		Count:   q.Count,
		Pending: q.pending(),
	}
}

func (s quantileState) restore() *P2Quantile {
	q := NewP2Quantile(s.P)
	q.Heights = s.Heights
	q.Pos = s.Pos
	q.Want = s.Want
	q.Count = s.Count
	q.restorePending(s.Pending)
	return q
}

// Snapshot 是检测器在某根 K 线收盘后的完整状态。
// 从同一快照恢复并续喂同一序列，事件流与直接跑完全程逐字节一致。
type Snapshot struct {
	Version      int    `json:"version"`
	Params       Params `json:"params"`
	BarsSeen     int64  `json:"bars_seen"`
	LastOpenTime int64  `json:"last_open_time"`

	BaseIndex int64           `json:"base_index"`
	Bars      []market.Candle `json:"bars,omitempty"`
	Points    []swingPoint    `json:"points,omitempty"`

	NextID LegID   `json:"next_id"`
	Legs   []Leg   `json:"legs,omitempty"`
	Swings []Swing `json:"swings,omitempty"`

	BullRanges  quantileState  `json:"bull_ranges"`
	BearRanges  quantileState  `json:"bear_ranges"`
	BullImpulse RunningMoments `json:"bull_impulse"`
	BearImpulse RunningMoments `json:"bear_impulse"`
}

// Snapshot 捕获当前全量状态。所有切片均为深拷贝，
// 快照产出后与检测器内部状态再无共享。
func (d *Detector) Snapshot() Snapshot {
	snap := Snapshot{
		Version:      SnapshotVersion,
		Params:       d.params,
		BarsSeen:     d.barIndex,
		LastOpenTime: d.lastOpenTime,
		BaseIndex:    d.baseIndex,
		Bars:         append([]market.Candle(nil), d.bars...),
		Points:       append([]swingPoint(nil), d.points...),
		NextID:       d.arena.nextID,
		BullRanges:   captureQuantile(d.bullRanges),
		BearRanges:   captureQuantile(d.bearRanges),
		BullImpulse:  d.bullImpulse,
		BearImpulse:  d.bearImpulse,
	}
	for _, leg := range d.arena.all() {
		cp := *leg
		cp.Children = append([]LegID(nil), leg.Children...)
		snap.Legs = append(snap.Legs, cp)
	}
	ids := make([]LegID, 0, len(d.swings))
	for id := range d.swings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.Swings = append(snap.Swings, *d.swings[id])
	}
	return snap
}

// Restore 从快照重建检测器。
// 快照是外部输入，结构性损坏（悬空父指针、版本不符）返回错误而非 panic。
func Restore(snap Snapshot) (*Detector, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("快照版本不支持: got=%d want=%d", snap.Version, SnapshotVersion)
	}
	d, err := New(snap.Params)
	if err != nil {
		return nil, err
	}
	d.barIndex = snap.BarsSeen
	d.lastOpenTime = snap.LastOpenTime
	d.baseIndex = snap.BaseIndex
	d.bars = append([]market.Candle(nil), snap.Bars...)
	d.points = append([]swingPoint(nil), snap.Points...)
	d.bullRanges = snap.BullRanges.restore()
	d.bearRanges = snap.BearRanges.restore()
	d.bullImpulse = snap.BullImpulse
	d.bearImpulse = snap.BearImpulse

	for i := range snap.Legs {
		cp := snap.Legs[i]
		cp.Children = append([]LegID(nil), snap.Legs[i].Children...)
		if _, ok := d.arena.legs[cp.ID]; ok {
			return nil, fmt.Errorf("快照中腿 %d 重复", cp.ID)
		}
		d.arena.legs[cp.ID] = &cp
		d.arena.order = append(d.arena.order, cp.ID)
	}
	d.arena.nextID = snap.NextID
	for _, leg := range d.arena.all() {
		if leg.ID >= snap.NextID {
			return nil, fmt.Errorf("快照中腿 %d 超出 next_id=%d", leg.ID, snap.NextID)
		}
		if leg.Parent != 0 {
			parent := d.arena.get(leg.Parent)
			if parent == nil {
				return nil, fmt.Errorf("快照中腿 %d 的父腿 %d 缺失", leg.ID, leg.Parent)
			}
			if !containsSorted(parent.Children, leg.ID) {
				return nil, fmt.Errorf("快照中父腿 %d 未登记孩子 %d", leg.Parent, leg.ID)
			}
		}
		for _, childID := range leg.Children {
			child := d.arena.get(childID)
			if child == nil {
				return nil, fmt.Errorf("快照中腿 %d 的孩子 %d 缺失", leg.ID, childID)
			}
			if child.Parent != leg.ID {
				return nil, fmt.Errorf("快照中孩子 %d 的父指针 %d 与 %d 不一致", childID, child.Parent, leg.ID)
			}
		}
	}
	for i := range snap.Swings {
		sw := snap.Swings[i]
		leg := d.arena.get(sw.LegID)
		if leg == nil {
			return nil, fmt.Errorf("快照中 swing 锚定的腿 %d 缺失", sw.LegID)
		}
		if !leg.Formed {
			return nil, fmt.Errorf("快照中腿 %d 持有 swing 但未标记 formed", sw.LegID)
		}
		sw.Levels = append([]SwingLevel(nil), snap.Swings[i].Levels...)
		d.swings[sw.LegID] = &sw
	}
	return d, nil
}

// Legs 按插入顺序返回全部在册腿的拷贝，供展示层消费。
func (d *Detector) Legs() []Leg {
	src := d.arena.all()
	out := make([]Leg, 0, len(src))
	for _, leg := range src {
		cp := *leg
		cp.Children = append([]LegID(nil), leg.Children...)
		out = append(out, cp)
	}
	return out
}

// Swings 按锚定腿 id 升序返回全部 swing 的拷贝。
func (d *Detector) Swings() []Swing {
	ids := make([]LegID, 0, len(d.swings))
	for id := range d.swings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Swing, 0, len(ids))
	for _, id := range ids {
		cp := *d.swings[id]
		cp.Levels = append([]SwingLevel(nil), cp.Levels...)
		out = append(out, cp)
	}
	return out
}

// Leg 返回指定腿的拷贝。
func (d *Detector) Leg(id LegID) (Leg, bool) {
	leg := d.arena.get(id)
	if leg == nil {
		return Leg{}, false
	}
	cp := *leg
	cp.Children = append([]LegID(nil), leg.Children...)
	return cp, true
}

// ImpulseMoments 返回指定方向的全局冲量矩（拷贝）。
func (d *Detector) ImpulseMoments(dir Direction) RunningMoments {
	return *d.globalImpulse(dir)
}

// BigSwingCutoff 返回指定方向当前的大级别规模分位线；
// 样本不足五个时返回的是粗插值，仅供展示。
func (d *Detector) BigSwingCutoff(dir Direction) (float64, bool) {
	q := d.rangeQuantile(dir)
	if q.Count == 0 {
		return 0, false
	}
	return q.Value(), true
}
