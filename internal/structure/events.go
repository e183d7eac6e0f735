package structure

// EventType 标识检测器对外发布的结构事件。
type EventType string

const (
	EventLegCreated     EventType = "LEG_CREATED"
	EventLegExtended    EventType = "LEG_EXTENDED"
	EventSwingFormed    EventType = "SWING_FORMED"
	EventLegInvalidated EventType = "LEG_INVALIDATED"
	EventLegPruned      EventType = "LEG_PRUNED"
	EventLegStale       EventType = "LEG_STALE"
)

// 裁剪原因；LEG_STALE 独立成事件类型，不在此列。
const (
	PruneEngulfed       = "engulfed"
	PruneTurnLimit      = "turn_limit"
	PruneProximity      = "proximity"
	PruneInnerStructure = "inner_structure"
)

// Event 是单条结构事件。除了事件主体腿的 id，
// 还带上触发时刻的父子关系与坐标，下游展示层不需要回查状态。
type Event struct {
	Type      EventType `json:"type"`
	BarIndex  int64     `json:"bar_index"`
	Leg       LegID     `json:"leg"`
	Direction Direction `json:"direction"`
	Parent    LegID     `json:"parent,omitempty"`
	Children  []LegID   `json:"children,omitempty"`

	OriginPrice float64 `json:"origin_price"`
	PivotPrice  float64 `json:"pivot_price"`

	// Reason 仅对 LEG_PRUNED 有意义。
	Reason string `json:"reason,omitempty"`
	// Swing 仅随 SWING_FORMED 携带。
	Swing *Swing `json:"swing,omitempty"`
}

// legEvent 以当前腿状态填充一条事件骨架。
func legEvent(t EventType, leg *Leg, barIndex int64) Event {
	ev := Event{
		Type:        t,
		BarIndex:    barIndex,
		Leg:         leg.ID,
		Direction:   leg.Direction,
		Parent:      leg.Parent,
		OriginPrice: leg.OriginPrice,
		PivotPrice:  leg.PivotPrice,
	}
	if len(leg.Children) > 0 {
		ev.Children = append([]LegID(nil), leg.Children...)
	}
	return ev
}
