package structure

import (
	"fmt"

	"strata/internal/market"
)

// LegID 是 arena 分配的稳定整数 id，0 表示空引用。
type LegID int64

// Direction 表示腿的方向；数值即价格方向的符号。
type Direction int8

const (
	Bull Direction = 1
	Bear Direction = -1
)

func (d Direction) String() string {
	if d == Bull {
		return "bull"
	}
	return "bear"
}

// JSON 里方向以 bull/bear 文本表达，和 status 等枚举保持一致。
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "bull":
		*d = Bull
	case "bear":
		*d = Bear
	default:
		return fmt.Errorf("structure: 未知方向 %q", text)
	}
	return nil
}

// Opposite 返回反方向。
func (d Direction) Opposite() Direction { return -d }

// Favorable 返回该方向视角下 K 线的有利极值（多取 high、空取 low）。
func (d Direction) Favorable(c market.Candle) float64 {
	if d == Bull {
		return c.High
	}
	return c.Low
}

// Adverse 返回该方向视角下 K 线的不利极值。
func (d Direction) Adverse(c market.Candle) float64 {
	if d == Bull {
		return c.Low
	}
	return c.High
}

const (
	StatusActive      = "active"
	StatusInvalidated = "invalidated"
	StatusStale       = "stale"
	StatusPruned      = "pruned"
)

// Leg 是一条有方向的价格运动：从 origin（被防守的起点极值）
// 到 pivot（当前有利极值）。origin 一经设定终身不变；
// pivot 仅在 active 且 origin 未被突破时延伸。
type Leg struct {
	ID        LegID     `json:"id"`
	Direction Direction `json:"direction"`

	OriginPrice float64 `json:"origin_price"`
	OriginIndex int64   `json:"origin_index"`
	PivotPrice  float64 `json:"pivot_price"`
	PivotIndex  int64   `json:"pivot_index"`

	Status string `json:"status"`
	Formed bool   `json:"formed"`

	// 突破统计：首次越过 origin 的同时冻结 pivot 并转为 invalidated。
	// 两个极大值单调不减，absent 状态由标志位表达。
	MaxOriginBreach float64 `json:"max_origin_breach,omitempty"`
	OriginBreached  bool    `json:"origin_breached,omitempty"`
	MaxPivotBreach  float64 `json:"max_pivot_breach,omitempty"`
	PivotBreached   bool    `json:"pivot_breached,omitempty"`

	Parent   LegID   `json:"parent,omitempty"`
	Children []LegID `json:"children,omitempty"`

	// SeedRange 是创建时 origin 与初始 pivot 的距离，
	// 陈旧判定与 turn-limit 评分都以它为基准。
	SeedRange float64 `json:"seed_range"`
	// TurnScale 记录本腿起点处反向结构的最大规模（turn-limit 排名分）。
	TurnScale float64 `json:"turn_scale"`
	// SurvivedTurn 记录本腿在多大规模的 turn-limit 竞争中幸存过；
	// 幸存过更大规模的腿豁免于更小规模的裁剪。
	SurvivedTurn float64 `json:"survived_turn,omitempty"`

	// Impulse 累积逐根 K 线的有向贡献（count/Σ/Σ²/Σ³），偏度按需求值。
	Impulse RunningMoments `json:"impulse"`
}

// Frame 返回以当前 origin/pivot 为锚的坐标系。
func (l *Leg) Frame() Frame { return NewFrame(l.OriginPrice, l.PivotPrice) }

// CreationFrame 返回以创建时 origin/pivot 为锚的坐标系，
// SeedRange 与方向足以重建初始 anchor1。
func (l *Leg) CreationFrame() Frame {
	return NewFrame(l.OriginPrice, l.OriginPrice+float64(l.Direction)*l.SeedRange)
}

// Range 返回当前 origin 到 pivot 的绝对距离。
func (l *Leg) Range() float64 {
	r := l.PivotPrice - l.OriginPrice
	if r < 0 {
		return -r
	}
	return r
}

// PriceSpan 返回覆盖区间 [low, high]，用于包含关系判断。
func (l *Leg) PriceSpan() (lo, hi float64) {
	if l.OriginPrice <= l.PivotPrice {
		return l.OriginPrice, l.PivotPrice
	}
	return l.PivotPrice, l.OriginPrice
}

// Removed 表示腿已被整体移除（stale 或 pruned）。
func (l *Leg) Removed() bool {
	return l.Status == StatusStale || l.Status == StatusPruned
}

// Tracked 表示腿仍参与突破统计（active 或 invalidated）。
func (l *Leg) Tracked() bool {
	return l.Status == StatusActive || l.Status == StatusInvalidated
}

// Extending 表示 pivot 仍可延伸。
func (l *Leg) Extending() bool {
	return l.Status == StatusActive && !l.OriginBreached
}
