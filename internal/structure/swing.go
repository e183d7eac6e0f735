package structure

// fibRatios 是 swing 携带的斐波那契层位，表达在 frame 比例空间：
// 0 为防守价位，1 为成型时的 pivot，2 为对称延伸目标。
var fibRatios = [...]float64{0.382, 0.5, 0.618, 1.0, 1.382, 1.618, 2.0}

// SwingLevel 是一条斐波那契层位：比例与换算后的价格。
type SwingLevel struct {
	Ratio float64 `json:"ratio"`
	Price float64 `json:"price"`
}

// Swing 是腿成型后生成的不可变结构记录。
// 坐标是成型时刻 origin/pivot 的拷贝而非活引用，
// 腿随后失效也不影响已成型的 swing 数据；
// 只有锚定腿被整体移除（stale/pruned）时 swing 才随之删除。
// Status 仅镜像锚定腿的 active/invalidated，不反向控制。
type Swing struct {
	LegID       LegID        `json:"leg_id"`
	Direction   Direction    `json:"direction"`
	OriginPrice float64      `json:"origin_price"`
	OriginIndex int64        `json:"origin_index"`
	PivotPrice  float64      `json:"pivot_price"`
	PivotIndex  int64        `json:"pivot_index"`
	FormedIndex int64        `json:"formed_index"`
	Levels      []SwingLevel `json:"levels"`
	Status      string       `json:"status"`
}

// newSwing 把一条刚成型的腿翻译为 swing 记录（无状态转换）。
func newSwing(leg *Leg, barIndex int64) Swing {
	frame := leg.Frame()
	levels := make([]SwingLevel, 0, len(fibRatios))
	for _, r := range fibRatios {
		levels = append(levels, SwingLevel{Ratio: r, Price: frame.Price(r)})
	}
	return Swing{
		LegID:       leg.ID,
		Direction:   leg.Direction,
		OriginPrice: leg.OriginPrice,
		OriginIndex: leg.OriginIndex,
		PivotPrice:  leg.PivotPrice,
		PivotIndex:  leg.PivotIndex,
		FormedIndex: barIndex,
		Levels:      levels,
		Status:      StatusActive,
	}
}

// Range 返回成型时刻的腿长。
func (s Swing) Range() float64 {
	r := s.PivotPrice - s.OriginPrice
	if r < 0 {
		return -r
	}
	return r
}
