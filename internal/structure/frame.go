package structure

// Frame 是一套有向比例坐标系：anchor0（被防守的价位）映射为 0，
// anchor1（当前有利极值）映射为 1，对称延伸目标位于 2。
// (anchor1-anchor0) 的符号承载方向，因此多空共用同一套公式，
// 下游所有规则都在比例空间内讨论，不存在任何多空分支。
//
// Frame 是纯值对象：两个锚点在生命周期内不可变，
// pivot 延伸后由调用方重新构造新的 Frame。
type Frame struct {
	Anchor0 float64 `json:"anchor0"`
	Anchor1 float64 `json:"anchor1"`
}

// NewFrame 以防守价位与有利极值构造坐标系。
func NewFrame(anchor0, anchor1 float64) Frame {
	return Frame{Anchor0: anchor0, Anchor1: anchor1}
}

// Span 返回锚点间的有向跨度。
func (f Frame) Span() float64 { return f.Anchor1 - f.Anchor0 }

// Ratio 将价格映射到比例空间。
func (f Frame) Ratio(price float64) float64 {
	return (price - f.Anchor0) / (f.Anchor1 - f.Anchor0)
}

// Price 是 Ratio 的反函数。
func (f Frame) Price(ratio float64) float64 {
	return f.Anchor0 + ratio*(f.Anchor1-f.Anchor0)
}

// Violated 判断价格是否越过防守价位超出容忍度。
func (f Frame) Violated(price, tolerance float64) bool {
	return f.Ratio(price) < -tolerance
}

// Retracement 返回价格相对 anchor1 的回撤比例：
// 位于 anchor1 为 0，回到 anchor0 为 1。
func (f Frame) Retracement(price float64) float64 {
	return 1 - f.Ratio(price)
}
