package structure

import (
	"fmt"
	"math"
)

// DirectionParams 是单方向的全部检测/裁剪参数。
// 多空各持一份，互不影响；字段语义均以比例空间表达（相对腿的 range）。
type DirectionParams struct {
	// FormationThreshold 是成型所需的自 pivot 回撤比例。
	FormationThreshold float64 `json:"formation_threshold" toml:"formation_threshold" yaml:"formation_threshold"`
	// SelfSeparation 为配对时与同向现存腿 origin 的最小间距（占 seed range）。
	SelfSeparation float64 `json:"self_separation" toml:"self_separation" yaml:"self_separation"`
	// ParentSeparation 为与备选父腿 origin 的最小间距（占 seed range）。
	ParentSeparation float64 `json:"parent_separation" toml:"parent_separation" yaml:"parent_separation"`
	// BigSwingPercentile 决定“大级别”判定所用的 range 分位数。
	BigSwingPercentile float64 `json:"big_swing_percentile" toml:"big_swing_percentile" yaml:"big_swing_percentile"`
	// 大级别腿的失效容忍（收盘/影线两套），占 range 比例。
	BigCloseTolerance float64 `json:"big_close_tolerance" toml:"big_close_tolerance" yaml:"big_close_tolerance"`
	BigWickTolerance  float64 `json:"big_wick_tolerance" toml:"big_wick_tolerance" yaml:"big_wick_tolerance"`
	// 大级别下一两层腿的中间容忍。
	NearCloseTolerance float64 `json:"near_close_tolerance" toml:"near_close_tolerance" yaml:"near_close_tolerance"`
	NearWickTolerance  float64 `json:"near_wick_tolerance" toml:"near_wick_tolerance" yaml:"near_wick_tolerance"`
	// EngulfmentThreshold：双向突破中较大者超过该比例即整体移除。
	EngulfmentThreshold float64 `json:"engulfment_threshold" toml:"engulfment_threshold" yaml:"engulfment_threshold"`
	// MaxLegsPerTurn 限制同一转折点上保留的反向腿数量。
	MaxLegsPerTurn int `json:"max_legs_per_turn" toml:"max_legs_per_turn" yaml:"max_legs_per_turn"`
	// ProximityTolerance：同向腿 origin 距离小于较大 range 的该比例时去重。
	ProximityTolerance float64 `json:"proximity_tolerance" toml:"proximity_tolerance" yaml:"proximity_tolerance"`
	// InnerStructure 打开后，完全被更大腿覆盖的腿会被裁剪（默认关闭）。
	InnerStructure bool `json:"inner_structure" toml:"inner_structure" yaml:"inner_structure"`
}

// Params 是检测器的完整配置。方向无关的窗口类参数放在顶层。
type Params struct {
	// Lookback 为摆动点确认所需的后续 K 线数，确认因此滞后 Lookback 根。
	Lookback int `json:"lookback" toml:"lookback" yaml:"lookback"`
	// MaxPairDistance 限制配对时向前回溯的最大 K 线距离。
	MaxPairDistance int `json:"max_pair_distance" toml:"max_pair_distance" yaml:"max_pair_distance"`
	// StaleMultiple：失效腿的有利极值达到创建 range 的该倍数后按陈旧移除。
	StaleMultiple float64 `json:"stale_multiple" toml:"stale_multiple" yaml:"stale_multiple"`
	// NearDepth 为“大级别下方”判定向上回溯的层数。
	NearDepth int `json:"near_depth" toml:"near_depth" yaml:"near_depth"`
	// StrictChecks 打开后每根 K 线处理完都会全量校验森林不变式。
	StrictChecks bool `json:"strict_checks" toml:"strict_checks" yaml:"strict_checks"`

	Bull DirectionParams `json:"bull" toml:"bull" yaml:"bull"`
	Bear DirectionParams `json:"bear" toml:"bear" yaml:"bear"`
}

// DefaultDirectionParams 返回单方向默认参数。
// 阈值属于待实证校准的配置而非常量，默认值取自历史数据上的标定剖面。
func DefaultDirectionParams() DirectionParams {
	return DirectionParams{
		FormationThreshold:  0.382,
		SelfSeparation:      0.1,
		ParentSeparation:    0.1,
		BigSwingPercentile:  0.85,
		BigCloseTolerance:   0.118,
		BigWickTolerance:    0.236,
		NearCloseTolerance:  0.05,
		NearWickTolerance:   0.118,
		EngulfmentThreshold: 0.236,
		MaxLegsPerTurn:      3,
		ProximityTolerance:  0.1,
		InnerStructure:      false,
	}
}

// DefaultParams 返回完整默认配置。
func DefaultParams() Params {
	return Params{
		Lookback:        5,
		MaxPairDistance: 60,
		StaleMultiple:   3.0,
		NearDepth:       2,
		Bull:            DefaultDirectionParams(),
		Bear:            DefaultDirectionParams(),
	}
}

// ByDirection 返回对应方向的参数。
func (p *Params) ByDirection(d Direction) *DirectionParams {
	if d == Bull {
		return &p.Bull
	}
	return &p.Bear
}

// Validate 在处理任何 K 线之前整体拒绝病态配置。
func (p Params) Validate() error {
	if p.Lookback < 1 {
		return fmt.Errorf("lookback 必须 >= 1, 实际 %d", p.Lookback)
	}
	if p.MaxPairDistance <= p.Lookback {
		return fmt.Errorf("max_pair_distance(%d) 必须大于 lookback(%d)", p.MaxPairDistance, p.Lookback)
	}
	if p.StaleMultiple <= 1 {
		return fmt.Errorf("stale_multiple 必须 > 1, 实际 %v", p.StaleMultiple)
	}
	if p.NearDepth < 0 {
		return fmt.Errorf("near_depth 不能为负: %d", p.NearDepth)
	}
	if err := p.Bull.validate(); err != nil {
		return fmt.Errorf("bull: %w", err)
	}
	if err := p.Bear.validate(); err != nil {
		return fmt.Errorf("bear: %w", err)
	}
	return nil
}

func (d DirectionParams) validate() error {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"formation_threshold", d.FormationThreshold, 0, 1},
		{"self_separation", d.SelfSeparation, 0, 1},
		{"parent_separation", d.ParentSeparation, 0, 1},
		{"big_swing_percentile", d.BigSwingPercentile, 0, 1},
		{"big_close_tolerance", d.BigCloseTolerance, 0, 1},
		{"big_wick_tolerance", d.BigWickTolerance, 0, 1},
		{"near_close_tolerance", d.NearCloseTolerance, 0, 1},
		{"near_wick_tolerance", d.NearWickTolerance, 0, 1},
		{"engulfment_threshold", d.EngulfmentThreshold, 0, 1},
		{"proximity_tolerance", d.ProximityTolerance, 0, 1},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return fmt.Errorf("%s 非法: %v", c.name, c.value)
		}
		if c.value < c.min || c.value >= c.max {
			return fmt.Errorf("%s 必须位于 [%v, %v) 区间, 实际 %v", c.name, c.min, c.max, c.value)
		}
	}
	if d.FormationThreshold <= 0 {
		return fmt.Errorf("formation_threshold 必须 > 0, 实际 %v", d.FormationThreshold)
	}
	if d.EngulfmentThreshold <= 0 {
		return fmt.Errorf("engulfment_threshold 必须 > 0, 实际 %v", d.EngulfmentThreshold)
	}
	if d.MaxLegsPerTurn < 1 {
		return fmt.Errorf("max_legs_per_turn 必须 >= 1, 实际 %d", d.MaxLegsPerTurn)
	}
	return nil
}
