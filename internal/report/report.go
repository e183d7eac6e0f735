package report

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"strata/internal/structure"
)

// StructureStats 摘录检测器的分布状态：大腿阈值与冲量偏度。
type StructureStats struct {
	BullCutoff   float64                  `json:"bull_cutoff"`
	BullCutoffOK bool                     `json:"bull_cutoff_ok"`
	BearCutoff   float64                  `json:"bear_cutoff"`
	BearCutoffOK bool                     `json:"bear_cutoff_ok"`
	BullImpulse  structure.RunningMoments `json:"bull_impulse"`
	BearImpulse  structure.RunningMoments `json:"bear_impulse"`
}

// Input 是一次文本报表的全部素材。
type Input struct {
	Symbol   string
	Interval string
	RunID    string
	Bars     int64
	Legs     []structure.Leg
	Swings   []structure.Swing
	Events   []structure.Event
	Context  *MarketContext
	Stats    *StructureStats
}

// Render 输出多张对齐文本表：概览、腿、摆动与事件统计。
func Render(input Input) string {
	var b strings.Builder
	b.WriteString(overviewTable(input))
	b.WriteString("\n")
	b.WriteString(legsTable(input.Legs))
	if len(input.Swings) > 0 {
		b.WriteString("\n")
		b.WriteString(swingsTable(input.Swings))
	}
	if len(input.Events) > 0 {
		b.WriteString("\n")
		b.WriteString(eventsTable(input.Events))
	}
	return b.String()
}

// WriteFile 渲染并落盘。
func WriteFile(input Input, path string) error {
	if err := os.WriteFile(path, []byte(Render(input)), 0o644); err != nil {
		return fmt.Errorf("report: 写入失败: %w", err)
	}
	return nil
}

func overviewTable(input Input) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("%s %s 结构概览", input.Symbol, input.Interval)
	tw.AppendRow(table.Row{"K线", input.Bars})
	tw.AppendRow(table.Row{"腿", len(input.Legs)})
	tw.AppendRow(table.Row{"摆动", len(input.Swings)})
	tw.AppendRow(table.Row{"事件", len(input.Events)})
	if input.RunID != "" {
		tw.AppendRow(table.Row{"run", input.RunID})
	}
	if c := input.Context; c != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"close", fmt.Sprintf("%.6g", c.LastClose)})
		tw.AppendRow(table.Row{"ATR", fmt.Sprintf("%.6g", c.ATR)})
		tw.AppendRow(table.Row{"RSI", fmt.Sprintf("%.2f (%s)", c.RSI, c.RSIState)})
		tw.AppendRow(table.Row{"EMA", fmt.Sprintf("%.6g (%s)", c.EMA, c.EMAState)})
		if c.HTFBias != "" {
			tw.AppendRow(table.Row{"HTF", c.HTFBias})
		}
		if c.Flow != nil {
			tw.AppendRow(table.Row{"流向", fmt.Sprintf("%s Δ=%s (%s)",
				c.Flow.Agreement, c.Flow.Delta.StringFixed(2), c.Flow.Exhaustion)})
		}
	}
	if s := input.Stats; s != nil {
		tw.AppendSeparator()
		tw.AppendRow(table.Row{"大腿阈值 bull", cutoffCell(s.BullCutoff, s.BullCutoffOK)})
		tw.AppendRow(table.Row{"大腿阈值 bear", cutoffCell(s.BearCutoff, s.BearCutoffOK)})
		tw.AppendRow(table.Row{"冲量偏度 bull", fmt.Sprintf("%.3f (n=%d)", s.BullImpulse.Skewness(), s.BullImpulse.N)})
		tw.AppendRow(table.Row{"冲量偏度 bear", fmt.Sprintf("%.3f (n=%d)", s.BearImpulse.Skewness(), s.BearImpulse.N)})
	}
	return tw.Render()
}

func cutoffCell(v float64, ok bool) string {
	if !ok {
		return "预热中"
	}
	return fmt.Sprintf("%.6g", v)
}

func legsTable(legs []structure.Leg) string {
	sorted := append([]structure.Leg{}, legs...)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].ID < sorted[k].ID })

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("腿 (%d)", len(sorted))
	tw.AppendHeader(table.Row{"ID", "方向", "状态", "origin", "pivot", "幅度", "父级", "成型", "突破"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "origin", Align: text.AlignRight},
		{Name: "pivot", Align: text.AlignRight},
		{Name: "幅度", Align: text.AlignRight},
	})
	for _, leg := range sorted {
		parent := "-"
		if leg.Parent != 0 {
			parent = fmt.Sprintf("#%d", leg.Parent)
		}
		formed := ""
		if leg.Formed {
			formed = "✓"
		}
		tw.AppendRow(table.Row{
			leg.ID,
			leg.Direction,
			leg.Status,
			fmt.Sprintf("%.6g @%d", leg.OriginPrice, leg.OriginIndex),
			fmt.Sprintf("%.6g @%d", leg.PivotPrice, leg.PivotIndex),
			fmt.Sprintf("%.6g", leg.Range()),
			parent,
			formed,
			breachCell(leg),
		})
	}
	return tw.Render()
}

func breachCell(leg structure.Leg) string {
	parts := make([]string, 0, 2)
	if leg.OriginBreached {
		parts = append(parts, fmt.Sprintf("origin %.4f", leg.MaxOriginBreach))
	}
	if leg.PivotBreached {
		parts = append(parts, fmt.Sprintf("pivot %.4f", leg.MaxPivotBreach))
	}
	return strings.Join(parts, " ")
}

func swingsTable(swings []structure.Swing) string {
	sorted := append([]structure.Swing{}, swings...)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].FormedIndex < sorted[k].FormedIndex })

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("摆动 (%d)", len(sorted))
	tw.AppendHeader(table.Row{"腿", "方向", "状态", "origin", "pivot", "目标(2.0)", "成型于"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "origin", Align: text.AlignRight},
		{Name: "pivot", Align: text.AlignRight},
		{Name: "目标(2.0)", Align: text.AlignRight},
	})
	for _, sw := range sorted {
		target := "-"
		for _, lv := range sw.Levels {
			if lv.Ratio == 2.0 {
				target = fmt.Sprintf("%.6g", lv.Price)
			}
		}
		tw.AppendRow(table.Row{
			fmt.Sprintf("#%d", sw.LegID),
			sw.Direction,
			sw.Status,
			fmt.Sprintf("%.6g", sw.OriginPrice),
			fmt.Sprintf("%.6g", sw.PivotPrice),
			target,
			sw.FormedIndex,
		})
	}
	return tw.Render()
}

func eventsTable(events []structure.Event) string {
	counts := make(map[structure.EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	types := make([]string, 0, len(counts))
	for ty := range counts {
		types = append(types, string(ty))
	}
	sort.Strings(types)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("事件 (%d)", len(events))
	tw.AppendHeader(table.Row{"类型", "次数"})
	for _, ty := range types {
		tw.AppendRow(table.Row{ty, counts[structure.EventType(ty)]})
	}
	return tw.Render()
}
