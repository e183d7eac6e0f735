package replay

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"strata/internal/market"
	"strata/internal/structure"
)

// Gap 表示缺失的连续 K 线区间。
type Gap struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// CoverageReport 描述一段 K 线的网格覆盖情况。
type CoverageReport struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	StepMS   int64 `json:"step_ms"`
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r CoverageReport) Complete() bool { return len(r.Gaps) == 0 }

// CheckCoverage 按固定步长走网格，找出序列里缺失的 K 线区间。
// 输入必须已按时间升序排好。
func CheckCoverage(bars []market.Candle, step time.Duration) CoverageReport {
	report := CoverageReport{StepMS: step.Milliseconds()}
	if len(bars) == 0 || report.StepMS <= 0 {
		return report
	}
	report.Start = bars[0].OpenTime
	report.End = bars[len(bars)-1].OpenTime
	report.Expected = (report.End-report.Start)/report.StepMS + 1
	report.Present = int64(len(bars))

	cursor := report.Start
	idx := 0
	for cursor <= report.End {
		if idx < len(bars) && bars[idx].OpenTime == cursor {
			idx++
			cursor += report.StepMS
			continue
		}
		gapStart := cursor
		var missing int64
		for cursor <= report.End {
			if idx < len(bars) && bars[idx].OpenTime == cursor {
				break
			}
			cursor += report.StepMS
			missing++
		}
		gapEnd := cursor - report.StepMS
		if gapEnd < gapStart {
			gapEnd = gapStart
		}
		if missing > 0 {
			report.Gaps = append(report.Gaps, Gap{From: gapStart, To: gapEnd, Count: missing})
		}
	}
	return report
}

// Divergence 记录全量流与续跑流在同一序号上的事件差异。
type Divergence struct {
	Index   int    `json:"index"`
	Full    string `json:"full"`
	Resumed string `json:"resumed"`
}

// DeterminismReport 是断点续跑一致性验证的结果：
// 同一批 K 线先整段跑一遍，再在 checkpoint 处快照/恢复跑一遍，
// 两条事件流与最终快照必须完全一致。
type DeterminismReport struct {
	Bars           int          `json:"bars"`
	Checkpoint     int          `json:"checkpoint"`
	EventsFull     int          `json:"events_full"`
	EventsResumed  int          `json:"events_resumed"`
	Divergences    []Divergence `json:"divergences,omitempty"`
	SnapshotsMatch bool         `json:"snapshots_match"`
}

func (r DeterminismReport) Identical() bool {
	return len(r.Divergences) == 0 && r.EventsFull == r.EventsResumed && r.SnapshotsMatch
}

const maxDivergences = 10

// VerifyDeterminism 在同一批 K 线上对比全量运行与断点续跑。
func VerifyDeterminism(params structure.Params, bars []market.Candle, checkpoint int) (DeterminismReport, error) {
	report := DeterminismReport{Bars: len(bars), Checkpoint: checkpoint}
	if checkpoint <= 0 || checkpoint >= len(bars) {
		return report, fmt.Errorf("replay: checkpoint 必须位于 (0, %d) 区间, 实际 %d", len(bars), checkpoint)
	}

	full, err := structure.New(params)
	if err != nil {
		return report, err
	}
	var fullEvents []structure.Event
	for _, bar := range bars {
		evs, err := full.ProcessBar(bar)
		if err != nil {
			return report, fmt.Errorf("replay: 全量运行失败: %w", err)
		}
		fullEvents = append(fullEvents, evs...)
	}

	head, err := structure.New(params)
	if err != nil {
		return report, err
	}
	var resumedEvents []structure.Event
	for _, bar := range bars[:checkpoint] {
		evs, err := head.ProcessBar(bar)
		if err != nil {
			return report, fmt.Errorf("replay: 前段运行失败: %w", err)
		}
		resumedEvents = append(resumedEvents, evs...)
	}
	tail, err := structure.Restore(head.Snapshot())
	if err != nil {
		return report, fmt.Errorf("replay: 快照恢复失败: %w", err)
	}
	for _, bar := range bars[checkpoint:] {
		evs, err := tail.ProcessBar(bar)
		if err != nil {
			return report, fmt.Errorf("replay: 续跑失败: %w", err)
		}
		resumedEvents = append(resumedEvents, evs...)
	}

	report.EventsFull = len(fullEvents)
	report.EventsResumed = len(resumedEvents)
	n := len(fullEvents)
	if len(resumedEvents) < n {
		n = len(resumedEvents)
	}
	for i := 0; i < n && len(report.Divergences) < maxDivergences; i++ {
		if !reflect.DeepEqual(fullEvents[i], resumedEvents[i]) {
			report.Divergences = append(report.Divergences, Divergence{
				Index:   i,
				Full:    marshalEvent(fullEvents[i]),
				Resumed: marshalEvent(resumedEvents[i]),
			})
		}
	}
	report.SnapshotsMatch = reflect.DeepEqual(full.Snapshot(), tail.Snapshot())
	return report, nil
}

func marshalEvent(ev structure.Event) string {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf("%+v", ev)
	}
	return string(raw)
}
