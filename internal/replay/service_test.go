package replay

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"strata/internal/gateway/database"
	"strata/internal/market"
	"strata/internal/structure"
)

// fakeSource 从内存切片提供历史 K 线，Subscribe 不产生任何事件。
type fakeSource struct {
	bars []market.Candle
}

func (f *fakeSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit >= len(f.bars) {
		return append([]market.Candle{}, f.bars...), nil
	}
	return append([]market.Candle{}, f.bars[len(f.bars)-limit:]...), nil
}

func (f *fakeSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	var out []market.Candle
	for _, b := range f.bars {
		if b.OpenTime >= start && b.OpenTime <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, symbols []string, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	ch := make(chan market.CandleEvent)
	close(ch)
	return ch, nil
}

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }
func (f *fakeSource) Close() error              { return nil }

func testService(t *testing.T, bars []market.Candle, db *database.Store) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Source: &fakeSource{bars: bars},
		DB:     db,
		Resolve: func(symbol string) (structure.Params, error) {
			return testDetectorParams(), nil
		},
		Options: Options{MaxJobs: 2, KlineWindow: 100},
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	return svc
}

func openTestDB(t *testing.T) *database.Store {
	t.Helper()
	db, err := database.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("打开内存库失败: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitJob(t *testing.T, svc *Service, id string, timeout time.Duration) Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, ok := svc.JobSnapshot(id)
		if !ok {
			t.Fatalf("任务 %s 消失", id)
		}
		switch job.Status {
		case JobStatusDone, JobStatusFailed, JobStatusCanceled:
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("任务 %s 超时未结束", id)
	return Job{}
}

func fullRange(bars []market.Candle) (int64, int64) {
	return bars[0].OpenTime, bars[len(bars)-1].OpenTime + 1
}

func TestServiceReplayLifecycle(t *testing.T) {
	bars := genWalk(300, 5)
	svc := testService(t, bars, nil)
	defer svc.Close()

	start, end := fullRange(bars)
	job, err := svc.SubmitReplay(Params{Symbol: "btcusdt", Interval: "1m", Start: start, End: end})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if job.Params.Symbol != "BTCUSDT" || job.Params.Interval != "1m" {
		t.Fatalf("参数未规范化: %+v", job.Params)
	}

	done := waitJob(t, svc, job.ID, 10*time.Second)
	if done.Status != JobStatusDone {
		t.Fatalf("状态应为 done, 实际=%s (%s)", done.Status, done.Message)
	}
	if done.Completed != int64(len(bars)) || done.Total != int64(len(bars)) {
		t.Fatalf("进度不完整: %d/%d", done.Completed, done.Total)
	}
	if done.Events == 0 {
		t.Fatalf("300 根行情应产生结构事件")
	}

	// K 线缓存只保留窗口内最近 100 根
	ks, err := svc.QueryCandles(context.Background(), "BTCUSDT", "1m", 1000)
	if err != nil {
		t.Fatalf("查询K线失败: %v", err)
	}
	if len(ks) != 100 {
		t.Fatalf("缓存窗口应为 100, 实际=%d", len(ks))
	}
	if ks[len(ks)-1].OpenTime != bars[len(bars)-1].OpenTime {
		t.Fatalf("缓存末尾应是最后一根K线")
	}

	view, err := svc.StructureState(job.ID)
	if err != nil {
		t.Fatalf("结构视图失败: %v", err)
	}
	if view.BarsSeen != int64(len(bars)) {
		t.Fatalf("快照应覆盖全部K线, 实际=%d", view.BarsSeen)
	}
	if len(view.Legs) != done.Legs || len(view.Swings) != done.Swings {
		t.Fatalf("视图与任务统计不一致: legs %d/%d swings %d/%d",
			len(view.Legs), done.Legs, len(view.Swings), done.Swings)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := testService(t, genWalk(10, 2), nil)
	defer svc.Close()

	cases := []Params{
		{Symbol: "", Interval: "1m", Start: 1, End: 2},
		{Symbol: "BTCUSDT", Interval: "", Start: 1, End: 2},
		{Symbol: "BTCUSDT", Interval: "xx", Start: 1, End: 2},
		{Symbol: "BTCUSDT", Interval: "1m", Start: 0, End: 2},
		{Symbol: "BTCUSDT", Interval: "1m", Start: 5, End: 5},
		{Symbol: "BTCUSDT", Interval: "1m", Start: 1, End: 2, Speed: -1},
		{Symbol: "BTCUSDT", Interval: "1m", Start: 1, End: 2, SnapshotEvery: -1},
		{Symbol: "BTCUSDT", Interval: "1m", Start: 1, End: 2, ResumeFrom: "r1"}, // 未配置数据库
	}
	for i, p := range cases {
		if _, err := svc.SubmitReplay(p); err == nil {
			t.Fatalf("用例 %d 应被拒绝: %+v", i, p)
		}
	}
}

func TestServiceCancel(t *testing.T) {
	bars := genWalk(200, 9)
	svc := testService(t, bars, nil)
	defer svc.Close()

	start, end := fullRange(bars)
	// 限速让取消有时间生效
	job, err := svc.SubmitReplay(Params{Symbol: "ETHUSDT", Interval: "1m", Start: start, End: end, Speed: 20})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := svc.CancelJob(job.ID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}

	done := waitJob(t, svc, job.ID, 10*time.Second)
	if done.Status != JobStatusCanceled {
		t.Fatalf("状态应为 canceled, 实际=%s", done.Status)
	}
	if done.Completed >= int64(len(bars)) {
		t.Fatalf("取消的任务不应跑完: %d", done.Completed)
	}
	if err := svc.CancelJob(job.ID); err == nil {
		t.Fatalf("重复取消已结束的任务应报错")
	}
}

func TestServiceMaxJobs(t *testing.T) {
	bars := genWalk(100, 4)
	svc := testService(t, bars, nil)
	defer svc.Close()

	start, end := fullRange(bars)
	slow := Params{Symbol: "BTCUSDT", Interval: "1m", Start: start, End: end, Speed: 5}
	if _, err := svc.SubmitReplay(slow); err != nil {
		t.Fatalf("第 1 个任务应被接受: %v", err)
	}
	if _, err := svc.SubmitReplay(slow); err != nil {
		t.Fatalf("第 2 个任务应被接受: %v", err)
	}
	if _, err := svc.SubmitReplay(slow); err == nil {
		t.Fatalf("超过并发上限应被拒绝")
	}
}

func TestServiceResumeFromSnapshot(t *testing.T) {
	bars := genWalk(240, 7)
	db := openTestDB(t)
	svc := testService(t, bars, db)
	defer svc.Close()

	// 第一段：只跑前半
	first, err := svc.SubmitReplay(Params{
		Symbol: "BTCUSDT", Interval: "1m",
		Start: bars[0].OpenTime, End: bars[119].OpenTime + 1,
	})
	if err != nil {
		t.Fatalf("提交前半失败: %v", err)
	}
	done1 := waitJob(t, svc, first.ID, 10*time.Second)
	if done1.Status != JobStatusDone {
		t.Fatalf("前半应完成, 实际=%s (%s)", done1.Status, done1.Message)
	}
	count, err := db.CountEvents(context.Background(), first.RunID)
	if err != nil {
		t.Fatalf("统计事件失败: %v", err)
	}
	if count != done1.Events {
		t.Fatalf("落库事件数 %d 与任务统计 %d 不一致", count, done1.Events)
	}

	// 第二段：从前半的快照续跑整个区间，前半应被跳过
	start, end := fullRange(bars)
	second, err := svc.SubmitReplay(Params{
		Symbol: "BTCUSDT", Interval: "1m",
		Start: start, End: end, ResumeFrom: first.RunID,
	})
	if err != nil {
		t.Fatalf("提交续跑失败: %v", err)
	}
	done2 := waitJob(t, svc, second.ID, 10*time.Second)
	if done2.Status != JobStatusDone {
		t.Fatalf("续跑应完成, 实际=%s (%s)", done2.Status, done2.Message)
	}
	if done2.Completed != 120 {
		t.Fatalf("续跑只应处理后半 120 根, 实际=%d", done2.Completed)
	}
	skippedWarn := false
	for _, w := range done2.Warnings {
		if strings.Contains(w, "跳过") {
			skippedWarn = true
		}
	}
	if !skippedWarn {
		t.Fatalf("续跑应提示跳过了已覆盖的K线: %v", done2.Warnings)
	}

	// 全量重跑：最终结构必须与续跑完全一致
	third, err := svc.SubmitReplay(Params{
		Symbol: "BTCUSDT", Interval: "1m", Start: start, End: end,
	})
	if err != nil {
		t.Fatalf("提交全量失败: %v", err)
	}
	done3 := waitJob(t, svc, third.ID, 10*time.Second)
	if done3.Status != JobStatusDone {
		t.Fatalf("全量应完成, 实际=%s (%s)", done3.Status, done3.Message)
	}

	resumed, err := svc.StructureState(second.ID)
	if err != nil {
		t.Fatalf("续跑结构视图失败: %v", err)
	}
	full, err := svc.StructureState(third.ID)
	if err != nil {
		t.Fatalf("全量结构视图失败: %v", err)
	}
	if resumed.BarsSeen != full.BarsSeen {
		t.Fatalf("K线计数不一致: %d vs %d", resumed.BarsSeen, full.BarsSeen)
	}
	if !reflect.DeepEqual(resumed.Legs, full.Legs) {
		t.Fatalf("续跑与全量的腿不一致")
	}
	if !reflect.DeepEqual(resumed.Swings, full.Swings) {
		t.Fatalf("续跑与全量的摆动不一致")
	}

	runs, err := svc.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询运行记录失败: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("应有 3 条运行记录, 实际=%d", len(runs))
	}
	for _, r := range runs {
		if r.Status != database.RunStatusFinished {
			t.Fatalf("运行 %s 状态应为 finished, 实际=%s", r.RunID, r.Status)
		}
	}
}

func TestServiceAnnotationsAndBars(t *testing.T) {
	bars := genWalk(200, 3)
	db := openTestDB(t)
	svc := testService(t, bars, db)
	defer svc.Close()

	start, end := fullRange(bars)
	job, err := svc.SubmitReplay(Params{Symbol: "btcusdt", Interval: "1m", Start: start, End: end})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	done := waitJob(t, svc, job.ID, 10*time.Second)
	if done.Status != JobStatusDone {
		t.Fatalf("状态应为 done, 实际=%s (%s)", done.Status, done.Message)
	}

	ctx := context.Background()
	stored, err := svc.RunBars(ctx, done.RunID, 0, 1000)
	if err != nil {
		t.Fatalf("查询运行K线失败: %v", err)
	}
	if len(stored) != len(bars) || stored[0].OpenTime != bars[0].OpenTime {
		t.Fatalf("运行K线应完整落库: %d/%d", len(stored), len(bars))
	}

	rec, err := svc.Annotate(ctx, database.AnnotationRecord{RunID: done.RunID, LegID: 1, Body: "底部结构确认"})
	if err != nil {
		t.Fatalf("写标注失败: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("标注应带回自增 id")
	}
	if _, err := svc.Annotate(ctx, database.AnnotationRecord{RunID: "ghost", Body: "孤儿"}); err == nil {
		t.Fatalf("未知运行应拒绝标注")
	}

	items, err := svc.Annotations(ctx, done.RunID, 10)
	if err != nil || len(items) != 1 || items[0].Body != "底部结构确认" {
		t.Fatalf("标注列表不符: err=%v %+v", err, items)
	}
	if err := svc.RemoveAnnotation(ctx, rec.ID); err != nil {
		t.Fatalf("删标注失败: %v", err)
	}
	if items, _ = svc.Annotations(ctx, done.RunID, 10); len(items) != 0 {
		t.Fatalf("删除后应为空: %+v", items)
	}
}

func TestServiceBriefFallsBackToSource(t *testing.T) {
	bars := genWalk(200, 3)
	svc := testService(t, bars, nil)
	defer svc.Close()

	// 缓存为空，应回源拉取最近 limit 根
	brief, err := svc.Brief(context.Background(), " btcusdt ", "1M", 150)
	if err != nil {
		t.Fatalf("背景计算失败: %v", err)
	}
	if brief.Symbol != "BTCUSDT" || brief.Interval != "1m" || brief.Bars != 150 {
		t.Fatalf("背景元信息不符: %+v", brief)
	}
	if brief.Indicators.ATR <= 0 || brief.Indicators.LastClose != bars[len(bars)-1].Close {
		t.Fatalf("指标不符: %+v", brief.Indicators)
	}
	if brief.Derivatives != nil {
		t.Fatalf("非合约数据源不应有衍生品背景")
	}
}
