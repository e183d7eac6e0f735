package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"strata/internal/chart"
	"strata/internal/gateway/database"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/report"
	"strata/internal/store"
	"strata/internal/structure"
)

// Options 控制回放服务的并发与缓冲。
type Options struct {
	// MaxJobs 同时运行的回放任务上限。
	MaxJobs int
	// EventBuffer WS 广播队列长度。
	EventBuffer int
	// KlineWindow 每条流在内存缓存里保留的 K 线数量。
	KlineWindow int
}

func (o Options) withDefaults() Options {
	if o.MaxJobs <= 0 {
		o.MaxJobs = 4
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.KlineWindow <= 0 {
		o.KlineWindow = 2000
	}
	return o
}

// ParamsResolver 返回某个交易对生效的检测参数（含 profile 覆盖）。
type ParamsResolver func(symbol string) (structure.Params, error)

// Service 管理回放任务：拉取历史 K 线，逐根喂给检测器，
// 把事件写入数据库并通过 WS 推送给前端。
type Service struct {
	source  market.Source
	klines  store.KlineStore
	db      *database.Store
	hub     *Hub
	resolve ParamsResolver
	opts    Options

	group *errgroup.Group

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	states  map[string]structure.Snapshot
}

type ServiceParams struct {
	Source  market.Source
	Klines  store.KlineStore
	DB      *database.Store // 可为空：不落库，仅内存回放
	Hub     *Hub
	Resolve ParamsResolver
	Options Options
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Source == nil {
		return nil, errors.New("replay: source 不能为空")
	}
	if p.Resolve == nil {
		return nil, errors.New("replay: 参数解析函数不能为空")
	}
	opts := p.Options.withDefaults()
	if p.Klines == nil {
		p.Klines = store.NewMemoryKlineStore()
	}
	if p.Hub == nil {
		p.Hub = NewHub(opts.EventBuffer)
	}
	group := &errgroup.Group{}
	group.SetLimit(opts.MaxJobs)
	return &Service{
		source:  p.Source,
		klines:  p.Klines,
		db:      p.DB,
		hub:     p.Hub,
		resolve: p.Resolve,
		opts:    opts,
		group:   group,
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		states:  make(map[string]structure.Snapshot),
	}, nil
}

// Hub 返回广播中心，HTTP 层用它挂 WS 路由。
func (s *Service) Hub() *Hub { return s.hub }

// SubmitReplay 校验参数并启动一个回放任务；并发超限时直接拒绝。
func (s *Service) SubmitReplay(params Params) (Job, error) {
	params.Symbol = strings.ToUpper(strings.TrimSpace(params.Symbol))
	params.Interval = strings.ToLower(strings.TrimSpace(params.Interval))
	if params.Symbol == "" || params.Interval == "" {
		return Job{}, errors.New("replay: symbol/interval 不能为空")
	}
	if _, err := market.ParseInterval(params.Interval); err != nil {
		return Job{}, err
	}
	if params.Start <= 0 || params.End <= params.Start {
		return Job{}, fmt.Errorf("replay: 时间区间非法 start=%d end=%d", params.Start, params.End)
	}
	if params.Speed < 0 {
		return Job{}, errors.New("replay: speed 不能为负")
	}
	if params.SnapshotEvery < 0 {
		return Job{}, errors.New("replay: snapshot_every 不能为负")
	}
	if params.ResumeFrom != "" && s.db == nil {
		return Job{}, errors.New("replay: 未配置数据库，无法断点续跑")
	}
	detParams, err := s.resolve(params.Symbol)
	if err != nil {
		return Job{}, fmt.Errorf("replay: 解析 %s 检测参数失败: %w", params.Symbol, err)
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		RunID:     uuid.New().String(),
		Status:    JobStatusPending,
		Params:    params,
		StartedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	started := s.group.TryGo(func() error {
		s.run(ctx, job.ID, detParams)
		return nil
	})
	if !started {
		cancel()
		s.mu.Lock()
		delete(s.jobs, job.ID)
		delete(s.cancels, job.ID)
		s.mu.Unlock()
		return Job{}, fmt.Errorf("replay: 并发任务已达上限 %d", s.opts.MaxJobs)
	}

	s.mu.Lock()
	out := job.copy()
	s.mu.Unlock()
	return out, nil
}

func (s *Service) run(ctx context.Context, id string, detParams structure.Params) {
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
	}()

	var p Params
	var runID string
	s.update(id, func(j *Job) {
		j.Status = JobStatusRunning
		p = j.Params
		runID = j.RunID
	})
	s.publishJob(id)
	logger.Infof("[replay] 任务启动 id=%s %s %s [%d, %d)", id, p.Symbol, p.Interval, p.Start, p.End)

	det, lastOpen, err := s.buildDetector(ctx, p, detParams)
	if err != nil {
		s.fail(id, "", 0, err)
		return
	}

	bars, err := s.source.FetchRange(ctx, p.Symbol, p.Interval, p.Start, p.End)
	if err != nil {
		s.fail(id, "", 0, fmt.Errorf("拉取历史K线失败: %w", err))
		return
	}
	if len(bars) == 0 {
		s.fail(id, "", 0, errors.New("区间内没有已收盘的K线"))
		return
	}

	step, _ := market.ParseInterval(p.Interval)
	if report := CheckCoverage(bars, step); !report.Complete() {
		var missing int64
		for _, g := range report.Gaps {
			missing += g.Count
		}
		warn := fmt.Sprintf("K线覆盖不完整: 缺 %d 根, 共 %d 段", missing, len(report.Gaps))
		logger.Warnf("[replay] %s %s %s", id, p.Symbol, warn)
		s.update(id, func(j *Job) { j.Warnings = append(j.Warnings, warn) })
	}

	// 续跑时跳过快照已经覆盖的 K 线。
	if lastOpen > 0 {
		skipped := 0
		for len(bars) > 0 && bars[0].OpenTime <= lastOpen {
			bars = bars[1:]
			skipped++
		}
		if skipped > 0 {
			s.update(id, func(j *Job) {
				j.Warnings = append(j.Warnings, fmt.Sprintf("跳过快照已覆盖的 %d 根K线", skipped))
			})
		}
		if len(bars) == 0 {
			s.finish(id, "", det, 0)
			return
		}
	}

	total := int64(len(bars))
	s.update(id, func(j *Job) { j.Total = total })

	if s.db != nil {
		raw, _ := json.Marshal(det.Params())
		rec := database.RunRecord{
			RunID:     runID,
			Symbol:    p.Symbol,
			Interval:  p.Interval,
			Params:    string(raw),
			StartedAt: time.Now().UnixMilli(),
		}
		if p.ResumeFrom != "" {
			rec.Note = "resume_from=" + p.ResumeFrom
		}
		if err := s.db.InsertRun(ctx, rec); err != nil {
			s.fail(id, "", 0, err)
			return
		}
		if err := s.db.SaveBars(ctx, runID, bars); err != nil {
			logger.Warnf("[replay] 落库K线失败: %v", err)
		}
	} else {
		runID = ""
	}

	var ticker *time.Ticker
	if p.Speed > 0 {
		ticker = time.NewTicker(time.Duration(float64(time.Second) / p.Speed))
		defer ticker.Stop()
	}

	var seq, processed int64
	for _, bar := range bars {
		if ticker != nil {
			select {
			case <-ctx.Done():
				s.markCanceled(id, runID, det, processed)
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			s.markCanceled(id, runID, det, processed)
			return
		}

		events, err := det.ProcessBar(bar)
		if err != nil {
			s.fail(id, runID, processed, fmt.Errorf("第 %d 根K线处理失败: %w", processed+1, err))
			return
		}
		if err := s.klines.Put(ctx, p.Symbol, p.Interval, []market.Candle{bar}, s.opts.KlineWindow); err != nil {
			logger.Warnf("[replay] 写入K线缓存失败: %v", err)
		}
		processed++

		if len(events) > 0 {
			if s.db != nil {
				next, err := s.db.AppendEvents(ctx, runID, seq, events)
				if err != nil {
					s.fail(id, runID, processed, err)
					return
				}
				seq = next
			} else {
				seq += int64(len(events))
			}
			for i := range events {
				s.publish(wsFrame{Type: "event", JobID: id, RunID: runID, Event: &events[i]})
			}
		}

		s.update(id, func(j *Job) {
			j.Completed = processed
			j.Events = seq
		})
		if processed%200 == 0 {
			s.publishJob(id)
		}
		if p.SnapshotEvery > 0 && processed%p.SnapshotEvery == 0 {
			s.saveSnapshot(ctx, id, runID, det)
		}
	}
	s.finish(id, runID, det, processed)
}

// buildDetector 新建检测器；ResumeFrom 非空时改为从历史快照恢复。
// 第二个返回值是快照覆盖到的最后一根 K 线开盘时间，0 表示全新运行。
func (s *Service) buildDetector(ctx context.Context, p Params, detParams structure.Params) (*structure.Detector, int64, error) {
	if p.ResumeFrom == "" {
		det, err := structure.New(detParams)
		if err != nil {
			return nil, 0, err
		}
		return det, 0, nil
	}
	snap, ok, err := s.db.LoadLatestSnapshot(ctx, p.ResumeFrom)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("运行 %s 没有可用快照", p.ResumeFrom)
	}
	det, err := structure.Restore(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("恢复快照失败: %w", err)
	}
	return det, snap.LastOpenTime, nil
}

func (s *Service) update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = time.Now()
	}
}

func (s *Service) fail(id, runID string, bars int64, err error) {
	logger.Errorf("[replay] 任务失败 id=%s: %v", id, err)
	s.update(id, func(j *Job) {
		j.Status = JobStatusFailed
		j.Completed = bars
		j.Message = err.Error()
	})
	s.finishRun(runID, database.RunStatusFailed, bars)
	s.publishJob(id)
}

func (s *Service) finish(id, runID string, det *structure.Detector, processed int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.saveSnapshot(ctx, id, runID, det)

	legs := det.Legs()
	swings := det.Swings()
	s.update(id, func(j *Job) {
		j.Status = JobStatusDone
		j.Completed = processed
		j.Legs = len(legs)
		j.Swings = len(swings)
	})
	s.finishRun(runID, database.RunStatusFinished, processed)
	s.publishJob(id)
	logger.Infof("[replay] 任务完成 id=%s bars=%d legs=%d swings=%d", id, processed, len(legs), len(swings))
}

func (s *Service) markCanceled(id, runID string, det *structure.Detector, processed int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.saveSnapshot(ctx, id, runID, det)

	s.update(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.Completed = processed
		j.Message = "任务被取消"
	})
	s.finishRun(runID, database.RunStatusCanceled, processed)
	s.publishJob(id)
	logger.Infof("[replay] 任务取消 id=%s bars=%d", id, processed)
}

// finishRun 收尾写运行记录；runID 为空表示尚未登记，直接跳过。
func (s *Service) finishRun(runID, status string, bars int64) {
	if s.db == nil || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.FinishRun(ctx, runID, status, bars); err != nil {
		logger.Warnf("[replay] 更新运行记录失败 run=%s: %v", runID, err)
	}
}

func (s *Service) saveSnapshot(ctx context.Context, id, runID string, det *structure.Detector) {
	snap := det.Snapshot()
	s.mu.Lock()
	s.states[id] = snap
	s.mu.Unlock()
	if s.db == nil || runID == "" {
		return
	}
	if err := s.db.SaveSnapshot(ctx, runID, snap); err != nil {
		logger.Warnf("[replay] 保存快照失败 run=%s: %v", runID, err)
	}
}

type wsFrame struct {
	Type  string           `json:"type"`
	JobID string           `json:"job_id,omitempty"`
	RunID string           `json:"run_id,omitempty"`
	Event *structure.Event `json:"event,omitempty"`
	Job   *Job             `json:"job,omitempty"`
}

func (s *Service) publish(frame wsFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.hub.Broadcast(raw)
}

func (s *Service) publishJob(id string) {
	job, ok := s.JobSnapshot(id)
	if !ok {
		return
	}
	s.publish(wsFrame{Type: "job", JobID: job.ID, Job: &job})
}

// JobSnapshot 返回单个任务的拷贝。
func (s *Service) JobSnapshot(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.copy(), true
}

// JobsSnapshot 按启动时间倒序返回所有任务的拷贝。
func (s *Service) JobsSnapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.copy())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	return out
}

// CancelJob 取消一个仍在运行的任务。
func (s *Service) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("replay: 任务 %s 不存在", id)
	}
	switch j.Status {
	case JobStatusPending, JobStatusRunning:
	default:
		return fmt.Errorf("replay: 任务 %s 已结束", id)
	}
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	return nil
}

// StructureView 是某个任务当前结构状态的物化视图。
type StructureView struct {
	JobID    string            `json:"job_id"`
	RunID    string            `json:"run_id,omitempty"`
	BarsSeen int64             `json:"bars_seen"`
	Legs     []structure.Leg   `json:"legs"`
	Swings   []structure.Swing `json:"swings"`
}

// StructureState 从任务的最新快照重建结构视图。
func (s *Service) StructureState(id string) (StructureView, error) {
	s.mu.Lock()
	snap, ok := s.states[id]
	var runID string
	if j, jok := s.jobs[id]; jok {
		runID = j.RunID
	}
	s.mu.Unlock()
	if !ok {
		return StructureView{}, fmt.Errorf("replay: 任务 %s 还没有快照", id)
	}
	det, err := structure.Restore(snap)
	if err != nil {
		return StructureView{}, err
	}
	return StructureView{
		JobID:    id,
		RunID:    runID,
		BarsSeen: det.BarsProcessed(),
		Legs:     det.Legs(),
		Swings:   det.Swings(),
	}, nil
}

// ChartHTML 把任务消费过的 K 线与当前结构渲染成独立 HTML 写入 w。
// 优先读落库的运行K线（覆盖全程），没有数据库时退回内存窗口，
// 窗口之外的腿在渲染阶段被跳过。
func (s *Service) ChartHTML(ctx context.Context, w io.Writer, id string) error {
	view, err := s.StructureState(id)
	if err != nil {
		return err
	}
	job, ok := s.JobSnapshot(id)
	if !ok {
		return fmt.Errorf("replay: 任务 %s 不存在", id)
	}

	var bars []market.Candle
	if s.db != nil && job.RunID != "" && job.Total > 0 {
		got, err := s.db.ListBars(ctx, job.RunID, 0, int(job.Total))
		if err != nil {
			logger.Warnf("[replay] 读取运行K线失败，退回缓存窗口: %v", err)
		} else {
			bars = got
		}
	}
	if len(bars) == 0 {
		if bars, err = s.QueryCandles(ctx, job.Params.Symbol, job.Params.Interval, s.opts.KlineWindow); err != nil {
			return fmt.Errorf("replay: 读取K线失败: %w", err)
		}
	}
	if len(bars) == 0 {
		return fmt.Errorf("replay: 任务 %s 没有可渲染的K线", id)
	}

	renderer := chart.NewRenderer(chart.Options{})
	return renderer.RenderTo(w, chart.Input{
		Symbol:    job.Params.Symbol,
		Interval:  job.Params.Interval,
		Bars:      bars,
		BaseIndex: view.BarsSeen - int64(len(bars)),
		Legs:      view.Legs,
		Swings:    view.Swings,
	})
}

// QueryCandles 返回缓存里最近 limit 根 K 线。
func (s *Service) QueryCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.ToLower(strings.TrimSpace(interval))
	if limit <= 0 {
		limit = 500
	}
	if exporter, ok := s.klines.(store.SnapshotExporter); ok {
		return exporter.Export(ctx, symbol, interval, limit)
	}
	ks, err := s.klines.Get(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}
	if len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return ks, nil
}

// EventsPage 分页读取某次运行已落库的事件。
func (s *Service) EventsPage(ctx context.Context, runID string, fromSeq int64, limit int) ([]database.EventRecord, error) {
	if s.db == nil {
		return nil, errors.New("replay: 未配置数据库")
	}
	return s.db.ListEvents(ctx, runID, fromSeq, limit)
}

// Runs 列出最近的运行记录。
func (s *Service) Runs(ctx context.Context, limit int) ([]database.RunRecord, error) {
	if s.db == nil {
		return nil, errors.New("replay: 未配置数据库")
	}
	return s.db.ListRuns(ctx, limit)
}

// RunBars 返回某次运行落库的 K 线，供前端重绘历史图。
func (s *Service) RunBars(ctx context.Context, runID string, fromOpenTime int64, limit int) ([]market.Candle, error) {
	if s.db == nil {
		return nil, errors.New("replay: 未配置数据库")
	}
	return s.db.ListBars(ctx, runID, fromOpenTime, limit)
}

// Annotate 在某次运行上挂一条人工标注。
func (s *Service) Annotate(ctx context.Context, rec database.AnnotationRecord) (database.AnnotationRecord, error) {
	if s.db == nil {
		return database.AnnotationRecord{}, errors.New("replay: 未配置数据库")
	}
	run, err := s.db.GetRun(ctx, rec.RunID)
	if err != nil {
		return database.AnnotationRecord{}, err
	}
	if run == nil {
		return database.AnnotationRecord{}, fmt.Errorf("replay: 运行 %s 不存在", rec.RunID)
	}
	id, err := s.db.InsertAnnotation(ctx, rec)
	if err != nil {
		return database.AnnotationRecord{}, err
	}
	rec.ID = id
	logger.Debugf("[replay] 新增标注 run=%s leg=%d id=%d", rec.RunID, rec.LegID, id)
	return rec, nil
}

// Annotations 按创建顺序列出某次运行的标注。
func (s *Service) Annotations(ctx context.Context, runID string, limit int) ([]database.AnnotationRecord, error) {
	if s.db == nil {
		return nil, errors.New("replay: 未配置数据库")
	}
	return s.db.ListAnnotations(ctx, runID, limit)
}

// RemoveAnnotation 删除一条标注。
func (s *Service) RemoveAnnotation(ctx context.Context, id int64) error {
	if s.db == nil {
		return errors.New("replay: 未配置数据库")
	}
	return s.db.DeleteAnnotation(ctx, id)
}

// MarketBrief 汇总一条流当前的行情背景：技术指标，
// 数据源支持合约衍生品时再附带资金费率与持仓量走向。
type MarketBrief struct {
	Symbol      string                     `json:"symbol"`
	Interval    string                     `json:"interval"`
	Bars        int                        `json:"bars"`
	Indicators  report.MarketContext       `json:"indicators"`
	Derivatives *report.DerivativesContext `json:"derivatives,omitempty"`
}

// Brief 计算 symbol/interval 当前的行情背景。缓存为空时回源拉取。
func (s *Service) Brief(ctx context.Context, symbol, interval string, limit int) (MarketBrief, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.ToLower(strings.TrimSpace(interval))
	if limit <= 0 {
		limit = 200
	}
	candles, err := s.QueryCandles(ctx, symbol, interval, limit)
	if err != nil || len(candles) == 0 {
		candles, err = s.source.FetchHistory(ctx, symbol, interval, limit)
		if err != nil {
			return MarketBrief{}, fmt.Errorf("replay: 拉取K线失败: %w", err)
		}
	}
	ind, err := report.ComputeContext(candles, report.Settings{})
	if err != nil {
		return MarketBrief{}, err
	}
	brief := MarketBrief{Symbol: symbol, Interval: interval, Bars: len(candles), Indicators: ind}
	if ds, ok := s.source.(market.DerivativesSource); ok {
		if d, err := report.ComputeDerivatives(ctx, ds, symbol, "1h", 30); err != nil {
			logger.Warnf("[replay] 衍生品背景获取失败: %v", err)
		} else {
			brief.Derivatives = &d
		}
	}
	return brief, nil
}

// VerifyParams 描述一次断点一致性验证请求。
type VerifyParams struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Checkpoint int    `json:"checkpoint,omitempty"` // 0 表示取区间中点
}

// Verify 拉取区间 K 线，对比全量运行与断点续跑的事件流。
func (s *Service) Verify(ctx context.Context, p VerifyParams) (DeterminismReport, error) {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.Interval = strings.ToLower(strings.TrimSpace(p.Interval))
	if p.Symbol == "" || p.Interval == "" {
		return DeterminismReport{}, errors.New("replay: symbol/interval 不能为空")
	}
	detParams, err := s.resolve(p.Symbol)
	if err != nil {
		return DeterminismReport{}, err
	}
	bars, err := s.source.FetchRange(ctx, p.Symbol, p.Interval, p.Start, p.End)
	if err != nil {
		return DeterminismReport{}, err
	}
	if len(bars) < 2 {
		return DeterminismReport{}, fmt.Errorf("replay: 区间内仅 %d 根K线，无法验证", len(bars))
	}
	checkpoint := p.Checkpoint
	if checkpoint <= 0 {
		checkpoint = len(bars) / 2
	}
	return VerifyDeterminism(detParams, bars, checkpoint)
}

// Close 取消所有任务并等待退出。
func (s *Service) Close() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	_ = s.group.Wait()
}
