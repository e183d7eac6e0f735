package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/internal/gateway/database"
	"strata/internal/logger"
	"strata/internal/market"
	"strata/internal/replay"
	"strata/internal/store"
	"strata/internal/structure"
)

// Options 控制实时引擎的回补与持久化节奏。
type Options struct {
	// HistoryLimit 启动时每个符号回补的 K 线数量。
	HistoryLimit int
	// SnapshotEvery 每处理多少根已收盘 K 线落一次快照；0 表示只在退出时落。
	SnapshotEvery int64
	// Buffer 订阅通道缓冲。
	Buffer int
	// KlineWindow 每个流在 KlineStore 中保留的 K 线数量。
	KlineWindow int
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 500
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.KlineWindow <= 0 {
		o.KlineWindow = 2000
	}
	return o
}

// Resolver 按符号解析生效的检测参数。
type Resolver func(symbol string) (structure.Params, error)

// EngineParams 聚合实时引擎的依赖。
type EngineParams struct {
	Source   market.Source
	Klines   store.KlineStore
	DB       *database.Store // 可为空：不落库
	Hub      *replay.Hub     // 可为空：不推送
	Resolve  Resolver
	Symbols  []string
	Interval string
	Options  Options
}

// symbolState 单个符号的检测进度；只在 Engine 内部持锁访问。
type symbolState struct {
	det       *structure.Detector
	runID     string
	seq       int64
	events    int64
	lastOpen  int64
	sinceSnap int64
}

// Engine 把实时行情流喂给每个符号各自的结构检测器：
// 启动时用历史 K 线回补出热状态，之后只消费已收盘的 K 线，
// 事件持久化到数据库并通过 WS hub 推送给前端。
type Engine struct {
	source   market.Source
	klines   store.KlineStore
	db       *database.Store
	hub      *replay.Hub
	resolve  Resolver
	symbols  []string
	interval string
	opts     Options

	mu     sync.Mutex
	states map[string]*symbolState
}

func NewEngine(p EngineParams) (*Engine, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("live: source 不能为空")
	}
	if p.Resolve == nil {
		return nil, fmt.Errorf("live: 缺少参数解析器")
	}
	if len(p.Symbols) == 0 {
		return nil, fmt.Errorf("live: 符号列表不能为空")
	}
	interval := strings.ToLower(strings.TrimSpace(p.Interval))
	if _, err := market.ParseInterval(interval); err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(p.Symbols))
	seen := make(map[string]struct{}, len(p.Symbols))
	for _, sym := range p.Symbols {
		upper := strings.ToUpper(strings.TrimSpace(sym))
		if upper == "" {
			continue
		}
		if _, dup := seen[upper]; dup {
			continue
		}
		seen[upper] = struct{}{}
		symbols = append(symbols, upper)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("live: 符号列表不能为空")
	}
	klines := p.Klines
	if klines == nil {
		klines = store.NewMemoryKlineStore()
	}
	return &Engine{
		source:   p.Source,
		klines:   klines,
		db:       p.DB,
		hub:      p.Hub,
		resolve:  p.Resolve,
		symbols:  symbols,
		interval: interval,
		opts:     p.Options.withDefaults(),
	}, nil
}

// Run 回补历史、订阅实时流并阻塞处理，直到 ctx 取消或流结束。
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.states != nil {
		e.mu.Unlock()
		return fmt.Errorf("live: 引擎已在运行")
	}
	e.states = make(map[string]*symbolState, len(e.symbols))
	e.mu.Unlock()

	for _, sym := range e.symbols {
		if err := e.warmUp(ctx, sym); err != nil {
			return err
		}
	}

	events, err := e.source.Subscribe(ctx, e.symbols, e.interval, market.SubscribeOptions{
		Buffer: e.opts.Buffer,
		OnConnect: func() {
			logger.Infof("[live] 行情流已连接 symbols=%d interval=%s", len(e.symbols), e.interval)
		},
		OnDisconnect: func(err error) {
			logger.Warnf("[live] 行情流断开: %v", err)
		},
	})
	if err != nil {
		return fmt.Errorf("live: 订阅失败: %w", err)
	}
	logger.Infof("[live] 引擎启动 symbols=%v interval=%s", e.symbols, e.interval)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				// CSV 回放源放完会关闭通道；交易所源则只在 Close 后出现
				logger.Infof("[live] 行情流结束")
				e.shutdown()
				return nil
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// warmUp 用历史 K 线把检测器推进到当前时刻，并建立本次运行的档案。
func (e *Engine) warmUp(ctx context.Context, symbol string) error {
	params, err := e.resolve(symbol)
	if err != nil {
		return fmt.Errorf("live: 解析 %s 参数失败: %w", symbol, err)
	}
	det, err := structure.New(params)
	if err != nil {
		return fmt.Errorf("live: 创建 %s 检测器失败: %w", symbol, err)
	}
	st := &symbolState{det: det}

	history, err := e.source.FetchHistory(ctx, symbol, e.interval, e.opts.HistoryLimit)
	if err != nil {
		logger.Warnf("[live] %s 历史回补失败，从零开始: %v", symbol, err)
		history = nil
	}
	var warmEvents []structure.Event
	for _, bar := range history {
		evs, err := det.ProcessBar(bar)
		if err != nil {
			return fmt.Errorf("live: %s 历史回补中断于 %d: %w", symbol, bar.OpenTime, err)
		}
		warmEvents = append(warmEvents, evs...)
		st.lastOpen = bar.OpenTime
	}
	if len(history) > 0 {
		if err := e.klines.Put(ctx, symbol, e.interval, history, e.opts.KlineWindow); err != nil {
			logger.Warnf("[live] %s 写入K线窗口失败: %v", symbol, err)
		}
	}

	if e.db != nil {
		paramsJSON, _ := json.Marshal(det.Params())
		rec := database.RunRecord{
			RunID:     uuid.New().String(),
			Symbol:    symbol,
			Interval:  e.interval,
			Params:    string(paramsJSON),
			Status:    database.RunStatusRunning,
			StartedAt: time.Now().UnixMilli(),
			Note:      "live",
		}
		if err := e.db.InsertRun(ctx, rec); err != nil {
			logger.Warnf("[live] %s 建立运行档案失败，只做内存检测: %v", symbol, err)
		} else {
			st.runID = rec.RunID
			if next, err := e.db.AppendEvents(ctx, st.runID, st.seq, warmEvents); err != nil {
				logger.Warnf("[live] %s 回补事件落库失败: %v", symbol, err)
			} else {
				st.seq = next
			}
			e.saveSnapshot(ctx, st)
		}
	}
	st.events += int64(len(warmEvents))

	e.mu.Lock()
	e.states[symbol] = st
	e.mu.Unlock()
	logger.Infof("[live] %s 回补完成: %d 根, %d 个事件", symbol, len(history), len(warmEvents))
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, ev market.CandleEvent) {
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return
	}

	// 未收盘的 K 线只刷新窗口，同一 OpenTime 由存储层就地覆盖
	if ev.Candle.OpenTime >= st.lastOpen {
		if err := e.klines.Put(ctx, symbol, e.interval, []market.Candle{ev.Candle}, e.opts.KlineWindow); err != nil {
			logger.Warnf("[live] %s 更新K线窗口失败: %v", symbol, err)
		}
	}
	if !ev.Final {
		return
	}
	// 重连后交易所会重放最近一根，已处理过的直接丢弃
	if ev.Candle.OpenTime <= st.lastOpen {
		return
	}

	evs, err := st.det.ProcessBar(ev.Candle)
	if err != nil {
		logger.Errorf("[live] %s 处理K线失败: %v", symbol, err)
		return
	}
	st.lastOpen = ev.Candle.OpenTime
	st.events += int64(len(evs))

	if e.db != nil && st.runID != "" && len(evs) > 0 {
		if next, err := e.db.AppendEvents(ctx, st.runID, st.seq, evs); err != nil {
			logger.Warnf("[live] %s 事件落库失败: %v", symbol, err)
		} else {
			st.seq = next
		}
	}
	for i := range evs {
		e.publish(symbol, &evs[i])
	}

	st.sinceSnap++
	if e.opts.SnapshotEvery > 0 && st.sinceSnap >= e.opts.SnapshotEvery {
		e.saveSnapshot(ctx, st)
		st.sinceSnap = 0
	}
}

// liveFrame 是推送给前端的实时事件帧。
type liveFrame struct {
	Type     string           `json:"type"`
	Symbol   string           `json:"symbol"`
	Interval string           `json:"interval"`
	Event    *structure.Event `json:"event,omitempty"`
}

func (e *Engine) publish(symbol string, ev *structure.Event) {
	if e.hub == nil {
		return
	}
	data, err := json.Marshal(liveFrame{Type: "live_event", Symbol: symbol, Interval: e.interval, Event: ev})
	if err != nil {
		return
	}
	e.hub.Broadcast(data)
}

func (e *Engine) saveSnapshot(ctx context.Context, st *symbolState) {
	if e.db == nil || st.runID == "" {
		return
	}
	if err := e.db.SaveSnapshot(ctx, st.runID, st.det.Snapshot()); err != nil {
		logger.Warnf("[live] 快照落库失败 run=%s: %v", st.runID, err)
	}
}

// shutdown 收尾：给每个符号落最终快照并把运行档案标记为完成。
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, st := range e.states {
		e.saveSnapshot(ctx, st)
		if e.db != nil && st.runID != "" {
			if err := e.db.FinishRun(ctx, st.runID, database.RunStatusFinished, st.det.BarsProcessed()); err != nil {
				logger.Warnf("[live] %s 关闭运行档案失败: %v", symbol, err)
			}
		}
		logger.Infof("[live] %s 停止: bars=%d events=%d legs=%d swings=%d",
			symbol, st.det.BarsProcessed(), st.events, len(st.det.Legs()), len(st.det.Swings()))
	}
}

// SymbolStatus 是单个符号的运行时概览。
type SymbolStatus struct {
	Symbol       string `json:"symbol"`
	RunID        string `json:"run_id,omitempty"`
	Bars         int64  `json:"bars"`
	Events       int64  `json:"events"`
	LastOpenTime int64  `json:"last_open_time"`
	Legs         int    `json:"legs"`
	Swings       int    `json:"swings"`
}

// Status 返回所有符号的当前进度，按符号排序。
func (e *Engine) Status() []SymbolStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SymbolStatus, 0, len(e.states))
	for symbol, st := range e.states {
		out = append(out, SymbolStatus{
			Symbol:       symbol,
			RunID:        st.runID,
			Bars:         st.det.BarsProcessed(),
			Events:       st.events,
			LastOpenTime: st.lastOpen,
			Legs:         len(st.det.Legs()),
			Swings:       len(st.det.Swings()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
