package csvdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"strata/internal/logger"
	"strata/internal/market"
)

// Source 从本地 CSV 目录提供 K 线，实现 market.Source。
// 文件名约定 <symbol>_<interval>.csv，symbol 大小写均可。
// 离线标定与无网环境跑守护进程时用它替换交易所网关。
type Source struct {
	dir string

	mu     sync.Mutex
	cache  map[string][]market.Candle
	stats  market.SourceStats
	closed bool
}

func New(dir string) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("csvdir: 目录不可用 %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("csvdir: %s 不是目录", dir)
	}
	return &Source{dir: dir, cache: make(map[string][]market.Candle)}, nil
}

// load 读取并缓存一个流的全部 K 线。文件内容在进程生命周期内视为不变。
func (s *Source) load(symbol, interval string) ([]market.Candle, error) {
	symbol, interval, err := normalizeStream(symbol, interval)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(symbol) + "_" + interval

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	candidates := []string{
		filepath.Join(s.dir, key+".csv"),
		filepath.Join(s.dir, symbol+"_"+interval+".csv"),
	}
	var path string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		return nil, fmt.Errorf("csvdir: 找不到 %s %s 的数据文件（尝试 %s）", symbol, interval, candidates[0])
	}
	candles, err := market.LoadCSV(path)
	if err != nil {
		s.mu.Lock()
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		return nil, fmt.Errorf("csvdir: 读取 %s 失败: %w", path, err)
	}
	logger.Debugf("[csvdir] 加载 %s: %d 根", filepath.Base(path), len(candles))

	s.mu.Lock()
	s.cache[key] = candles
	s.mu.Unlock()
	return candles, nil
}

// FetchHistory 返回文件末尾的 limit 根 K 线。
func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	candles, err := s.load(symbol, interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > len(candles) {
		limit = len(candles)
	}
	out := make([]market.Candle, limit)
	copy(out, candles[len(candles)-limit:])
	return out, nil
}

// FetchRange 返回 [start, end] 毫秒区间内的 K 线。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("csvdir: 区间非法 [%d, %d]", start, end)
	}
	candles, err := s.load(symbol, interval)
	if err != nil {
		return nil, err
	}
	lo := sort.Search(len(candles), func(i int) bool { return candles[i].OpenTime >= start })
	hi := sort.Search(len(candles), func(i int) bool { return candles[i].OpenTime > end })
	out := make([]market.Candle, hi-lo)
	copy(out, candles[lo:hi])
	return out, nil
}

// Subscribe 把文件内容按时间顺序整体回放成已收盘事件，放完即关闭通道。
// 多个 symbol 时按 OpenTime 归并，同一时刻按 symbol 字典序，保证顺序确定。
func (s *Source) Subscribe(ctx context.Context, symbols []string, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("csvdir: source 已关闭")
	}
	s.mu.Unlock()
	if len(symbols) == 0 {
		return nil, fmt.Errorf("csvdir: 订阅符号不能为空")
	}

	type stream struct {
		symbol  string
		candles []market.Candle
		next    int
	}
	streams := make([]*stream, 0, len(symbols))
	for _, sym := range symbols {
		candles, err := s.load(sym, interval)
		if err != nil {
			return nil, err
		}
		streams = append(streams, &stream{symbol: strings.ToUpper(strings.TrimSpace(sym)), candles: candles})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].symbol < streams[j].symbol })

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)
	interval = strings.ToLower(strings.TrimSpace(interval))

	go func() {
		defer close(out)
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		for {
			pick := -1
			for i, st := range streams {
				if st.next >= len(st.candles) {
					continue
				}
				if pick < 0 || st.candles[st.next].OpenTime < streams[pick].candles[streams[pick].next].OpenTime {
					pick = i
				}
			}
			if pick < 0 {
				return
			}
			st := streams[pick]
			ev := market.CandleEvent{
				Symbol:   st.symbol,
				Interval: interval,
				Candle:   st.candles[st.next],
				Final:    true,
			}
			st.next++
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cache = make(map[string][]market.Candle)
	return nil
}

func normalizeStream(symbol, interval string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", "", fmt.Errorf("csvdir: symbol 不能为空")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return "", "", fmt.Errorf("csvdir: interval 不能为空")
	}
	return symbol, interval, nil
}
