package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"strata/internal/market"
)

// KlineStore 抽象：按 symbol+interval 维护一段连续的已收盘 K 线窗口。
// 写入方是行情网关，读取方是回放服务与报表。
type KlineStore interface {
	Put(ctx context.Context, symbol, interval string, ks []market.Candle, max int) error
	Get(ctx context.Context, symbol, interval string) ([]market.Candle, error)
}

// SnapshotExporter 导出最近 limit 根 K 线（升序）的抽象。
type SnapshotExporter interface {
	Export(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
}

// ErrEmptyStream 表示 symbol 或 interval 为空。
var ErrEmptyStream = errors.New("store: symbol/interval 不能为空")

func streamKey(symbol, interval string) string { return symbol + "@" + interval }

// MemoryKlineStore 内存实现，适合单进程运行与测试。
type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]market.Candle
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]market.Candle)}
}

// Put 追加并按 max 裁剪。与末尾 OpenTime 相同的 K 线视为同一根的
// 增量更新，就地覆盖；时间早于末尾的 K 线直接拒绝。
func (s *MemoryKlineStore) Put(ctx context.Context, symbol, interval string, ks []market.Candle, max int) error {
	if symbol == "" || interval == "" {
		return ErrEmptyStream
	}
	if len(ks) == 0 {
		return nil
	}
	if err := market.CheckOrdered(ks); err != nil {
		return fmt.Errorf("store: 写入批次无序: %w", err)
	}
	if max <= 0 {
		max = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey(symbol, interval)
	cur := s.data[k]
	for _, candle := range ks {
		n := len(cur)
		if n > 0 {
			last := cur[n-1].OpenTime
			if candle.OpenTime == last {
				cur[n-1] = candle
				continue
			}
			if candle.OpenTime < last {
				return fmt.Errorf("store: %s 回退写入: %d < %d", k, candle.OpenTime, last)
			}
		}
		cur = append(cur, candle)
	}
	if len(cur) > max {
		cur = cur[len(cur)-max:]
	}
	s.data[k] = cur
	return nil
}

// Set 全量替换指定流的序列。
func (s *MemoryKlineStore) Set(ctx context.Context, symbol, interval string, ks []market.Candle) error {
	if symbol == "" || interval == "" {
		return ErrEmptyStream
	}
	if err := market.CheckOrdered(ks); err != nil {
		return fmt.Errorf("store: 替换批次无序: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := make([]market.Candle, len(ks))
	copy(dst, ks)
	s.data[streamKey(symbol, interval)] = dst
	return nil
}

// Get 返回整个窗口的拷贝。
func (s *MemoryKlineStore) Get(ctx context.Context, symbol, interval string) ([]market.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[streamKey(symbol, interval)]
	out := make([]market.Candle, len(cur))
	copy(out, cur)
	return out, nil
}

// Export 返回最近 limit 根 K 线（升序拷贝）。
func (s *MemoryKlineStore) Export(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if symbol == "" || interval == "" {
		return nil, ErrEmptyStream
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[streamKey(symbol, interval)]
	if len(cur) == 0 {
		return nil, nil
	}
	if limit > len(cur) {
		limit = len(cur)
	}
	out := make([]market.Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out, nil
}
