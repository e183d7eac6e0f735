package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"strata/internal/logger"
	"strata/internal/market"
)

// RedisOptions Redis 连接与键空间配置。
type RedisOptions struct {
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	Prefix   string        `json:"prefix"`
	TTL      time.Duration `json:"ttl"`
}

// DialRedis 建立连接并 Ping 校验，失败时关闭客户端。
func DialRedis(ctx context.Context, opt RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis 连接失败 %s: %w", opt.Addr, err)
	}
	logger.Infof("[store] redis 已连接 addr=%s db=%d", opt.Addr, opt.DB)
	return client, nil
}

// RedisKlineStore 把每个流存为一个 sorted set：score 取 OpenTime，
// member 为 JSON 序列化的 K 线。多进程共享同一窗口时用它替换内存实现。
type RedisKlineStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisKlineStore(client *redis.Client, opt RedisOptions) *RedisKlineStore {
	prefix := opt.Prefix
	if prefix == "" {
		prefix = "strata:"
	}
	return &RedisKlineStore{client: client, prefix: prefix, ttl: opt.TTL}
}

func (s *RedisKlineStore) key(symbol, interval string) string {
	return s.prefix + "kline:" + streamKey(symbol, interval)
}

// Put 写入一批 K 线并裁剪窗口。同 OpenTime 的成员先按 score 删除
// 再写入，保证增量更新覆盖而不是累积重复成员。
func (s *RedisKlineStore) Put(ctx context.Context, symbol, interval string, ks []market.Candle, max int) error {
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
	k := s.key(symbol, interval)
	pipe := s.client.TxPipeline()
	for _, candle := range ks {
		raw, err := json.Marshal(candle)
		if err != nil {
			return fmt.Errorf("store: 序列化 K 线失败: %w", err)
		}
		score := strconv.FormatInt(candle.OpenTime, 10)
		pipe.ZRemRangeByScore(ctx, k, score, score)
		pipe.ZAdd(ctx, k, &redis.Z{Score: float64(candle.OpenTime), Member: raw})
	}
	pipe.ZRemRangeByRank(ctx, k, 0, int64(-(max + 1)))
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis 写入 %s 失败: %w", k, err)
	}
	return nil
}

// Set 全量替换指定流。
func (s *RedisKlineStore) Set(ctx context.Context, symbol, interval string, ks []market.Candle) error {
	if symbol == "" || interval == "" {
		return ErrEmptyStream
	}
	if err := market.CheckOrdered(ks); err != nil {
		return fmt.Errorf("store: 替换批次无序: %w", err)
	}
	k := s.key(symbol, interval)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	for _, candle := range ks {
		raw, err := json.Marshal(candle)
		if err != nil {
			return fmt.Errorf("store: 序列化 K 线失败: %w", err)
		}
		pipe.ZAdd(ctx, k, &redis.Z{Score: float64(candle.OpenTime), Member: raw})
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis 替换 %s 失败: %w", k, err)
	}
	return nil
}

// Get 返回整个窗口（按 score 升序）。
func (s *RedisKlineStore) Get(ctx context.Context, symbol, interval string) ([]market.Candle, error) {
	return s.slice(ctx, symbol, interval, 0, -1)
}

// Export 返回最近 limit 根 K 线（升序）。
func (s *RedisKlineStore) Export(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.slice(ctx, symbol, interval, int64(-limit), -1)
}

func (s *RedisKlineStore) slice(ctx context.Context, symbol, interval string, start, stop int64) ([]market.Candle, error) {
	if symbol == "" || interval == "" {
		return nil, ErrEmptyStream
	}
	k := s.key(symbol, interval)
	raws, err := s.client.ZRange(ctx, k, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis 读取 %s 失败: %w", k, err)
	}
	out := make([]market.Candle, 0, len(raws))
	for _, raw := range raws {
		var c market.Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("store: 反序列化 K 线失败: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
