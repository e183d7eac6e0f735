package store

import (
	"context"
	"testing"

	"strata/internal/market"
)

func candleAt(openTime int64, close float64) market.Candle {
	return market.Candle{
		OpenTime:  openTime,
		CloseTime: openTime + 59_999,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1,
	}
}

func TestMemoryKlineStorePutOverwriteAndTrim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKlineStore()

	batch := []market.Candle{candleAt(1000, 10), candleAt(2000, 11), candleAt(3000, 12)}
	if err := s.Put(ctx, "BTCUSDT", "1m", batch, 3); err != nil {
		t.Fatalf("首次写入失败: %v", err)
	}

	// 同 OpenTime 视为增量更新，覆盖末尾
	if err := s.Put(ctx, "BTCUSDT", "1m", []market.Candle{candleAt(3000, 12.5)}, 3); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}
	got, _ := s.Get(ctx, "BTCUSDT", "1m")
	if len(got) != 3 {
		t.Fatalf("覆盖后长度应为 3，实际=%d", len(got))
	}
	if got[2].Close != 12.5 {
		t.Fatalf("末尾 K 线未被覆盖: close=%v", got[2].Close)
	}

	// 追加触发裁剪，最旧的被丢弃
	if err := s.Put(ctx, "BTCUSDT", "1m", []market.Candle{candleAt(4000, 13)}, 3); err != nil {
		t.Fatalf("追加写入失败: %v", err)
	}
	got, _ = s.Get(ctx, "BTCUSDT", "1m")
	if len(got) != 3 || got[0].OpenTime != 2000 || got[2].OpenTime != 4000 {
		t.Fatalf("裁剪结果不符: %+v", got)
	}
}

func TestMemoryKlineStoreRejectsBackwardWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKlineStore()
	if err := s.Put(ctx, "ETHUSDT", "1m", []market.Candle{candleAt(5000, 10)}, 10); err != nil {
		t.Fatalf("初始写入失败: %v", err)
	}
	if err := s.Put(ctx, "ETHUSDT", "1m", []market.Candle{candleAt(4000, 9)}, 10); err == nil {
		t.Fatalf("回退写入应报错")
	}
	// 批内无序同样拒绝
	if err := s.Put(ctx, "ETHUSDT", "1m", []market.Candle{candleAt(7000, 10), candleAt(6000, 9)}, 10); err == nil {
		t.Fatalf("无序批次应报错")
	}
	if err := s.Put(ctx, "", "1m", []market.Candle{candleAt(8000, 10)}, 10); err != ErrEmptyStream {
		t.Fatalf("空 symbol 应返回 ErrEmptyStream，实际=%v", err)
	}
}

func TestMemoryKlineStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKlineStore()
	if err := s.Set(ctx, "BTCUSDT", "1m", []market.Candle{candleAt(1000, 10)}); err != nil {
		t.Fatalf("Set 失败: %v", err)
	}
	got, _ := s.Get(ctx, "BTCUSDT", "1m")
	got[0].Close = 999
	again, _ := s.Get(ctx, "BTCUSDT", "1m")
	if again[0].Close != 10 {
		t.Fatalf("Get 应返回拷贝，内部数据被改写: %v", again[0].Close)
	}
}

func TestMemoryKlineStoreExport(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKlineStore()
	var batch []market.Candle
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, candleAt(i*1000, float64(i)))
	}
	if err := s.Set(ctx, "BTCUSDT", "1m", batch); err != nil {
		t.Fatalf("Set 失败: %v", err)
	}

	got, err := s.Export(ctx, "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("Export 失败: %v", err)
	}
	if len(got) != 2 || got[0].OpenTime != 4000 || got[1].OpenTime != 5000 {
		t.Fatalf("Export 应返回最近 2 根升序 K 线: %+v", got)
	}

	// limit 超过窗口长度时整窗返回
	got, _ = s.Export(ctx, "BTCUSDT", "1m", 99)
	if len(got) != 5 {
		t.Fatalf("limit 超窗时应返回全部，实际=%d", len(got))
	}
	if got, _ := s.Export(ctx, "BTCUSDT", "1m", 0); got != nil {
		t.Fatalf("limit<=0 应返回 nil")
	}
}
