package database

import (
	"context"
	"fmt"

	"strata/internal/market"
)

// SaveBars 把一次运行消费过的 K 线批量落库，便于事后复盘画图。
// (run_id, open_time) 唯一，重复写入覆盖旧值。
func (s *Store) SaveBars(ctx context.Context, runID string, bars []market.Candle) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: 开启事务失败: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        INSERT INTO run_bars (run_id, open_time, close_time, open, high, low, close, volume)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (run_id, open_time)
        DO UPDATE SET close_time=excluded.close_time, open=excluded.open, high=excluded.high,
            low=excluded.low, close=excluded.close, volume=excluded.volume`)
	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, query,
			runID, b.OpenTime, b.CloseTime, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("database: 写入 K 线 open_time=%d 失败: %w", b.OpenTime, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: 提交 K 线失败: %w", err)
	}
	return nil
}

// ListBars 按时间升序返回某次运行从 fromOpenTime 起的 K 线。
func (s *Store) ListBars(ctx context.Context, runID string, fromOpenTime int64, limit int) ([]market.Candle, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows := []struct {
		OpenTime  int64   `db:"open_time"`
		CloseTime int64   `db:"close_time"`
		Open      float64 `db:"open"`
		High      float64 `db:"high"`
		Low       float64 `db:"low"`
		Close     float64 `db:"close"`
		Volume    float64 `db:"volume"`
	}{}
	query := s.db.Rebind(`
        SELECT open_time, close_time, open, high, low, close, volume FROM run_bars
        WHERE run_id=? AND open_time>=?
        ORDER BY open_time ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, runID, fromOpenTime, limit); err != nil {
		return nil, fmt.Errorf("database: 查询 K 线失败: %w", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.Candle{
			OpenTime:  r.OpenTime,
			CloseTime: r.CloseTime,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return out, nil
}

// CountBars 返回某次运行已落库的 K 线数。
func (s *Store) CountBars(ctx context.Context, runID string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	query := s.db.Rebind(`SELECT COUNT(*) FROM run_bars WHERE run_id=?`)
	if err := s.db.GetContext(ctx, &n, query, runID); err != nil {
		return 0, fmt.Errorf("database: 统计 K 线失败: %w", err)
	}
	return n, nil
}
