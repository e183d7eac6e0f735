package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"strata/internal/structure"
)

// EventRecord 是落库后的结构事件。payload 保存完整事件 JSON，
// 列上冗余类型与腿 id 方便直接按条件查询。
type EventRecord struct {
	ID        int64  `db:"id" json:"id"`
	RunID     string `db:"run_id" json:"run_id"`
	Seq       int64  `db:"seq" json:"seq"`
	BarIndex  int64  `db:"bar_index" json:"bar_index"`
	Type      string `db:"event_type" json:"type"`
	LegID     int64  `db:"leg_id" json:"leg_id"`
	Payload   string `db:"payload" json:"payload"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Decode 还原 payload 中的结构事件。
func (r EventRecord) Decode() (structure.Event, error) {
	var ev structure.Event
	if err := json.Unmarshal([]byte(r.Payload), &ev); err != nil {
		return structure.Event{}, fmt.Errorf("database: 事件 payload 解析失败: %w", err)
	}
	return ev, nil
}

// AppendEvents 在单个事务内按 seq 递增追加一批事件，返回下一个可用 seq。
// (run_id, seq) 唯一约束保证重复写入会失败而不是悄悄重排。
func (s *Store) AppendEvents(ctx context.Context, runID string, startSeq int64, events []structure.Event) (int64, error) {
	if err := s.ready(); err != nil {
		return startSeq, err
	}
	if len(events) == 0 {
		return startSeq, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return startSeq, fmt.Errorf("database: 开启事务失败: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	query := tx.Rebind(`
        INSERT INTO structure_events (run_id, seq, bar_index, event_type, leg_id, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	seq := startSeq
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return startSeq, fmt.Errorf("database: 序列化事件失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			runID, seq, ev.BarIndex, string(ev.Type), int64(ev.Leg), string(payload), now); err != nil {
			return startSeq, fmt.Errorf("database: 写入事件 seq=%d 失败: %w", seq, err)
		}
		seq++
	}
	if err := tx.Commit(); err != nil {
		return startSeq, fmt.Errorf("database: 提交事件失败: %w", err)
	}
	return seq, nil
}

// ListEvents 按 seq 升序返回 [fromSeq, fromSeq+limit) 的事件。
func (s *Store) ListEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]EventRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	var out []EventRecord
	query := s.db.Rebind(`
        SELECT * FROM structure_events
        WHERE run_id=? AND seq>=?
        ORDER BY seq ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, runID, fromSeq, limit); err != nil {
		return nil, fmt.Errorf("database: 查询事件失败: %w", err)
	}
	return out, nil
}

// CountEvents 返回某次运行的事件总数。
func (s *Store) CountEvents(ctx context.Context, runID string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	query := s.db.Rebind(`SELECT COUNT(*) FROM structure_events WHERE run_id=?`)
	if err := s.db.GetContext(ctx, &n, query, runID); err != nil {
		return 0, fmt.Errorf("database: 统计事件失败: %w", err)
	}
	return n, nil
}
