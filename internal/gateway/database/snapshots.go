package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"strata/internal/structure"
)

// SnapshotRecord 是落库的检测器快照。state 为完整快照 JSON。
type SnapshotRecord struct {
	ID       int64  `db:"id" json:"id"`
	RunID    string `db:"run_id" json:"run_id"`
	BarIndex int64  `db:"bar_index" json:"bar_index"`
	State    string `db:"state" json:"state"`
	TakenAt  int64  `db:"taken_at" json:"taken_at"`
}

// SaveSnapshot 保存（或覆盖同 bar_index 的）快照。
func (s *Store) SaveSnapshot(ctx context.Context, runID string, snap structure.Snapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("database: 序列化快照失败: %w", err)
	}
	query := s.db.Rebind(`
        INSERT INTO detector_snapshots (run_id, bar_index, state, taken_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (run_id, bar_index)
        DO UPDATE SET state=excluded.state, taken_at=excluded.taken_at`)
	if _, err := s.db.ExecContext(ctx, query, runID, snap.BarsSeen, string(state), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("database: 写入快照失败: %w", err)
	}
	return nil
}

// LoadLatestSnapshot 返回某次运行最新的快照；没有快照时 ok=false。
func (s *Store) LoadLatestSnapshot(ctx context.Context, runID string) (structure.Snapshot, bool, error) {
	if err := s.ready(); err != nil {
		return structure.Snapshot{}, false, err
	}
	var rec SnapshotRecord
	query := s.db.Rebind(`
        SELECT * FROM detector_snapshots
        WHERE run_id=? ORDER BY bar_index DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if isNoRows(err) {
			return structure.Snapshot{}, false, nil
		}
		return structure.Snapshot{}, false, fmt.Errorf("database: 读取快照失败: %w", err)
	}
	var snap structure.Snapshot
	if err := json.Unmarshal([]byte(rec.State), &snap); err != nil {
		return structure.Snapshot{}, false, fmt.Errorf("database: 快照解析失败: %w", err)
	}
	return snap, true, nil
}

// ListSnapshotMarks 返回某次运行已保存快照的 bar_index 列表（升序）。
func (s *Store) ListSnapshotMarks(ctx context.Context, runID string) ([]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []int64
	query := s.db.Rebind(`
        SELECT bar_index FROM detector_snapshots WHERE run_id=? ORDER BY bar_index ASC`)
	if err := s.db.SelectContext(ctx, &out, query, runID); err != nil {
		return nil, fmt.Errorf("database: 列出快照失败: %w", err)
	}
	return out, nil
}
