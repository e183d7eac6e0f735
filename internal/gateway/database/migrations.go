package database

import (
	"context"
	"fmt"
)

// EnsureSchema 建表与建索引，全部幂等，可在每次启动时调用。
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS detector_runs (
            id %s,
            run_id TEXT NOT NULL UNIQUE,
            symbol TEXT NOT NULL,
            bar_interval TEXT NOT NULL,
            params TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'running',
            bars BIGINT NOT NULL DEFAULT 0,
            started_at BIGINT NOT NULL,
            finished_at BIGINT
        )`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS structure_events (
            id %s,
            run_id TEXT NOT NULL,
            seq BIGINT NOT NULL,
            bar_index BIGINT NOT NULL,
            event_type TEXT NOT NULL,
            leg_id BIGINT NOT NULL,
            payload TEXT NOT NULL,
            created_at BIGINT NOT NULL,
            UNIQUE (run_id, seq)
        )`, serial),
		`CREATE INDEX IF NOT EXISTS idx_structure_events_run
            ON structure_events (run_id, seq)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS detector_snapshots (
            id %s,
            run_id TEXT NOT NULL,
            bar_index BIGINT NOT NULL,
            state TEXT NOT NULL,
            taken_at BIGINT NOT NULL,
            UNIQUE (run_id, bar_index)
        )`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS swing_annotations (
            id %s,
            run_id TEXT NOT NULL,
            leg_id BIGINT NOT NULL DEFAULT 0,
            bar_index BIGINT NOT NULL DEFAULT 0,
            price DOUBLE PRECISION NOT NULL DEFAULT 0,
            body TEXT NOT NULL,
            author TEXT NOT NULL DEFAULT '',
            created_at BIGINT NOT NULL
        )`, serial),
		`CREATE INDEX IF NOT EXISTS idx_swing_annotations_run
            ON swing_annotations (run_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_bars (
            id %s,
            run_id TEXT NOT NULL,
            open_time BIGINT NOT NULL,
            close_time BIGINT NOT NULL DEFAULT 0,
            open DOUBLE PRECISION NOT NULL,
            high DOUBLE PRECISION NOT NULL,
            low DOUBLE PRECISION NOT NULL,
            close DOUBLE PRECISION NOT NULL,
            volume DOUBLE PRECISION NOT NULL DEFAULT 0,
            UNIQUE (run_id, open_time)
        )`, serial),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: 初始化 schema 失败: %w", err)
		}
	}
	s.addRunNoteColumn(ctx)
	return nil
}

// addRunNoteColumn 为 detector_runs 添加 note 列（幂等）。
func (s *Store) addRunNoteColumn(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}
	// 已存在时报错，直接忽略
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE detector_runs ADD COLUMN note TEXT NOT NULL DEFAULT ''")
}
