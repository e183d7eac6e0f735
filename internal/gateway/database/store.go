package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"strata/internal/logger"
)

// Store 持久化检测运行、结构事件与快照。
// 同一套 SQL 同时支持 sqlite（单机）与 postgres（共享部署）。
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open 建立数据库连接并确保 schema 就绪。
// driver 取 sqlite 或 postgres，dsn 语义由驱动决定。
func Open(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	var driverName string
	switch driver {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("database: driver 不支持: %q", driver)
	}
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: 连接失败: %w", err)
	}
	if driver == "sqlite" {
		// sqlite 单写者；多连接还会让 :memory: 退化成多个独立库。
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Infof("[database] %s 已就绪", driver)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database: store 未初始化")
	}
	return nil
}

// RunRecord 是一次检测运行（实时会话或离线标定）的登记信息。
type RunRecord struct {
	ID         int64  `db:"id" json:"id"`
	RunID      string `db:"run_id" json:"run_id"`
	Symbol     string `db:"symbol" json:"symbol"`
	Interval   string `db:"bar_interval" json:"interval"`
	Params     string `db:"params" json:"params"`
	Status     string `db:"status" json:"status"`
	Bars       int64  `db:"bars" json:"bars"`
	StartedAt  int64  `db:"started_at" json:"started_at"`
	FinishedAt *int64 `db:"finished_at" json:"finished_at,omitempty"`
	Note       string `db:"note" json:"note,omitempty"`
}

// 运行状态
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
	RunStatusCanceled = "canceled"
)

// InsertRun 登记一次新的运行。
func (s *Store) InsertRun(ctx context.Context, rec RunRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("database: run_id 不能为空")
	}
	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UnixMilli()
	}
	if rec.Status == "" {
		rec.Status = RunStatusRunning
	}
	query := s.db.Rebind(`
        INSERT INTO detector_runs (run_id, symbol, bar_interval, params, status, bars, started_at, note)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, strings.ToUpper(rec.Symbol), rec.Interval, rec.Params, rec.Status, rec.Bars, rec.StartedAt, rec.Note)
	if err != nil {
		return fmt.Errorf("database: 登记运行失败: %w", err)
	}
	return nil
}

// FinishRun 标记运行结束并记录处理的 K 线数。
func (s *Store) FinishRun(ctx context.Context, runID, status string, bars int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	query := s.db.Rebind(`
        UPDATE detector_runs SET status=?, bars=?, finished_at=? WHERE run_id=?`)
	res, err := s.db.ExecContext(ctx, query, status, bars, now, runID)
	if err != nil {
		return fmt.Errorf("database: 更新运行状态失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("database: 运行 %s 不存在", runID)
	}
	return nil
}

// GetRun 返回单次运行记录。
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rec RunRecord
	query := s.db.Rebind(`SELECT * FROM detector_runs WHERE run_id=?`)
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("database: 查询运行失败: %w", err)
	}
	return &rec, nil
}

// ListRuns 按开始时间倒序返回最近的运行。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var out []RunRecord
	query := s.db.Rebind(`
        SELECT * FROM detector_runs ORDER BY started_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("database: 列出运行失败: %w", err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
