package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AnnotationRecord 是挂在某次运行上的人工标注。
// leg_id 为 0 表示不绑定具体腿，只是图上某个价位的备注。
type AnnotationRecord struct {
	ID        int64   `db:"id" json:"id"`
	RunID     string  `db:"run_id" json:"run_id"`
	LegID     int64   `db:"leg_id" json:"leg_id"`
	BarIndex  int64   `db:"bar_index" json:"bar_index"`
	Price     float64 `db:"price" json:"price"`
	Body      string  `db:"body" json:"body"`
	Author    string  `db:"author" json:"author,omitempty"`
	CreatedAt int64   `db:"created_at" json:"created_at"`
}

// InsertAnnotation 写入一条标注并返回其自增 id。
func (s *Store) InsertAnnotation(ctx context.Context, rec AnnotationRecord) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return 0, fmt.Errorf("database: 标注缺少 run_id")
	}
	if strings.TrimSpace(rec.Body) == "" {
		return 0, fmt.Errorf("database: 标注内容不能为空")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	if s.driver == "postgres" {
		var id int64
		query := s.db.Rebind(`
            INSERT INTO swing_annotations (run_id, leg_id, bar_index, price, body, author, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
		if err := s.db.GetContext(ctx, &id, query,
			rec.RunID, rec.LegID, rec.BarIndex, rec.Price, rec.Body, rec.Author, rec.CreatedAt); err != nil {
			return 0, fmt.Errorf("database: 写入标注失败: %w", err)
		}
		return id, nil
	}
	query := s.db.Rebind(`
        INSERT INTO swing_annotations (run_id, leg_id, bar_index, price, body, author, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.LegID, rec.BarIndex, rec.Price, rec.Body, rec.Author, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("database: 写入标注失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("database: 读取标注 id 失败: %w", err)
	}
	return id, nil
}

// ListAnnotations 按创建时间升序返回某次运行的标注。
func (s *Store) ListAnnotations(ctx context.Context, runID string, limit int) ([]AnnotationRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	var out []AnnotationRecord
	query := s.db.Rebind(`
        SELECT * FROM swing_annotations
        WHERE run_id=? ORDER BY created_at ASC, id ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, runID, limit); err != nil {
		return nil, fmt.Errorf("database: 查询标注失败: %w", err)
	}
	return out, nil
}

// DeleteAnnotation 删除一条标注；id 不存在时返回错误。
func (s *Store) DeleteAnnotation(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	query := s.db.Rebind(`DELETE FROM swing_annotations WHERE id=?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("database: 删除标注失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("database: 标注 %d 不存在", id)
	}
	return nil
}
