package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"netsift/internal/server/storage"
	"netsift/pkg/model"
)

type Store struct {
	db  *sql.DB
	ins *sql.Stmt
}

func NewStore(path string) (*Store, error) {
	// DuckDB 单文件、列式存储，适合事后按类别聚合分析。
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("打开 DuckDB 失败：%w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ddl := `
CREATE TABLE IF NOT EXISTS classified_packets (
	timestamp  TIMESTAMP,
	session_id VARCHAR,
	src_ip     VARCHAR,
	src_port   BIGINT,
	dst_ip     VARCHAR,
	dst_port   BIGINT,
	protocol   VARCHAR,
	length     BIGINT,
	flags      VARCHAR,
	ttl        BIGINT,
	pid        BIGINT,
	label      VARCHAR,
	raw_label  VARCHAR,
	features   VARCHAR
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("建表失败：%w", err)
	}

	stmt, err := s.db.Prepare(`INSERT INTO classified_packets (` + storage.SelectColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("准备插入语句失败：%w", err)
	}
	s.ins = stmt
	return nil
}

func (s *Store) Insert(ctx context.Context, rec *model.ClassifiedPacket) error {
	if rec == nil {
		return fmt.Errorf("记录为空")
	}
	args, err := storage.Args(rec)
	if err != nil {
		return err
	}
	if _, err := s.ins.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("插入失败：%w", err)
	}
	return nil
}

func (s *Store) QueryByIP(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+storage.SelectColumns+`
FROM classified_packets
WHERE src_ip = ? OR dst_ip = ?
ORDER BY timestamp DESC
LIMIT ?;
`, ip, ip, storage.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询失败：%w", err)
	}
	defer rows.Close()
	return storage.ScanAll(rows)
}

// QueryByLabel 额外按 label 过滤，DuckDB 对这种低基数列的扫描很快，不建索引。
func (s *Store) QueryByLabel(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+storage.SelectColumns+`
FROM classified_packets
WHERE label = ?
ORDER BY timestamp DESC
LIMIT ?;
`, string(label), storage.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询失败：%w", err)
	}
	defer rows.Close()
	return storage.ScanAll(rows)
}

func (s *Store) Close() error {
	var firstErr error
	if s.ins != nil {
		if err := s.ins.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
