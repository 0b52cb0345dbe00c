package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"netsift/internal/server/storage"
	"netsift/pkg/model"
)

type Store struct {
	db  *sql.DB
	ins *sql.Stmt
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "./netsift.sqlite"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败：%w", err)
	}
	// 采集协程和 HTTP 上传会并发写，SQLite 单写者，连接数限制为 1 避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
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
	session_id TEXT,
	src_ip     TEXT,
	src_port   INTEGER,
	dst_ip     TEXT,
	dst_port   INTEGER,
	protocol   TEXT,
	length     INTEGER,
	flags      TEXT,
	ttl        INTEGER,
	pid        INTEGER,
	label      TEXT,
	raw_label  TEXT,
	features   TEXT
);
CREATE INDEX IF NOT EXISTS idx_packets_src_ip ON classified_packets(src_ip);
CREATE INDEX IF NOT EXISTS idx_packets_dst_ip ON classified_packets(dst_ip);
CREATE INDEX IF NOT EXISTS idx_packets_label  ON classified_packets(label);
`
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
	return s.query(ctx, `WHERE src_ip = ? OR dst_ip = ?`, ip, ip, storage.Limit(limit))
}

func (s *Store) QueryByLabel(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error) {
	return s.query(ctx, `WHERE label = ?`, string(label), storage.Limit(limit))
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]model.ClassifiedPacket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+storage.SelectColumns+`
FROM classified_packets
`+where+`
ORDER BY timestamp DESC
LIMIT ?;
`, args...)
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
