// Package storage 定义分类记录的持久化接口，具体实现见 sqlite、duckdb、clickhouse 子包。
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"netsift/pkg/model"
)

// DefaultLimit 是查询未指定 limit 时返回的最大行数。
const DefaultLimit = 200

type Store interface {
	Insert(ctx context.Context, rec *model.ClassifiedPacket) error
	QueryByIP(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error)
	QueryByLabel(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error)
	Close() error
}

// SelectColumns 是各实现共用的列顺序，与 Args 和 ScanAll 一一对应。
const SelectColumns = `timestamp, session_id, src_ip, src_port, dst_ip, dst_port, protocol,
	length, flags, ttl, pid, label, raw_label, features`

// Args 按 SelectColumns 的顺序展开一条记录；features 以 JSON 文本存储。
func Args(rec *model.ClassifiedPacket) ([]any, error) {
	feats, err := json.Marshal(rec.Features)
	if err != nil {
		return nil, fmt.Errorf("编码 features 失败：%w", err)
	}
	return []any{
		rec.Timestamp.UTC(),
		rec.SessionID,
		rec.SrcIP,
		int64(rec.SrcPort),
		rec.DstIP,
		int64(rec.DstPort),
		rec.Protocol,
		int64(rec.Length),
		rec.Flags,
		int64(rec.TTL),
		int64(rec.PID),
		string(rec.Label),
		rec.RawLabel,
		string(feats),
	}, nil
}

// Rows 同时覆盖 *sql.Rows 和 clickhouse 原生 driver.Rows。
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func ScanAll(rows Rows) ([]model.ClassifiedPacket, error) {
	out := make([]model.ClassifiedPacket, 0, 64)
	for rows.Next() {
		var (
			r                                  model.ClassifiedPacket
			ts                                 time.Time
			srcPort, dstPort, length, ttl, pid int64
			label, feats                       string
		)
		if err := rows.Scan(
			&ts,
			&r.SessionID,
			&r.SrcIP,
			&srcPort,
			&r.DstIP,
			&dstPort,
			&r.Protocol,
			&length,
			&r.Flags,
			&ttl,
			&pid,
			&label,
			&r.RawLabel,
			&feats,
		); err != nil {
			return nil, fmt.Errorf("读取行失败：%w", err)
		}
		r.Timestamp = ts
		r.SrcPort, r.DstPort, r.Length, r.TTL, r.PID = int(srcPort), int(dstPort), int(length), int(ttl), int(pid)
		r.Label = model.Label(label)
		if feats != "" && feats != "null" {
			if err := json.Unmarshal([]byte(feats), &r.Features); err != nil {
				return nil, fmt.Errorf("解码 features 失败：%w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历结果失败：%w", err)
	}
	return out, nil
}

func Limit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
