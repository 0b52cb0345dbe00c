// Package publish 把分类结果以 protobuf Struct 的形式发布到 NATS，供下游订阅。
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"netsift/pkg/model"
)

const DefaultSubject = "netsift.packets.classified"

type publisher interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	pub     publisher
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewPublisher(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("netsift"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败：%w", err)
	}
	logger.Info("已连接 NATS", zap.String("url", url), zap.String("subject", subject))
	return &Publisher{pub: nc, nc: nc, subject: subject, logger: logger}, nil
}

// Publish 实现 session.Sink。
func (p *Publisher) Publish(ctx context.Context, rec *model.ClassifiedPacket) error {
	st, err := ToStruct(rec)
	if err != nil {
		return err
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化记录失败：%w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("发布到 %s 失败：%w", p.subject, err)
	}
	return nil
}

// ToStruct 把记录转成 google.protobuf.Struct，键名与 JSON 输出一致。
func ToStruct(rec *model.ClassifiedPacket) (*structpb.Struct, error) {
	if rec == nil {
		return nil, fmt.Errorf("记录为空")
	}
	feats := make(map[string]any, len(rec.Features))
	for k, v := range rec.Features {
		feats[k] = v
	}
	st, err := structpb.NewStruct(map[string]any{
		"session_id":     rec.SessionID,
		"timestamp":      rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"src_ip":         rec.SrcIP,
		"src_port":       rec.SrcPort,
		"dst_ip":         rec.DstIP,
		"dst_port":       rec.DstPort,
		"protocol":       rec.Protocol,
		"length":         rec.Length,
		"flags":          rec.Flags,
		"ttl":            rec.TTL,
		"pid":            rec.PID,
		"classification": string(rec.Label),
		"raw_label":      rec.RawLabel,
		"features":       feats,
	})
	if err != nil {
		return nil, fmt.Errorf("构造 Struct 失败：%w", err)
	}
	return st, nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("NATS drain 失败", zap.Error(err))
		}
	}
}
