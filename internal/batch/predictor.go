package batch

import (
	"bufio"
	"context"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"netsift/internal/features"
	"netsift/internal/metrics"
	"netsift/internal/predict"
	"netsift/pkg/model"
)

// 展示字段缺失时使用的固定占位值。
const (
	placeholderSrcIP    = "192.168.1.1"
	placeholderDstIP    = "192.168.1.2"
	placeholderProtocol = "TCP"
	placeholderTTL      = 64
)

var (
	srcIPColumns     = []string{"src_ip", "source_ip", "source ip", "src ip"}
	dstIPColumns     = []string{"dst_ip", "destination_ip", "destination ip", "dst ip"}
	srcPortColumns   = []string{"src_port", "source_port", "source port", "src port"}
	dstPortColumns   = []string{"dst_port", "destination_port", "destination port", "dst port"}
	protocolColumns  = []string{"protocol"}
	lengthColumns    = []string{"length", "total length of fwd packets"}
	ttlColumns       = []string{"ttl"}
	flagsColumns     = []string{"flags"}
	pidColumns       = []string{"pid"}
	timestampColumns = []string{"timestamp"}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
}

var protocolNumbers = map[string]string{"6": "TCP", "17": "UDP", "1": "ICMP"}

type Predictor struct {
	classifier predict.Classifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewPredictor(c predict.Classifier, logger *zap.Logger, m *metrics.Metrics) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Predictor{classifier: c, logger: logger.Named("batch"), metrics: m, now: time.Now}
}

// PredictCSV 校验文件类型后解析并分类，任何格式问题都返回 ErrUnsupportedFormat。
func (p *Predictor) PredictCSV(ctx context.Context, filename string, r io.Reader) ([]model.ClassifiedPacket, error) {
	br := bufio.NewReaderSize(r, SniffLen)
	head, _ := br.Peek(SniffLen)
	if err := Detect(filename, head); err != nil {
		return nil, err
	}
	t, err := Parse(br)
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, t), nil
}

// Predict 按输入顺序逐行输出一条记录。缺失或无法解析的特征列按 0 处理，单行问题不会让整个请求失败。
func (p *Predictor) Predict(ctx context.Context, t *Table) []model.ClassifiedPacket {
	cols := indexColumns(t.Header)
	now := p.now()

	out := make([]model.ClassifiedPacket, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := features.NewRecord()
		for name, i := range cols.features {
			rec[name] = parseFeature(cell(row, i))
		}
		pred := p.classifier.Classify(ctx, rec)
		out = append(out, display(cols, row, now, rec, pred))
	}
	p.metrics.BatchRows.Add(float64(len(out)))
	p.logger.Info("CSV 批量预测完成", zap.Int("rows", len(out)))
	return out
}

type columns struct {
	features map[string]int
	lower    map[string]int
}

func indexColumns(header []string) columns {
	known := make(map[string]struct{}, len(features.Schema))
	for _, n := range features.Names() {
		known[n] = struct{}{}
	}
	c := columns{features: map[string]int{}, lower: map[string]int{}}
	for i, h := range header {
		if _, ok := known[h]; ok {
			if _, dup := c.features[h]; !dup {
				c.features[h] = i
			}
		}
		key := strings.ToLower(h)
		if _, dup := c.lower[key]; !dup {
			c.lower[key] = i
		}
	}
	return c
}

func (c columns) lookup(row []string, aliases []string) (string, bool) {
	for _, a := range aliases {
		if i, ok := c.lower[a]; ok {
			if v := strings.TrimSpace(cell(row, i)); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// parseFeature 把单元格转成数值，非数值、NaN 和 ±Inf 都按 0 处理。
func parseFeature(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func parseInt(s string, def int) int {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func display(c columns, row []string, now time.Time, rec features.Record, pred predict.Prediction) model.ClassifiedPacket {
	out := model.ClassifiedPacket{
		Timestamp: now,
		SrcIP:     placeholderSrcIP,
		DstIP:     placeholderDstIP,
		Protocol:  placeholderProtocol,
		Flags:     "NONE",
		TTL:       placeholderTTL,
		Label:     pred.Label,
		RawLabel:  pred.Raw,
		Features:  rec.Clone(),
	}
	if v, ok := c.lookup(row, srcIPColumns); ok {
		out.SrcIP = v
	}
	if v, ok := c.lookup(row, dstIPColumns); ok {
		out.DstIP = v
	}
	if v, ok := c.lookup(row, srcPortColumns); ok {
		out.SrcPort = parseInt(v, 0)
	}
	if v, ok := c.lookup(row, dstPortColumns); ok {
		out.DstPort = parseInt(v, 0)
	}
	if v, ok := c.lookup(row, protocolColumns); ok {
		if name, num := protocolNumbers[v]; num {
			v = name
		}
		out.Protocol = strings.ToUpper(v)
	}
	if v, ok := c.lookup(row, lengthColumns); ok {
		out.Length = parseInt(v, 0)
	}
	if v, ok := c.lookup(row, ttlColumns); ok {
		out.TTL = parseInt(v, placeholderTTL)
	}
	if v, ok := c.lookup(row, flagsColumns); ok {
		out.Flags = v
	}
	if v, ok := c.lookup(row, pidColumns); ok {
		out.PID = parseInt(v, 0)
	}
	if v, ok := c.lookup(row, timestampColumns); ok {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				out.Timestamp = ts
				break
			}
		}
	}
	return out
}
