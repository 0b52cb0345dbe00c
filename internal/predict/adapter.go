// Package predict 把特征记录送入外部分类模型并给出对外类别。
// 模型、标准化器和标签编码器都是不透明的能力，由 Pipeline 注入。
package predict

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"netsift/internal/features"
	"netsift/internal/metrics"
	"netsift/pkg/model"
)

type Scaler interface {
	Transform(x []float64) ([]float64, error)
}

// Model 接收形如 [步数][1] 的序列输入，返回各类别的概率。
type Model interface {
	Predict(ctx context.Context, seq [][]float64) ([]float64, error)
}

// Encoder 把类别下标还原成训练时的原始标签；下标无法解码时 ok 为 false。
type Encoder interface {
	Decode(index int) (raw string, ok bool)
}

type Prediction struct {
	Label model.Label
	Raw   string
}

// Classifier 是采集会话和批量预测依赖的能力，测试里可以用桩替换。
type Classifier interface {
	Classify(ctx context.Context, rec features.Record) Prediction
}

// Pipeline 描述一次推理所需的全部外部组件。Selected 为空表示使用 Schema 的全部下标。
type Pipeline struct {
	Selected []int
	Scaler   Scaler
	Model    Model
	Encoder  Encoder
}

type Adapter struct {
	p       Pipeline
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAdapter(p Pipeline, logger *zap.Logger, m *metrics.Metrics) (*Adapter, error) {
	if p.Model == nil || p.Encoder == nil {
		return nil, fmt.Errorf("model/encoder 不能为空")
	}
	if p.Scaler == nil {
		p.Scaler = IdentityScaler{}
	}
	if len(p.Selected) == 0 {
		p.Selected = make([]int, len(features.Schema))
		for i := range p.Selected {
			p.Selected[i] = i
		}
	}
	for _, idx := range p.Selected {
		if idx < 0 || idx >= len(features.Schema) {
			return nil, fmt.Errorf("特征下标越界：%d", idx)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Adapter{p: p, logger: logger, metrics: m}, nil
}

// Classify 永远返回一个类别：推理链路上的任何失败都按良性处理并记录日志，不会影响采集会话。
func (a *Adapter) Classify(ctx context.Context, rec features.Record) Prediction {
	raw, ok, err := a.infer(ctx, rec)
	if err != nil {
		a.metrics.PredictionFailures.Inc()
		a.metrics.Predictions.WithLabelValues(string(model.LabelBenign)).Inc()
		a.logger.Warn("预测失败，按良性流量处理", zap.Error(err))
		return Prediction{Label: model.LabelBenign}
	}

	label, fallback := MapLabel(raw, ok)
	if fallback {
		a.metrics.LabelFallbacks.Inc()
		a.logger.Warn("原始标签缺失或不在映射表中，使用兜底类别",
			zap.String("raw_label", raw),
			zap.Bool("decoded", ok),
			zap.String("label", string(label)),
		)
	}
	a.metrics.Predictions.WithLabelValues(string(label)).Inc()
	return Prediction{Label: label, Raw: raw}
}

func (a *Adapter) infer(ctx context.Context, rec features.Record) (raw string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("推理时 panic：%v", r)
		}
	}()

	vec := rec.Vector()
	in := make([]float64, len(a.p.Selected))
	for i, idx := range a.p.Selected {
		in[i] = vec[idx]
	}

	scaled, err := a.p.Scaler.Transform(in)
	if err != nil {
		return "", false, fmt.Errorf("特征标准化失败：%w", err)
	}

	// 模型按序列建模：每个特征是一个时间步，每步 1 维。
	seq := make([][]float64, len(scaled))
	for i, v := range scaled {
		seq[i] = []float64{v}
	}

	probs, err := a.p.Model.Predict(ctx, seq)
	if err != nil {
		return "", false, fmt.Errorf("模型推理失败：%w", err)
	}

	idx := Argmax(probs)
	if idx < 0 {
		return "", false, nil
	}
	raw, ok = a.p.Encoder.Decode(idx)
	return raw, ok, nil
}

// Argmax 返回最大概率的下标；并列时取最小下标，NaN 不参与比较，全部无效时返回 -1。
func Argmax(probs []float64) int {
	best := -1
	for i, p := range probs {
		if math.IsNaN(p) {
			continue
		}
		if best < 0 || p > probs[best] {
			best = i
		}
	}
	return best
}
