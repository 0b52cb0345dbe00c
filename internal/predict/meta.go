package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"netsift/internal/features"
)

// metaFile 是与模型一起导出的预处理参数：选中的特征、StandardScaler 参数和标签编码器的类别表。
type metaFile struct {
	Selected         []int    `json:"selected"`
	SelectedFeatures []string `json:"selected_features"`
	Scaler           struct {
		Mean  []float64 `json:"mean"`
		Scale []float64 `json:"scale"`
	} `json:"scaler"`
	Classes []string `json:"classes"`
}

// LoadMeta 读取预处理参数，返回的 Pipeline 不含 Model，由调用方按配置补上。
func LoadMeta(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("读取模型参数文件失败：%w", err)
	}
	return ParseMeta(data)
}

func ParseMeta(data []byte) (Pipeline, error) {
	var m metaFile
	if err := json.Unmarshal(data, &m); err != nil {
		return Pipeline{}, fmt.Errorf("解析模型参数文件失败：%w", err)
	}

	selected := m.Selected
	if len(selected) == 0 && len(m.SelectedFeatures) > 0 {
		idx, err := indicesOf(m.SelectedFeatures)
		if err != nil {
			return Pipeline{}, err
		}
		selected = idx
	}
	width := len(selected)
	if width == 0 {
		width = len(features.Schema)
	}

	var scaler Scaler = IdentityScaler{}
	if len(m.Scaler.Mean) > 0 || len(m.Scaler.Scale) > 0 {
		if len(m.Scaler.Mean) != width || len(m.Scaler.Scale) != width {
			return Pipeline{}, fmt.Errorf("scaler 维度不匹配：mean=%d scale=%d 期望 %d",
				len(m.Scaler.Mean), len(m.Scaler.Scale), width)
		}
		scaler = &StandardScaler{Mean: m.Scaler.Mean, Scale: m.Scaler.Scale}
	}
	if len(m.Classes) == 0 {
		return Pipeline{}, fmt.Errorf("classes 不能为空")
	}

	return Pipeline{
		Selected: selected,
		Scaler:   scaler,
		Encoder:  LabelEncoder{Classes: m.Classes},
	}, nil
}

// Width 是送入模型的序列长度。
func (p Pipeline) Width() int {
	if len(p.Selected) == 0 {
		return len(features.Schema)
	}
	return len(p.Selected)
}

// Default 是没有配置模型产物时使用的单类别模型：恒定输出 BENIGN。
func Default() Pipeline {
	return Pipeline{
		Scaler:  IdentityScaler{},
		Model:   ConstantModel{Probs: []float64{1}},
		Encoder: LabelEncoder{Classes: []string{"BENIGN"}},
	}
}

func indicesOf(names []string) ([]int, error) {
	pos := make(map[string]int, len(features.Schema))
	for i, n := range features.Schema {
		if _, ok := pos[n]; !ok {
			pos[n] = i
		}
	}
	out := make([]int, 0, len(names))
	for _, n := range names {
		i, ok := pos[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("未知特征：%q", n)
		}
		out = append(out, i)
	}
	return out, nil
}

type IdentityScaler struct{}

func (IdentityScaler) Transform(x []float64) ([]float64, error) {
	out := make([]float64, len(x))
	copy(out, x)
	return out, nil
}

// StandardScaler 与 sklearn 一致：(x - mean) / scale，scale 为 0 的维度按 1 处理。
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("输入维度 %d 与 scaler 维度 %d 不一致", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

type ConstantModel struct {
	Probs []float64
}

func (m ConstantModel) Predict(ctx context.Context, _ [][]float64) ([]float64, error) {
	out := make([]float64, len(m.Probs))
	copy(out, m.Probs)
	return out, nil
}

type LabelEncoder struct {
	Classes []string
}

func (e LabelEncoder) Decode(index int) (string, bool) {
	if index < 0 || index >= len(e.Classes) {
		return "", false
	}
	return e.Classes[index], true
}
