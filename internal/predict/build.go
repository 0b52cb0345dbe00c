package predict

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Options 描述推理组件的来源。
type Options struct {
	// ModelPath 是本地 ONNX 模型；MetaPath 为空时读取同名的 .json 预处理参数。
	ModelPath   string
	MetaPath    string
	LibraryPath string
	Threads     int

	RemoteAddr    string
	RemoteTimeout time.Duration
}

// MetaPathFor 返回模型文件旁边同名的参数文件路径。
func MetaPathFor(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// Build 组装 Pipeline。远程模型优先于本地 ONNX 模型；两者都没有时返回 Default()。
// 返回的 io.Closer 负责释放模型占用的资源，可能为 nil。
func Build(o Options) (Pipeline, io.Closer, error) {
	metaPath := o.MetaPath
	if metaPath == "" && o.ModelPath != "" {
		metaPath = MetaPathFor(o.ModelPath)
	}

	var p Pipeline
	switch {
	case metaPath != "":
		m, err := LoadMeta(metaPath)
		if err != nil {
			return Pipeline{}, nil, err
		}
		p = m
	case o.RemoteAddr != "":
		p = Pipeline{
			Scaler:  IdentityScaler{},
			Encoder: LabelEncoder{Classes: TrainingClasses},
		}
	default:
		return Default(), nil, nil
	}

	if o.RemoteAddr != "" {
		remote, err := DialRemoteModel(o.RemoteAddr, o.RemoteTimeout)
		if err != nil {
			return Pipeline{}, nil, err
		}
		p.Model = remote
		return p, remote, nil
	}

	if o.ModelPath == "" {
		return Pipeline{}, nil, fmt.Errorf("只给出预处理参数 %s，缺少本地模型或远程模型", metaPath)
	}
	enc, _ := p.Encoder.(LabelEncoder)
	onnx, err := NewONNXModel(ONNXConfig{
		LibraryPath: o.LibraryPath,
		ModelPath:   o.ModelPath,
		Steps:       p.Width(),
		Classes:     len(enc.Classes),
		Threads:     o.Threads,
	})
	if err != nil {
		return Pipeline{}, nil, err
	}
	p.Model = onnx
	return p, onnx, nil
}
