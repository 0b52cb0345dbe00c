package predict

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EnvONNXLibrary 指定 onnxruntime 共享库位置，配置里没有给出时读取。
const EnvONNXLibrary = "NETSIFT_ONNX_LIBRARY"

var libraryCandidates = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/local/lib64/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/usr/lib64/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
}

// ONNXConfig 描述一个导出为 ONNX 的序列分类模型。
// 输入张量形状为 [1, Steps, 1]，输出为 [1, Classes] 的类别概率。
type ONNXConfig struct {
	LibraryPath string
	ModelPath   string
	InputName   string
	OutputName  string
	Steps       int
	Classes     int
	Threads     int
}

// ONNXModel 用 onnxruntime 执行本地模型推理，实现 Model 接口。
// 会话的输入输出张量是绑定好的，同一时刻只允许一次 Run。
type ONNXModel struct {
	mu      sync.Mutex
	steps   int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var ortEnv struct {
	sync.Mutex
	refs int
}

func NewONNXModel(cfg ONNXConfig) (*ONNXModel, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ONNX 模型路径不能为空")
	}
	if cfg.Steps <= 0 || cfg.Classes <= 0 {
		return nil, fmt.Errorf("ONNX 输入输出维度非法：steps=%d classes=%d", cfg.Steps, cfg.Classes)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("读取 ONNX 模型失败：%w", err)
	}
	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	m, err := newONNXSession(cfg)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return m, nil
}

func newONNXSession(cfg ONNXConfig) (*ONNXModel, error) {
	if cfg.InputName == "" || cfg.OutputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("读取 ONNX 输入输出信息失败：%w", err)
		}
		if len(inputs) == 0 || len(outputs) == 0 {
			return nil, fmt.Errorf("ONNX 模型缺少输入或输出")
		}
		if cfg.InputName == "" {
			cfg.InputName = inputs[0].Name
		}
		if cfg.OutputName == "" {
			cfg.OutputName = outputs[0].Name
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Steps), 1))
	if err != nil {
		return nil, fmt.Errorf("创建输入张量失败：%w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Classes)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("创建输出张量失败：%w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("创建会话选项失败：%w", err)
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			input.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("设置推理线程数失败：%w", err)
		}
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("创建 ONNX 会话失败：%w", err)
	}
	return &ONNXModel{steps: cfg.Steps, session: session, input: input, output: output}, nil
}

func (m *ONNXModel) Predict(ctx context.Context, seq [][]float64) ([]float64, error) {
	if len(seq) != m.steps {
		return nil, fmt.Errorf("序列长度 %d 与模型输入 %d 不一致", len(seq), m.steps)
	}
	for i, step := range seq {
		if len(step) != 1 {
			return nil, fmt.Errorf("第 %d 步维度为 %d，期望 1", i, len(step))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, fmt.Errorf("ONNX 会话已关闭")
	}

	data := m.input.GetData()
	for i, step := range seq {
		data[i] = float32(step[0])
	}
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("ONNX 推理失败：%w", err)
	}
	out := m.output.GetData()
	probs := make([]float64, len(out))
	for i, v := range out {
		probs[i] = float64(v)
	}
	return probs, nil
}

func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	m.session = nil
	releaseEnvironment()
	return err
}

// acquireEnvironment 在第一个模型加载时初始化 onnxruntime，最后一个模型关闭时销毁。
func acquireEnvironment(lib string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ortEnv.refs == 0 && !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libraryPath(lib))
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("初始化 onnxruntime 失败：%w", err)
		}
	}
	ortEnv.refs++
	return nil
}

func releaseEnvironment() {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	ortEnv.refs--
	if ortEnv.refs == 0 && ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

func libraryPath(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(EnvONNXLibrary); env != "" {
		return env
	}
	for _, p := range libraryCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "libonnxruntime.so"
}
