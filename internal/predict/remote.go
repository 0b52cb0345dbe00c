package predict

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// PredictMethod 是模型 sidecar 暴露的一元 RPC，请求与响应都是 google.protobuf.ListValue。
const PredictMethod = "/netsift.v1.Classifier/Predict"

// RemoteModel 通过 gRPC 调用外部模型服务，实现 Model 接口。
type RemoteModel struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func DialRemoteModel(addr string, timeout time.Duration, extra ...grpc.DialOption) (*RemoteModel, error) {
	if addr == "" {
		return nil, fmt.Errorf("remote model 地址不能为空")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             timeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("连接 remote model 失败：%w", err)
	}
	return &RemoteModel{conn: conn, timeout: timeout}, nil
}

func (m *RemoteModel) Predict(ctx context.Context, seq [][]float64) ([]float64, error) {
	req := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(seq))}
	for _, step := range seq {
		inner := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(step))}
		for _, v := range step {
			inner.Values = append(inner.Values, structpb.NewNumberValue(v))
		}
		req.Values = append(req.Values, structpb.NewListValue(inner))
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp := &structpb.ListValue{}
	if err := m.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("调用 %s 失败：%w", PredictMethod, err)
	}

	probs := make([]float64, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("响应第 %d 项不是数值", i)
		}
		probs[i] = v.GetNumberValue()
	}
	return probs, nil
}

func (m *RemoteModel) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
