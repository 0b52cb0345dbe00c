// Package metrics 定义 netsift 暴露给 Prometheus 的指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PacketsProcessed    prometheus.Counter
	Predictions         *prometheus.CounterVec
	ExtractionFailures  prometheus.Counter
	PredictionFailures  prometheus.Counter
	LabelFallbacks      prometheus.Counter
	PersistenceFailures prometheus.Counter
	SessionsStarted     prometheus.Counter
	BatchRows           prometheus.Counter
	CaptureActive       prometheus.Gauge
}

// New 在 reg 上注册全部指标。同一个 reg 只能调用一次，否则 promauto 会 panic。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_packets_processed_total",
			Help: "Packets classified by live capture sessions",
		}),
		Predictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsift_predictions_total",
			Help: "Predictions by output category",
		}, []string{"label"}),
		ExtractionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_extraction_failures_total",
			Help: "Packets whose features fell back to all zeros",
		}),
		PredictionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_prediction_failures_total",
			Help: "Classifier errors absorbed as benign",
		}),
		LabelFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_label_fallbacks_total",
			Help: "Raw labels that were missing or not in the label mapping",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_persistence_failures_total",
			Help: "Failed writes of captured records",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_sessions_started_total",
			Help: "Capture sessions started",
		}),
		BatchRows: f.NewCounter(prometheus.CounterOpts{
			Name: "netsift_batch_rows_total",
			Help: "Rows classified through CSV upload",
		}),
		CaptureActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "netsift_capture_active",
			Help: "1 while a capture session is running",
		}),
	}
}

// Discard 返回注册在私有 registry 上的指标，供测试和未开启监控的调用方使用。
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
