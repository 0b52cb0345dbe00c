// Package app 是边缘 agent：在本机抓包或回放 pcap，逐包提取特征、分类后上报到 server。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"

	"netsift/internal/agent/pidmap"
	"netsift/internal/agent/report"
	"netsift/internal/capture"
	"netsift/internal/features"
	"netsift/internal/predict"
	"netsift/internal/session"
	"netsift/pkg/model"
)

type uploader interface {
	Upload(ctx context.Context, rec *model.ClassifiedPacket) error
}

type agent struct {
	extractor  *features.Extractor
	classifier predict.Classifier
	up         uploader
	pids       session.PIDResolver
	logger     *zap.Logger
	max        int

	processed int
	failed    int
}

func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPPostTimeout == 0 {
		cfg.HTTPPostTimeout = 5 * time.Second
	}
	if cfg.Interface == "" && cfg.PcapPath == "" {
		return fmt.Errorf("必须指定网卡或 pcap 文件")
	}

	pipeline, mdl, err := predict.Build(predict.Options{
		ModelPath:   cfg.ModelPath,
		MetaPath:    cfg.ModelMetaPath,
		LibraryPath: cfg.ONNXLibrary,
	})
	if err != nil {
		return err
	}
	if mdl != nil {
		defer mdl.Close()
	}
	classifier, err := predict.NewAdapter(pipeline, logger.Named("predict"), nil)
	if err != nil {
		return err
	}

	src, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	a := &agent{
		extractor:  features.NewExtractor(nil, logger),
		classifier: classifier,
		up:         report.NewClient(cfg.ServerIP, cfg.ServerPort, cfg.HTTPPostTimeout),
		logger:     logger.Named("agent"),
		max:        cfg.Max,
	}
	if cfg.EnableEBPF {
		r, err := pidmap.NewResolver(logger.Named("pidmap"))
		if err != nil {
			return err
		}
		defer r.Close()
		a.pids = r
	}

	a.logger.Info("开始抓包",
		zap.String("iface", cfg.Interface),
		zap.String("pcap", cfg.PcapPath),
		zap.String("server", fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ServerPort)),
	)
	err = capture.Run(ctx, src, func(p gopacket.Packet) bool {
		return a.handle(ctx, p)
	})
	a.logger.Info("抓包结束", zap.Int("processed", a.processed), zap.Int("upload_failures", a.failed))
	return err
}

func openSource(cfg Config) (capture.Source, error) {
	if cfg.PcapPath != "" {
		return capture.OpenPcap(cfg.PcapPath)
	}
	return capture.LiveOpener(capture.DefaultSnaplen)(cfg.Interface, cfg.Filter)
}

// handle 处理一个报文，达到 max 后返回 false 结束读包。max 为 0 表示不限。
func (a *agent) handle(ctx context.Context, p gopacket.Packet) bool {
	obs, rec, err := a.extractor.ExtractPacket(p)
	if err != nil {
		a.logger.Debug("特征提取失败，使用全零特征", zap.Error(err))
	}
	pred := a.classifier.Classify(ctx, rec)
	out := session.BuildRecord("", obs, rec, pred)
	if a.pids != nil && obs.TCP {
		out.PID = a.pids.Lookup(obs.SrcIP, obs.SrcPort, obs.DstIP, obs.DstPort)
	}
	if err := a.up.Upload(ctx, &out); err != nil {
		a.failed++
		a.logger.Warn("上报失败（忽略继续抓包）", zap.Error(err))
	}
	a.processed++
	return a.max <= 0 || a.processed < a.max
}
