package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"netsift/internal/agent/app"
	"netsift/internal/logging"
)

func main() {
	var (
		cfg      app.Config
		logLevel string
	)
	flag.StringVar(&cfg.Interface, "interface", "", "要监听的网卡名（如 eth0 / vethXXX），与 -pcap 二选一")
	flag.StringVar(&cfg.PcapPath, "pcap", "", "回放的 pcap 文件路径")
	flag.StringVar(&cfg.Filter, "filter", "ip", "抓包过滤：ip、tcp、udp 或 tcp port N")
	flag.StringVar(&cfg.ServerIP, "server-ip", "", "Server IP，必填")
	flag.IntVar(&cfg.ServerPort, "server-port", 0, "Server Port，必填")
	flag.DurationVar(&cfg.HTTPPostTimeout, "post-timeout", 5*time.Second, "单次上报超时时间")
	flag.StringVar(&cfg.ModelPath, "model", "", "本地 ONNX 模型路径")
	flag.StringVar(&cfg.ModelMetaPath, "model-meta", "", "预处理参数 JSON，默认与模型同名")
	flag.StringVar(&cfg.ONNXLibrary, "onnx-lib", "", "onnxruntime 共享库路径")
	flag.IntVar(&cfg.Max, "max", 0, "处理报文数上限，0 表示不限")
	flag.BoolVar(&cfg.EnableEBPF, "ebpf", false, "启用 eBPF 进程归属")
	flag.StringVar(&logLevel, "log-level", "info", "日志级别")
	flag.Parse()

	if (cfg.Interface == "" && cfg.PcapPath == "") || cfg.ServerIP == "" || cfg.ServerPort == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.New(logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error("agent 退出", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("agent 正常退出")
}
