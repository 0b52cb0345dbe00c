package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"netsift/internal/logging"
	"netsift/internal/server/app"
)

func main() {
	var (
		configPath string
		flags      app.Config
	)
	flag.StringVar(&configPath, "config", "", "YAML 配置文件路径")
	flag.StringVar(&flags.ListenAddr, "listen", ":8000", "监听地址")
	flag.StringVar(&flags.Interface, "iface", "any", "默认抓包网卡")
	flag.StringVar(&flags.Filter, "filter", "ip", "抓包过滤：ip、tcp、udp 或 tcp port N")
	flag.IntVar(&flags.MaxPackets, "max", 50, "每次会话默认抓包上限")
	flag.StringVar(&flags.DBDriver, "db-driver", "sqlite", "数据库类型：sqlite、duckdb 或 clickhouse")
	flag.StringVar(&flags.DBPath, "db", "./netsift.sqlite", "数据库文件路径或 ClickHouse DSN")
	flag.StringVar(&flags.CSVPath, "csv", "./captured_packets.csv", "会话记录 CSV 路径")
	flag.StringVar(&flags.PcapPath, "pcap", "", "原始报文归档路径，空表示不归档")
	flag.StringVar(&flags.ModelPath, "model", "", "本地 ONNX 模型路径")
	flag.StringVar(&flags.ModelMetaPath, "model-meta", "", "预处理参数 JSON，默认与模型同名")
	flag.StringVar(&flags.ONNXLibrary, "onnx-lib", "", "onnxruntime 共享库路径")
	flag.StringVar(&flags.RemoteModelAddr, "remote-model", "", "远程模型 gRPC 地址")
	flag.StringVar(&flags.NATSURL, "nats", "", "NATS 地址，空表示不发布")
	flag.BoolVar(&flags.FlowStats, "flow-stats", false, "按双向流聚合特征")
	flag.BoolVar(&flags.EnableEBPF, "ebpf", false, "启用 eBPF 进程归属")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "日志级别")
	flag.BoolVar(&flags.LogDev, "log-dev", false, "使用开发模式日志格式")
	flag.Parse()

	cfg := app.DefaultConfig()
	if configPath != "" {
		loaded, err := app.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "加载配置失败：%v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	// 命令行显式给出的参数覆盖配置文件。
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = flags.ListenAddr
		case "iface":
			cfg.Interface = flags.Interface
		case "filter":
			cfg.Filter = flags.Filter
		case "max":
			cfg.MaxPackets = flags.MaxPackets
		case "db-driver":
			cfg.DBDriver = flags.DBDriver
		case "db":
			cfg.DBPath = flags.DBPath
		case "csv":
			cfg.CSVPath = flags.CSVPath
		case "pcap":
			cfg.PcapPath = flags.PcapPath
		case "model":
			cfg.ModelPath = flags.ModelPath
		case "model-meta":
			cfg.ModelMetaPath = flags.ModelMetaPath
		case "onnx-lib":
			cfg.ONNXLibrary = flags.ONNXLibrary
		case "remote-model":
			cfg.RemoteModelAddr = flags.RemoteModelAddr
		case "nats":
			cfg.NATSURL = flags.NATSURL
		case "flow-stats":
			cfg.FlowStats = flags.FlowStats
		case "ebpf":
			cfg.EnableEBPF = flags.EnableEBPF
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-dev":
			cfg.LogDev = flags.LogDev
		}
	})

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("server 初始化失败", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server 关闭出错", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server 运行失败", zap.Error(err))
	}
	<-done
}
