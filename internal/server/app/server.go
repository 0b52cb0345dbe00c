package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"netsift/internal/agent/pidmap"
	"netsift/internal/batch"
	"netsift/internal/capture"
	"netsift/internal/features"
	"netsift/internal/metrics"
	"netsift/internal/predict"
	"netsift/internal/server/api"
	"netsift/internal/server/publish"
	"netsift/internal/server/storage"
	"netsift/internal/server/storage/clickhouse"
	"netsift/internal/server/storage/duckdb"
	"netsift/internal/server/storage/sqlite"
	"netsift/internal/session"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	store storage.Store
	coord *session.Coordinator
	pub   *publish.Publisher
	model io.Closer
	pids  *pidmap.Resolver
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	s := &Server{logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.closeDeps()
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.store = store

	pipeline, mdl, err := buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	s.model = mdl
	classifier, err := predict.NewAdapter(pipeline, logger.Named("predict"), m)
	if err != nil {
		return nil, err
	}

	var flows *features.FlowTable
	if cfg.FlowStats {
		flows = features.NewFlowTable(cfg.FlowTimeout)
	}

	sinks := map[string]session.Sink{
		"store": session.SinkFunc(store.Insert),
	}
	if cfg.NATSURL != "" {
		pub, err := publish.NewPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, err
		}
		s.pub = pub
		sinks["nats"] = session.SinkFunc(pub.Publish)
	}

	deps := session.Deps{
		Open:       capture.LiveOpener(capture.DefaultSnaplen),
		Extractor:  features.NewExtractor(flows, logger),
		Classifier: classifier,
		Sinks:      sinks,
		Logger:     logger,
		Metrics:    m,
	}
	if cfg.EnableEBPF {
		pids, err := pidmap.NewResolver(logger.Named("pidmap"))
		if err != nil {
			// 没有权限或内核不支持时继续运行，只是不补 pid。
			logger.Warn("eBPF 进程归属不可用", zap.Error(err))
		} else {
			s.pids = pids
			deps.PIDs = pids
		}
	}

	s.coord = session.New(session.Config{
		Interface:    cfg.Interface,
		Filter:       cfg.Filter,
		MaxPackets:   cfg.MaxPackets,
		CSVPath:      cfg.CSVPath,
		PcapPath:     cfg.PcapPath,
		Snaplen:      capture.DefaultSnaplen,
		SaveInterval: cfg.SaveInterval,
	}, deps)

	bp := batch.NewPredictor(classifier, logger, m)
	h := api.NewHandlers(store, s.coord, bp, logger, api.StreamOptions{
		PollInterval:   cfg.StreamPollInterval,
		StatusInterval: cfg.StatusInterval,
	})

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger.Named("http")))

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	v1 := router.Group("/api/v1")
	{
		v1.POST("/capture/start", h.StartCapture)
		v1.POST("/capture/stop", h.StopCapture)
		v1.GET("/capture/status", h.CaptureStatus)
		v1.GET("/capture/records", h.Records)
		v1.GET("/capture/summary", h.Summary)
		v1.GET("/stream", h.Stream)
		v1.POST("/predict-csv", h.PredictCSV)
		v1.POST("/upload", h.Upload)
		v1.GET("/query", h.Query)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ok = true
	return s, nil
}

func openStore(cfg Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return sqlite.NewStore(cfg.DBPath)
	case "duckdb":
		return duckdb.NewStore(cfg.DBPath)
	case "clickhouse":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return clickhouse.NewStore(ctx, cfg.DBPath)
	default:
		return nil, fmt.Errorf("不支持的数据库类型：%s", cfg.DBDriver)
	}
}

func buildPipeline(cfg Config) (predict.Pipeline, io.Closer, error) {
	return predict.Build(predict.Options{
		ModelPath:     cfg.ModelPath,
		MetaPath:      cfg.ModelMetaPath,
		LibraryPath:   cfg.ONNXLibrary,
		Threads:       cfg.ONNXThreads,
		RemoteAddr:    cfg.RemoteModelAddr,
		RemoteTimeout: cfg.RemoteModelTimeout,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("server 监听", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown 先结束采集会话并等待最后一次落盘，再关闭 HTTP 和各个外部连接。
func (s *Server) Shutdown(ctx context.Context) error {
	s.coord.Stop()
	s.coord.Wait()
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.closeDeps(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) closeDeps() error {
	var firstErr error
	if s.store != nil {
		firstErr = s.store.Close()
	}
	if s.pub != nil {
		s.pub.Close()
	}
	if s.model != nil {
		if err := s.model.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.pids != nil {
		if err := s.pids.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
