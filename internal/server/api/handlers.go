package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"netsift/internal/batch"
	"netsift/internal/server/storage"
	"netsift/internal/session"
	"netsift/pkg/model"
)

// Capture 是采集会话对外暴露的能力，由 session.Coordinator 实现。
type Capture interface {
	Start(iface, filter string, maxPackets int) (model.StartResult, error)
	Stop() model.Status
	Status() model.Status
	Records() []model.ClassifiedPacket
	Queue() *session.Queue
}

type BatchPredictor interface {
	PredictCSV(ctx context.Context, filename string, r io.Reader) ([]model.ClassifiedPacket, error)
}

type StreamOptions struct {
	PollInterval   time.Duration
	StatusInterval time.Duration
}

const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultStatusInterval = time.Second
)

type Handlers struct {
	store   storage.Store
	capture Capture
	batch   BatchPredictor
	logger  *zap.Logger
	stream  StreamOptions
}

func NewHandlers(store storage.Store, capture Capture, bp BatchPredictor, logger *zap.Logger, opts StreamOptions) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	return &Handlers{store: store, capture: capture, batch: bp, logger: logger.Named("api"), stream: opts}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type startRequest struct {
	Interface  string `json:"interface"`
	Filter     string `json:"filter"`
	MaxPackets int    `json:"max_packets"`
}

func (h *Handlers) StartCapture(c *gin.Context) {
	var req startRequest
	// 请求体可以为空，此时使用配置的网卡、过滤表达式和上限。
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON 解析失败：" + err.Error()})
		return
	}
	if req.MaxPackets < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_packets 不能为负数"})
		return
	}

	res, err := h.capture.Start(req.Interface, req.Filter, req.MaxPackets)
	if err != nil {
		var (
			ie *session.InterfaceError
			fe *session.FilterError
		)
		switch {
		case errors.Is(err, session.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "Capture already running"})
		case errors.As(err, &fe):
			c.JSON(http.StatusBadRequest, gin.H{"error": fe.Error()})
		case errors.As(err, &ie):
			c.JSON(http.StatusInternalServerError, gin.H{"error": ie.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) StopCapture(c *gin.Context) {
	st := h.capture.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "current_count": st.CurrentCount})
}

func (h *Handlers) CaptureStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.capture.Status())
}

func (h *Handlers) Records(c *gin.Context) {
	c.JSON(http.StatusOK, h.capture.Records())
}

func (h *Handlers) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, model.Summarize(h.capture.Records()))
}

type predictResponse struct {
	Predictions []model.ClassifiedPacket `json:"predictions"`
	Summary     model.Summary            `json:"summary"`
}

func (h *Handlers) PredictCSV(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件 file"})
		return
	}
	out, err := h.predictFile(c.Request.Context(), fh)
	if err != nil {
		if errors.Is(err, batch.ErrUnsupportedFormat) {
			h.logger.Info("拒绝非 CSV 上传", zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Only CSV files are supported"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "处理上传文件失败：" + err.Error()})
		return
	}
	c.JSON(http.StatusOK, predictResponse{Predictions: out, Summary: model.Summarize(out)})
}

func (h *Handlers) predictFile(ctx context.Context, fh *multipart.FileHeader) ([]model.ClassifiedPacket, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return h.batch.PredictCSV(ctx, fh.Filename, f)
}

func (h *Handlers) Upload(c *gin.Context) {
	var rec model.ClassifiedPacket
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON 解析失败：" + err.Error()})
		return
	}

	// 非 IP 报文没有地址，允许为空；出现时必须合法。
	if !validOptionalIP(rec.SrcIP) || !validOptionalIP(rec.DstIP) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "src_ip/dst_ip 非法"})
		return
	}
	if !validPort(rec.SrcPort) || !validPort(rec.DstPort) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "src_port/dst_port 非法"})
		return
	}
	if !rec.Label.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "classification 非法"})
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if err := h.store.Insert(c.Request.Context(), &rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写入数据库失败：" + err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handlers) Query(c *gin.Context) {
	limit := storage.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 2000 {
			limit = v
		}
	}

	var (
		rows []model.ClassifiedPacket
		err  error
	)
	switch {
	case c.Query("ip") != "":
		ip := c.Query("ip")
		if net.ParseIP(ip) == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ip 参数非法"})
			return
		}
		rows, err = h.store.QueryByIP(c.Request.Context(), ip, limit)
	case c.Query("label") != "":
		label := model.Label(c.Query("label"))
		if !label.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "label 参数非法"})
			return
		}
		rows, err = h.store.QueryByLabel(c.Request.Context(), label, limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要 ip 或 label 参数"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询失败：" + err.Error()})
		return
	}

	c.JSON(http.StatusOK, rows)
}

func validOptionalIP(s string) bool {
	return s == "" || net.ParseIP(s) != nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
