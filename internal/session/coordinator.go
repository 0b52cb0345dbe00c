// Package session 管理采集会话的生命周期：启动、按上限自动结束、停止，以及会话期间的记录累计和投递。
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"netsift/internal/capture"
	"netsift/internal/features"
	"netsift/internal/metrics"
	"netsift/internal/persist"
	"netsift/internal/predict"
	"netsift/pkg/model"
)

const (
	DefaultMaxPackets   = 50
	DefaultSaveInterval = 5 * time.Second
)

type Config struct {
	Interface    string
	Filter       string
	MaxPackets   int
	CSVPath      string
	PcapPath     string
	Snaplen      int
	SaveInterval time.Duration
}

// Sink 接收每条分类结果；返回的错误只记日志，不影响会话。
type Sink interface {
	Consume(ctx context.Context, rec *model.ClassifiedPacket) error
}

type SinkFunc func(ctx context.Context, rec *model.ClassifiedPacket) error

func (f SinkFunc) Consume(ctx context.Context, rec *model.ClassifiedPacket) error {
	return f(ctx, rec)
}

// PIDResolver 按 TCP 四元组查进程号，查不到返回 0。
type PIDResolver interface {
	Lookup(srcIP string, srcPort int, dstIP string, dstPort int) int
}

type Deps struct {
	Open       capture.Opener
	Extractor  *features.Extractor
	Classifier predict.Classifier
	Sinks      map[string]Sink
	PIDs       PIDResolver
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Coordinator 是进程内唯一的会话持有者。计数、完成标志和记录序列都由 mu 保护，
// 特征提取、分类和各类 I/O 都在锁外进行。
type Coordinator struct {
	cfg  Config
	deps Deps

	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   *Queue

	mu   sync.Mutex
	sess *state

	saveMu sync.Mutex
}

type state struct {
	id        string
	iface     string
	max       int
	processed int
	complete  bool
	capturing bool
	records   []model.ClassifiedPacket

	src     capture.Source
	archive *capture.Archive
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = DefaultMaxPackets
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = capture.DefaultSnaplen
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Extractor == nil {
		deps.Extractor = features.NewExtractor(nil, deps.Logger)
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("session"),
		metrics: deps.Metrics,
		queue:   NewQueue(),
	}
}

// Queue 返回投递队列，流式推送循环是它唯一的消费者。
func (c *Coordinator) Queue() *Queue {
	return c.queue
}

func (c *Coordinator) DefaultMaxPackets() int {
	return c.cfg.MaxPackets
}

// Start 打开网卡并启动后台读包循环。已有会话在抓包时返回 ErrAlreadyRunning 且不改动任何状态；
// 过滤表达式不合法返回 *FilterError，打开失败返回 *InterfaceError。
// iface、filter 为空时用配置的值，maxPackets <= 0 用配置的默认上限。
func (c *Coordinator) Start(iface, filter string, maxPackets int) (model.StartResult, error) {
	if iface == "" {
		iface = c.cfg.Interface
	}
	if filter == "" {
		filter = c.cfg.Filter
	}
	if maxPackets <= 0 {
		maxPackets = c.cfg.MaxPackets
	}
	if _, err := capture.FilterProgram(filter); err != nil {
		return model.StartResult{}, &FilterError{Expr: filter, Err: err}
	}

	// 打开来源也在锁内：两个并发的 Start 只有一个能走到这里。
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && c.sess.capturing {
		return model.StartResult{}, ErrAlreadyRunning
	}
	if c.deps.Open == nil {
		return model.StartResult{}, &InterfaceError{Interface: iface, Err: errNoOpener}
	}
	src, err := c.deps.Open(iface, filter)
	if err != nil {
		return model.StartResult{}, &InterfaceError{Interface: iface, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &state{
		id:        uuid.NewString(),
		iface:     iface,
		max:       maxPackets,
		capturing: true,
		src:       src,
		cancel:    cancel,
	}
	if c.cfg.PcapPath != "" {
		a, err := capture.CreateArchive(c.cfg.PcapPath, uint32(c.cfg.Snaplen), src.LinkType())
		if err != nil {
			c.logger.Warn("创建 pcap 归档失败，本次会话不归档原始帧", zap.Error(err))
		} else {
			s.archive = a
		}
	}

	c.sess = s
	c.queue.Reset()

	s.wg.Add(2)
	go c.run(ctx, s)
	go c.saveLoop(ctx, s)

	c.metrics.SessionsStarted.Inc()
	c.metrics.CaptureActive.Set(1)
	c.logger.Info("采集会话已启动",
		zap.String("session_id", s.id),
		zap.String("interface", iface),
		zap.String("filter", filter),
		zap.Int("max_packets", maxPackets),
	)
	return model.StartResult{Status: "started", MaxPackets: maxPackets, SessionID: s.id}, nil
}

// Stop 结束当前会话，可重复调用。
func (c *Coordinator) Stop() model.Status {
	c.mu.Lock()
	s := c.sess
	stopped := s != nil && c.finishLocked(s)
	st := c.statusLocked()
	c.mu.Unlock()

	if stopped {
		c.logger.Info("采集会话已停止", zap.String("session_id", s.id), zap.Int("count", st.CurrentCount))
	}
	return st
}

// Wait 等待当前会话的读包循环和保存协程退出。
func (c *Coordinator) Wait() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.wg.Wait()
	}
}

func (c *Coordinator) Status() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Records 返回当前会话已累计记录的副本。
func (c *Coordinator) Records() []model.ClassifiedPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return []model.ClassifiedPacket{}
	}
	out := make([]model.ClassifiedPacket, len(c.sess.records))
	copy(out, c.sess.records)
	return out
}

func (c *Coordinator) statusLocked() model.Status {
	s := c.sess
	if s == nil {
		return model.Status{MaxPackets: c.cfg.MaxPackets}
	}
	return model.Status{
		CurrentCount: s.processed,
		MaxPackets:   s.max,
		Complete:     s.complete,
		Capturing:    s.capturing,
		SessionID:    s.id,
	}
}

// finishLocked 把会话标记为完成并通知读包循环退出，只在第一次调用时生效。
func (c *Coordinator) finishLocked(s *state) bool {
	if !s.capturing {
		return false
	}
	s.capturing = false
	s.complete = true
	s.cancel()
	c.metrics.CaptureActive.Set(0)
	return true
}

func (c *Coordinator) run(ctx context.Context, s *state) {
	defer s.wg.Done()
	defer s.src.Close()

	err := capture.Run(ctx, s.src, func(packet gopacket.Packet) bool {
		return c.handlePacket(ctx, s, packet)
	})
	if err != nil {
		c.logger.Error("读包循环异常退出", zap.String("session_id", s.id), zap.Error(err))
	}

	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			c.logger.Warn("关闭 pcap 归档失败", zap.Error(err))
		}
	}

	// 来源读完或出错时会话同样结束。
	c.mu.Lock()
	ended := c.finishLocked(s)
	count := s.processed
	c.mu.Unlock()
	if ended {
		c.logger.Info("报文来源已结束，会话完成", zap.String("session_id", s.id), zap.Int("count", count))
	}
}

// handlePacket 是每个报文的回调，返回 false 让读包循环退出。
func (c *Coordinator) handlePacket(ctx context.Context, s *state, packet gopacket.Packet) bool {
	c.mu.Lock()
	open := s.capturing && s.processed < s.max
	c.mu.Unlock()
	if !open {
		return false
	}

	obs, rec, err := c.deps.Extractor.ExtractPacket(packet)
	if err != nil {
		c.metrics.ExtractionFailures.Inc()
	}
	// Stop 会取消 ctx，已经在处理的这个报文仍然完成分类。
	pred := c.classify(context.WithoutCancel(ctx), rec)
	out := BuildRecord(s.id, obs, rec, pred)
	if c.deps.PIDs != nil && obs.TCP {
		out.PID = c.deps.PIDs.Lookup(obs.SrcIP, obs.SrcPort, obs.DstIP, obs.DstPort)
	}

	c.mu.Lock()
	if !s.capturing || s.processed >= s.max {
		c.mu.Unlock()
		return false
	}
	s.records = append(s.records, out)
	s.processed++
	c.queue.Push(out)
	reached := s.processed == s.max
	if reached {
		c.finishLocked(s)
	}
	c.mu.Unlock()

	c.metrics.PacketsProcessed.Inc()
	if s.archive != nil {
		if err := s.archive.Write(packet.Metadata().CaptureInfo, packet.Data()); err != nil {
			c.logger.Warn("写 pcap 归档失败", zap.Error(err))
		}
	}
	for name, sink := range c.deps.Sinks {
		if err := sink.Consume(context.WithoutCancel(ctx), &out); err != nil {
			c.logger.Warn("下游写入失败", zap.String("sink", name), zap.Error(err))
		}
	}
	if reached {
		c.logger.Info("已达到报文上限，会话完成", zap.String("session_id", s.id), zap.Int("count", s.max))
	}
	return !reached
}

func (c *Coordinator) classify(ctx context.Context, rec features.Record) predict.Prediction {
	if c.deps.Classifier == nil {
		return predict.Prediction{Label: model.LabelBenign}
	}
	return c.deps.Classifier.Classify(ctx, rec)
}

// saveLoop 定期把整张记录表覆盖写到 CSV，会话结束时再写最后一次。
// 同一节拍里顺带清理超时的流。
func (c *Coordinator) saveLoop(ctx context.Context, s *state) {
	defer s.wg.Done()
	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.save(s)
			if n := c.deps.Extractor.Sweep(time.Now()); n > 0 {
				c.logger.Debug("清理超时流", zap.Int("flows", n))
			}
		case <-ctx.Done():
			c.save(s)
			return
		}
	}
}

// save 覆盖写 CSV。saveMu 让各会话的写入串行，已被新会话替换的会话不再写，
// 文件里始终是最近一个会话的记录。
func (c *Coordinator) save(s *state) {
	if c.cfg.CSVPath == "" {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	recs := make([]model.ClassifiedPacket, len(s.records))
	copy(recs, s.records)
	c.mu.Unlock()

	if err := persist.WriteCSV(c.cfg.CSVPath, recs); err != nil {
		c.metrics.PersistenceFailures.Inc()
		c.logger.Error("保存采集记录失败", zap.String("path", c.cfg.CSVPath), zap.Error(err))
	}
}

// BuildRecord 把一次提取和分类的结果组装成对外记录，agent 也用它生成上报内容。
func BuildRecord(sessionID string, obs features.Observation, rec features.Record, pred predict.Prediction) model.ClassifiedPacket {
	return model.ClassifiedPacket{
		SessionID: sessionID,
		Timestamp: obs.Timestamp,
		SrcIP:     obs.SrcIP,
		SrcPort:   obs.SrcPort,
		DstIP:     obs.DstIP,
		DstPort:   obs.DstPort,
		Protocol:  obs.Protocol,
		Length:    obs.Length,
		Flags:     features.FlagSummary(obs.Flags),
		TTL:       obs.TTL,
		Label:     pred.Label,
		RawLabel:  pred.Raw,
		Features:  rec.Clone(),
	}
}
