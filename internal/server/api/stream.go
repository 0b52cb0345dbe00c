package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"netsift/pkg/model"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream 把投递队列里的记录推给 WebSocket 客户端。
// 每个轮询周期取空队列；会话完成且队列为空时发送一次 capture_complete 并正常关闭连接。
func (h *Handlers) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	remote := c.Request.RemoteAddr
	h.logger.Info("stream 客户端已连接", zap.String("remote", remote))

	// 读协程只用来发现客户端断开（含对端发来的 close 帧）。
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(h.stream.PollInterval)
	defer poll.Stop()
	status := time.NewTicker(h.stream.StatusInterval)
	defer status.Stop()

	queue := h.capture.Queue()
	for {
		select {
		case <-gone:
			h.logger.Info("stream 客户端已断开", zap.String("remote", remote))
			return

		case <-status.C:
			st := h.capture.Status()
			if err := h.write(conn, model.StreamMessage{Type: model.MessageStatus, Status: &st}); err != nil {
				h.logger.Debug("推送状态失败", zap.Error(err))
				return
			}

		case <-poll.C:
			for _, p := range queue.Drain() {
				if err := h.write(conn, model.StreamMessage{Type: model.MessagePacket, Packet: &p}); err != nil {
					h.logger.Debug("推送记录失败", zap.Error(err))
					return
				}
			}
			// 先看状态再看队列：完成标志和最后一条记录在同一把锁内写入，这样不会漏掉尾部记录。
			st := h.capture.Status()
			if st.Complete && queue.Len() == 0 {
				if err := h.write(conn, model.StreamMessage{Type: model.MessageComplete, Status: &st}); err != nil {
					return
				}
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture complete")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
				h.logger.Info("会话完成，关闭 stream", zap.String("remote", remote), zap.Int("count", st.CurrentCount))
				return
			}
		}
	}
}

func (h *Handlers) write(conn *websocket.Conn, msg model.StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
