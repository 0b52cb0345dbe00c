package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"netsift/internal/session"
	"netsift/pkg/model"
)

func dialStream(t *testing.T, h *Handlers) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(newRouter(h))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamDeliversPacketsThenCompletes(t *testing.T) {
	q := session.NewQueue()
	q.Push(model.ClassifiedPacket{Length: 64, Label: model.LabelBenign})
	q.Push(model.ClassifiedPacket{Length: 128, Label: model.LabelDoS})
	fc := &fakeCapture{
		queue:  q,
		status: model.Status{CurrentCount: 2, MaxPackets: 2, Complete: true},
	}
	h := NewHandlers(&fakeStore{}, fc, nil, nil, StreamOptions{
		PollInterval:   10 * time.Millisecond,
		StatusInterval: time.Hour,
	})
	conn := dialStream(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msgs []model.StreamMessage
	for {
		var m model.StreamMessage
		if err := conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		msgs = append(msgs, m)
	}

	if len(msgs) != 3 {
		t.Fatalf("messages=%+v", msgs)
	}
	if msgs[0].Type != model.MessagePacket || msgs[0].Packet.Length != 64 {
		t.Fatalf("first=%+v", msgs[0])
	}
	if msgs[1].Type != model.MessagePacket || msgs[1].Packet.Label != model.LabelDoS {
		t.Fatalf("second=%+v", msgs[1])
	}
	if msgs[2].Type != model.MessageComplete || msgs[2].Status == nil || msgs[2].Status.CurrentCount != 2 {
		t.Fatalf("last=%+v", msgs[2])
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestStreamSendsPeriodicStatus(t *testing.T) {
	fc := &fakeCapture{
		queue:  session.NewQueue(),
		status: model.Status{CurrentCount: 7, MaxPackets: 50, Capturing: true},
	}
	h := NewHandlers(&fakeStore{}, fc, nil, nil, StreamOptions{
		PollInterval:   10 * time.Millisecond,
		StatusInterval: 20 * time.Millisecond,
	})
	conn := dialStream(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var m model.StreamMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != model.MessageStatus || m.Status == nil || m.Status.CurrentCount != 7 || m.Packet != nil {
		t.Fatalf("msg=%+v", m)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
}
