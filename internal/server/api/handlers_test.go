package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"netsift/internal/batch"
	"netsift/internal/predict"
	"netsift/internal/server/storage"
	"netsift/internal/session"
	"netsift/pkg/model"
)

type fakeStore struct {
	insert       func(ctx context.Context, rec *model.ClassifiedPacket) error
	queryByIP    func(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error)
	queryByLabel func(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error)
}

func (f *fakeStore) Insert(ctx context.Context, rec *model.ClassifiedPacket) error {
	if f.insert == nil {
		return nil
	}
	return f.insert(ctx, rec)
}

func (f *fakeStore) QueryByIP(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error) {
	return f.queryByIP(ctx, ip, limit)
}

func (f *fakeStore) QueryByLabel(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error) {
	return f.queryByLabel(ctx, label, limit)
}

func (f *fakeStore) Close() error {
	return nil
}

var _ storage.Store = (*fakeStore)(nil)

type fakeCapture struct {
	startErr error
	status   model.Status
	records  []model.ClassifiedPacket
	queue    *session.Queue
	started  []string
	filters  []string
}

func (f *fakeCapture) Start(iface, filter string, maxPackets int) (model.StartResult, error) {
	if f.startErr != nil {
		return model.StartResult{}, f.startErr
	}
	f.started = append(f.started, iface)
	f.filters = append(f.filters, filter)
	if maxPackets == 0 {
		maxPackets = 50
	}
	return model.StartResult{Status: "started", MaxPackets: maxPackets, SessionID: "s-1"}, nil
}

func (f *fakeCapture) Stop() model.Status                { return f.status }
func (f *fakeCapture) Status() model.Status              { return f.status }
func (f *fakeCapture) Records() []model.ClassifiedPacket { return f.records }
func (f *fakeCapture) Queue() *session.Queue             { return f.queue }

var _ Capture = (*session.Coordinator)(nil)

func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Health)
	v1 := r.Group("/api/v1")
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
	return r
}

func do(r http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, w.Body.String())
	}
	return body["error"]
}

func TestStatusBeforeStart(t *testing.T) {
	coord := session.New(session.Config{MaxPackets: 50}, session.Deps{})
	h := NewHandlers(&fakeStore{}, coord, nil, nil, StreamOptions{})
	w := do(newRouter(h), http.MethodGet, "/api/v1/capture/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var st model.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.CurrentCount != 0 || st.MaxPackets != 50 || st.Complete {
		t.Fatalf("status=%+v", st)
	}
}

func TestStartCapture(t *testing.T) {
	fc := &fakeCapture{}
	r := newRouter(NewHandlers(&fakeStore{}, fc, nil, nil, StreamOptions{}))

	w := do(r, http.MethodPost, "/api/v1/capture/start", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("empty body status=%d body=%s", w.Code, w.Body.String())
	}
	var res model.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != "started" || res.MaxPackets != 50 {
		t.Fatalf("res=%+v", res)
	}

	w = do(r, http.MethodPost, "/api/v1/capture/start", []byte(`{"interface":"eth1","max_packets":5}`), "application/json")
	if w.Code != http.StatusOK || fc.started[1] != "eth1" {
		t.Fatalf("status=%d started=%v", w.Code, fc.started)
	}
	w = do(r, http.MethodPost, "/api/v1/capture/start", []byte(`{"filter":"tcp port 443"}`), "application/json")
	if w.Code != http.StatusOK || fc.filters[0] != "" || fc.filters[2] != "tcp port 443" {
		t.Fatalf("status=%d filters=%q", w.Code, fc.filters)
	}

	w = do(r, http.MethodPost, "/api/v1/capture/start", []byte(`{"max_packets":-1}`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative max status=%d", w.Code)
	}
	w = do(r, http.MethodPost, "/api/v1/capture/start", []byte(`{`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
}

func TestStartCaptureErrors(t *testing.T) {
	fc := &fakeCapture{startErr: session.ErrAlreadyRunning}
	r := newRouter(NewHandlers(&fakeStore{}, fc, nil, nil, StreamOptions{}))
	w := do(r, http.MethodPost, "/api/v1/capture/start", nil, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("already running status=%d", w.Code)
	}

	fc.startErr = &session.InterfaceError{Interface: "bogus0", Err: errors.New("no such device")}
	w = do(r, http.MethodPost, "/api/v1/capture/start", nil, "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("interface error status=%d", w.Code)
	}
	if msg := errorOf(t, w); !strings.Contains(msg, "bogus0") || !strings.Contains(msg, "no such device") {
		t.Fatalf("msg=%q", msg)
	}
}

func TestStartCaptureBadFilter(t *testing.T) {
	coord := session.New(session.Config{Filter: "ip"}, session.Deps{})
	r := newRouter(NewHandlers(&fakeStore{}, coord, nil, nil, StreamOptions{}))
	w := do(r, http.MethodPost, "/api/v1/capture/start", []byte(`{"filter":"icmp or arp"}`), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if msg := errorOf(t, w); !strings.Contains(msg, "icmp or arp") {
		t.Fatalf("msg=%q", msg)
	}
	if st := coord.Status(); st.Capturing || st.SessionID != "" {
		t.Fatalf("status=%+v", st)
	}
}

func TestSummary(t *testing.T) {
	fc := &fakeCapture{records: []model.ClassifiedPacket{
		{Label: model.LabelDDoS}, {Label: model.LabelBenign},
	}}
	r := newRouter(NewHandlers(&fakeStore{}, fc, nil, nil, StreamOptions{}))
	w := do(r, http.MethodGet, "/api/v1/capture/summary", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var s model.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Total != 2 || s.RiskScore != 50 || s.Counts[model.LabelDDoS] != 1 {
		t.Fatalf("summary=%+v", s)
	}
}

func multipartBody(t *testing.T, filename, content string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func newBatchRouter(t *testing.T) *gin.Engine {
	t.Helper()
	adapter, err := predict.NewAdapter(predict.Default(), nil, nil)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return newRouter(NewHandlers(&fakeStore{}, &fakeCapture{}, batch.NewPredictor(adapter, nil, nil), nil, StreamOptions{}))
}

func TestPredictCSV(t *testing.T) {
	r := newBatchRouter(t)
	body, ct := multipartBody(t, "flows.csv", "foo,bar\n1,2\n3,4\n")
	w := do(r, http.MethodPost, "/api/v1/predict-csv", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp predictResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Predictions) != 2 || resp.Summary.Total != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	for _, p := range resp.Predictions {
		if p.Label != model.LabelBenign {
			t.Fatalf("label=%q", p.Label)
		}
	}
}

func TestPredictCSVRejectsNonCSV(t *testing.T) {
	r := newBatchRouter(t)
	body, ct := multipartBody(t, "notes.txt", "hello")
	w := do(r, http.MethodPost, "/api/v1/predict-csv", body, ct)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if msg := errorOf(t, w); msg != "Only CSV files are supported" {
		t.Fatalf("msg=%q", msg)
	}

	w = do(r, http.MethodPost, "/api/v1/predict-csv", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing file status=%d", w.Code)
	}
}

func TestUpload(t *testing.T) {
	var got *model.ClassifiedPacket
	store := &fakeStore{insert: func(ctx context.Context, rec *model.ClassifiedPacket) error {
		got = rec
		return nil
	}}
	r := newRouter(NewHandlers(store, &fakeCapture{}, nil, nil, StreamOptions{}))

	body := []byte(`{"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","dst_port":443,"protocol":"TCP","classification":"DDoS Attacks"}`)
	w := do(r, http.MethodPost, "/api/v1/upload", body, "application/json")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got == nil || got.Label != model.LabelDDoS || got.Timestamp.IsZero() {
		t.Fatalf("got=%+v", got)
	}

	bad := map[string]string{
		"ip":    `{"src_ip":"nope","classification":"Benign Traffic"}`,
		"port":  `{"src_port":70000,"classification":"Benign Traffic"}`,
		"label": `{"classification":"Evil"}`,
		"json":  `{`,
	}
	for name, b := range bad {
		if w := do(r, http.MethodPost, "/api/v1/upload", []byte(b), "application/json"); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d", name, w.Code)
		}
	}
}

func TestQueryByLabel(t *testing.T) {
	handled := false
	store := &fakeStore{
		queryByLabel: func(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error) {
			handled = true
			if label != model.LabelScan || limit != 10 {
				t.Fatalf("label=%q limit=%d", label, limit)
			}
			return []model.ClassifiedPacket{{Label: label}}, nil
		},
		queryByIP: func(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error) {
			t.Fatalf("unexpected QueryByIP")
			return nil, nil
		},
	}
	r := newRouter(NewHandlers(store, &fakeCapture{}, nil, nil, StreamOptions{}))
	w := do(r, http.MethodGet, "/api/v1/query?label=Port+Scanning+%26+Brute+Force&limit=10", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if !handled {
		t.Fatalf("not handled")
	}
	var rows []model.ClassifiedPacket
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0].Label != model.LabelScan {
		t.Fatalf("rows=%v", rows)
	}
}

func TestQueryByIP(t *testing.T) {
	handled := false
	store := &fakeStore{
		queryByLabel: func(ctx context.Context, label model.Label, limit int) ([]model.ClassifiedPacket, error) {
			t.Fatalf("unexpected QueryByLabel")
			return nil, nil
		},
		queryByIP: func(ctx context.Context, ip string, limit int) ([]model.ClassifiedPacket, error) {
			handled = true
			if ip != "10.0.0.1" || limit != storage.DefaultLimit {
				t.Fatalf("ip=%s limit=%d", ip, limit)
			}
			return []model.ClassifiedPacket{{SrcIP: ip}}, nil
		},
	}
	r := newRouter(NewHandlers(store, &fakeCapture{}, nil, nil, StreamOptions{}))
	w := do(r, http.MethodGet, "/api/v1/query?ip=10.0.0.1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !handled {
		t.Fatalf("not handled")
	}
}

func TestQueryMissingParams(t *testing.T) {
	r := newRouter(NewHandlers(&fakeStore{}, &fakeCapture{}, nil, nil, StreamOptions{}))
	for _, path := range []string{"/api/v1/query", "/api/v1/query?ip=999.1.1.1", "/api/v1/query?label=Evil"} {
		if w := do(r, http.MethodGet, path, nil, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d", path, w.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	r := newRouter(NewHandlers(&fakeStore{}, &fakeCapture{}, nil, nil, StreamOptions{}))
	if w := do(r, http.MethodGet, "/healthz", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}
