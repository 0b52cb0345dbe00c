package batch

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"netsift/internal/features"
	"netsift/internal/persist"
	"netsift/internal/predict"
	"netsift/pkg/model"
)

type recordingClassifier struct {
	mu    sync.Mutex
	seen  []features.Record
	label model.Label
}

func (r *recordingClassifier) Classify(ctx context.Context, rec features.Record) predict.Prediction {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec)
	return predict.Prediction{Label: r.label, Raw: "stub"}
}

func newTestPredictor(c predict.Classifier) *Predictor {
	p := NewPredictor(c, nil, nil)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

func TestPredict_RowsWithoutSchemaColumns(t *testing.T) {
	c := &recordingClassifier{label: model.LabelBenign}
	p := newTestPredictor(c)

	body := "foo,bar\n1,2\n3,4\n"
	out, err := p.PredictCSV(context.Background(), "upload.csv", strings.NewReader(body))
	if err != nil {
		t.Fatalf("PredictCSV: %v", err)
	}
	if len(out) != 2 || len(c.seen) != 2 {
		t.Fatalf("out=%d seen=%d", len(out), len(c.seen))
	}
	for i, rec := range c.seen {
		if len(rec) != len(features.Names()) {
			t.Fatalf("row %d keys=%d", i, len(rec))
		}
		for name, v := range rec {
			if v != 0 {
				t.Fatalf("row %d %s=%v", i, name, v)
			}
		}
	}
	r := out[0]
	if r.SrcIP != "192.168.1.1" || r.DstIP != "192.168.1.2" || r.Protocol != "TCP" || r.TTL != 64 {
		t.Fatalf("placeholders=%+v", r)
	}
	if !r.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp=%v", r.Timestamp)
	}
}

func TestPredict_ParsesSchemaAndDisplayColumns(t *testing.T) {
	c := &recordingClassifier{label: model.LabelDDoS}
	p := newTestPredictor(c)

	body := " Destination Port, Flow Duration, Source IP,Protocol,ttl,Flow Bytes/s\n" +
		"80,1200,10.1.1.1,6,55,Infinity\n" +
		"53,abc,,17,,NaN\n"
	out, err := p.PredictCSV(context.Background(), "flows.CSV", strings.NewReader(body))
	if err != nil {
		t.Fatalf("PredictCSV: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("out=%d", len(out))
	}

	first := c.seen[0]
	if first["Destination Port"] != 80 || first["Flow Duration"] != 1200 || first["Flow Bytes/s"] != 0 {
		t.Fatalf("first=%v %v %v", first["Destination Port"], first["Flow Duration"], first["Flow Bytes/s"])
	}
	if c.seen[1]["Flow Duration"] != 0 {
		t.Fatalf("non-numeric should be 0")
	}

	if out[0].SrcIP != "10.1.1.1" || out[0].DstPort != 80 || out[0].Protocol != "TCP" || out[0].TTL != 55 {
		t.Fatalf("out[0]=%+v", out[0])
	}
	if out[1].SrcIP != "192.168.1.1" || out[1].Protocol != "UDP" || out[1].TTL != 64 {
		t.Fatalf("out[1]=%+v", out[1])
	}
	if out[0].Label != model.LabelDDoS || out[0].Features["Destination Port"] != 80 {
		t.Fatalf("label/features=%+v", out[0])
	}
}

func TestPredictCSV_RejectsNonCSV(t *testing.T) {
	p := newTestPredictor(&recordingClassifier{})
	cases := []struct {
		name string
		body []byte
	}{
		{"flows.txt", []byte("a,b\n1,2\n")},
		{"flows.csv", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}},
		{"flows.csv", []byte("")},
		{"flows.csv", []byte("a,b\n1,2,3\n")},
	}
	for _, c := range cases {
		_, err := p.PredictCSV(context.Background(), c.name, bytes.NewReader(c.body))
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("%s %q: err=%v", c.name, c.body, err)
		}
	}
}

func TestPredictCSV_RoundTripsPersistedCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captured_packets.csv")
	rec := features.NewRecord()
	rec["Destination Port"] = 22
	rec["SYN Flag Count"] = 1
	captured := []model.ClassifiedPacket{{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SrcIP:     "172.16.0.9", SrcPort: 51000, DstIP: "172.16.0.1", DstPort: 22,
		Protocol: "TCP", Length: 74, Flags: "SYN", TTL: 63, Label: model.LabelScan, Features: rec.Clone(),
	}}
	if err := persist.WriteCSV(path, captured); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	c := &recordingClassifier{label: model.LabelScan}
	p := newTestPredictor(c)
	data := mustRead(t, path)
	out, err := p.PredictCSV(context.Background(), filepath.Base(path), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("PredictCSV: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("out=%d", len(out))
	}
	got := out[0]
	if got.SrcIP != "172.16.0.9" || got.SrcPort != 51000 || got.DstPort != 22 || got.Flags != "SYN" ||
		got.TTL != 63 || got.Length != 74 || !got.Timestamp.Equal(captured[0].Timestamp) {
		t.Fatalf("got=%+v", got)
	}
	if c.seen[0]["SYN Flag Count"] != 1 || c.seen[0]["Destination Port"] != 22 {
		t.Fatalf("features not restored")
	}
}
