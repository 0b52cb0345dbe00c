package sqlite

import (
	"context"
	"os"
	"testing"
	"time"

	"netsift/pkg/model"
)

func TestStore_InsertAndQuery(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test_packets_*.sqlite")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	s, err := NewStore(tmpFile.Name())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec1 := &model.ClassifiedPacket{
		SessionID: "s1",
		Timestamp: now,
		SrcIP:     "192.168.1.10",
		SrcPort:   12345,
		DstIP:     "10.0.0.1",
		DstPort:   80,
		Protocol:  "TCP",
		Length:    60,
		Flags:     "SYN",
		TTL:       64,
		PID:       1001,
		Label:     model.LabelScan,
		RawLabel:  "PortScan",
		Features:  map[string]float64{"Destination Port": 80, "SYN Flag Count": 1},
	}
	rec2 := &model.ClassifiedPacket{
		Timestamp: now.Add(time.Second),
		SrcIP:     "10.0.0.1",
		DstIP:     "172.16.0.5",
		Protocol:  "UDP",
		Label:     model.LabelBenign,
	}

	for _, r := range []*model.ClassifiedPacket{rec1, rec2} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := s.Insert(ctx, nil); err == nil {
		t.Fatalf("Insert(nil) should fail")
	}

	// Test QueryByIP
	rows, err := s.QueryByIP(ctx, "192.168.1.10", 10)
	if err != nil {
		t.Fatalf("QueryByIP failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.PID != 1001 || got.Label != model.LabelScan || got.RawLabel != "PortScan" || got.DstPort != 80 {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Features["SYN Flag Count"] != 1 {
		t.Errorf("features not restored: %v", got.Features)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("timestamp=%v want %v", got.Timestamp, now)
	}

	// 两条记录都涉及 10.0.0.1，按时间倒序返回。
	rows, err = s.QueryByIP(ctx, "10.0.0.1", 10)
	if err != nil {
		t.Fatalf("QueryByIP failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Protocol != "UDP" {
		t.Fatalf("rows=%+v", rows)
	}

	// Test QueryByLabel
	rows, err = s.QueryByLabel(ctx, model.LabelBenign, 10)
	if err != nil {
		t.Fatalf("QueryByLabel failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DstIP != "172.16.0.5" || rows[0].Features != nil {
		t.Errorf("rows=%+v", rows)
	}

	// Test QueryByLabel Miss
	rows, err = s.QueryByLabel(ctx, model.LabelDDoS, 10)
	if err != nil {
		t.Fatalf("QueryByLabel miss failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected 0 rows, got %d", len(rows))
	}
}
