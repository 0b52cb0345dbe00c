package features

import (
	"math"
	"testing"
	"time"
)

func TestFlowTable_Bidirectional(t *testing.T) {
	ft := NewFlowTable(30 * time.Second)
	start := time.Unix(1700000000, 0)

	client := Observation{Network: true, Transport: true, TCP: true, Protocol: "TCP",
		SrcIP: "192.168.1.10", SrcPort: 40000, DstIP: "10.0.0.1", DstPort: 80, DataOffset: 5}
	server := Observation{Network: true, Transport: true, TCP: true, Protocol: "TCP",
		SrcIP: "10.0.0.1", SrcPort: 80, DstIP: "192.168.1.10", DstPort: 40000, DataOffset: 5}

	p1 := client
	p1.Timestamp, p1.Length, p1.Flags, p1.Window = start, 60, FlagSYN, 1024
	ft.Observe(p1)

	p2 := server
	p2.Timestamp, p2.Length, p2.Flags, p2.Window = start.Add(10*time.Millisecond), 60, FlagSYN|FlagACK, 2048
	ft.Observe(p2)

	p3 := client
	p3.Timestamp, p3.Length, p3.Flags, p3.PayloadLen = start.Add(30*time.Millisecond), 140, FlagACK|FlagPSH, 80
	rec := ft.Observe(p3)

	if ft.Len() != 1 {
		t.Fatalf("flows=%d", ft.Len())
	}
	checks := map[string]float64{
		"Total Fwd Packets":           2,
		"Total Backward Packets":      1,
		"Total Length of Fwd Packets": 200,
		"Total Length of Bwd Packets": 60,
		"Fwd Packet Length Max":       140,
		"Fwd Packet Length Min":       60,
		"Fwd Packet Length Mean":      100,
		"Flow Duration":               30000,
		"Flow IAT Mean":               15000,
		"Flow IAT Max":                20000,
		"Flow IAT Min":                10000,
		"Fwd IAT Total":               30000,
		"SYN Flag Count":              2,
		"ACK Flag Count":              2,
		"PSH Flag Count":              1,
		"Fwd PSH Flags":               1,
		"Init_Win_bytes_forward":      1024,
		"Init_Win_bytes_backward":     2048,
		"act_data_pkt_fwd":            1,
		"min_seg_size_forward":        20,
		"Fwd Header Length":           80,
		"Bwd Header Length":           40,
		"Down/Up Ratio":               0.5,
	}
	for k, want := range checks {
		if got := rec[k]; math.Abs(got-want) > 1e-9 {
			t.Errorf("%s=%v want %v", k, got, want)
		}
	}
	// 3 个报文共 260 字节，持续 0.03 秒。
	if got := rec["Flow Bytes/s"]; math.Abs(got-260/0.03) > 1e-6 {
		t.Errorf("Flow Bytes/s=%v", got)
	}
	assertFullSchema(t, rec)
}

func TestFlowTable_Cleanup(t *testing.T) {
	ft := NewFlowTable(time.Second)
	now := time.Now()
	ft.Observe(Observation{Timestamp: now, Length: 10, Network: true, Protocol: "UDP", SrcIP: "a", DstIP: "b"})
	if n := ft.Cleanup(now); n != 0 {
		t.Fatalf("removed=%d", n)
	}
	if n := ft.Cleanup(now.Add(2 * time.Second)); n != 1 {
		t.Fatalf("removed=%d", n)
	}
	if ft.Len() != 0 {
		t.Fatalf("flows=%d", ft.Len())
	}
}

func TestFlowTable_CleanupReplayClock(t *testing.T) {
	ft := NewFlowTable(time.Minute)
	old := time.Unix(1700000000, 0)
	udp := func(src string, ts time.Time) Observation {
		return Observation{Timestamp: ts, Length: 10, Network: true, Protocol: "UDP", SrcIP: src, DstIP: "b"}
	}

	ft.Observe(udp("a", old))
	ft.Observe(udp("c", old.Add(time.Second)))
	// 报文时间戳比本机时间早很多，本机时钟不能让它们超时。
	if n := ft.Cleanup(time.Now()); n != 0 {
		t.Fatalf("removed=%d", n)
	}

	// 回放推进到 10 分钟之后，前面两条流按报文时钟已经空闲超时。
	ft.Observe(udp("d", old.Add(10*time.Minute)))
	if n := ft.Cleanup(time.Now()); n != 2 {
		t.Fatalf("removed=%d", n)
	}
	if ft.Len() != 1 {
		t.Fatalf("flows=%d", ft.Len())
	}

	if n := ft.Cleanup(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("removed after idle=%d", n)
	}
}

func TestRunningStat(t *testing.T) {
	var s runningStat
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.add(v)
	}
	if math.Abs(s.mean-5) > 1e-9 || s.min != 2 || s.max != 9 {
		t.Fatalf("stat=%+v", s)
	}
	if math.Abs(s.variance()-32.0/7.0) > 1e-9 {
		t.Fatalf("variance=%v", s.variance())
	}
}
