package features

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FlowTable 按 5 元组把报文聚合成双向流，第一个报文的方向记为正向。
// 这里不做 TCP 状态跟踪，流只在空闲超过 timeout 后被清理或被新流替换。
type FlowTable struct {
	mu      sync.Mutex
	flows   map[string]*flowState
	timeout time.Duration

	// newest 是见过的最大报文时间戳，seenAt 是它被更新时的本机时间。
	newest time.Time
	seenAt time.Time
}

type flowState struct {
	initiator string
	start     time.Time
	last      time.Time
	lastFwd   time.Time
	lastBwd   time.Time
	dstPort   int

	fwdLen, bwdLen, allLen  runningStat
	flowIAT, fwdIAT, bwdIAT runningStat

	fwdHeader, bwdHeader float64
	fwdPSH, fwdURG       float64
	bwdPSH, bwdURG       float64
	flagCounts           [8]float64
	initWinFwd           float64
	initWinBwd           float64
	actDataFwd           float64
	minSegFwd            float64
}

func NewFlowTable(timeout time.Duration) *FlowTable {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &FlowTable{
		flows:   make(map[string]*flowState, 1024),
		timeout: timeout,
	}
}

// Observe 把报文计入所属的流，并返回该流当前的特征快照。
func (t *FlowTable) Observe(obs Observation) Record {
	src := endpoint(obs.SrcIP, obs.SrcPort)
	dst := endpoint(obs.DstIP, obs.DstPort)
	key := flowKey(src, dst, obs.Protocol)

	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.flows[key]
	if !ok || obs.Timestamp.Sub(f.last) > t.timeout {
		f = &flowState{
			initiator:  src,
			start:      obs.Timestamp,
			dstPort:    obs.DstPort,
			initWinFwd: -1,
			initWinBwd: -1,
		}
		t.flows[key] = f
	}
	f.add(obs, src == f.initiator)
	if obs.Timestamp.After(t.newest) {
		t.newest = obs.Timestamp
		t.seenAt = time.Now()
	}
	return f.record()
}

// Cleanup 删除空闲超过 timeout 的流，返回删除数量。
// 空闲时间按报文时钟计算：最新报文时间戳加上此后本机经过的时间。实时抓包时它就是 now，
// 回放旧 pcap 时不会因为时间戳落后于本机时间而把流全部清掉。
func (t *FlowTable) Cleanup(now time.Time) int {
	removed := 0
	t.mu.Lock()
	deadline := t.clock(now).Add(-t.timeout)
	for k, f := range t.flows {
		if f.last.Before(deadline) {
			delete(t.flows, k)
			removed++
		}
	}
	t.mu.Unlock()
	return removed
}

func (t *FlowTable) clock(now time.Time) time.Time {
	if t.newest.IsZero() {
		return now
	}
	return t.newest.Add(now.Sub(t.seenAt))
}

func (t *FlowTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

func endpoint(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// flowKey 与方向无关：两个端点按字典序排列后拼接。
func flowKey(a, b, proto string) string {
	if b < a {
		a, b = b, a
	}
	return a + "-" + b + "/" + proto
}

func (f *flowState) add(obs Observation, forward bool) {
	length := float64(obs.Length)
	hdr := headerLength(obs)
	ts := obs.Timestamp

	if f.allLen.n > 0 {
		f.flowIAT.add(micros(ts.Sub(f.last)))
	}
	f.allLen.add(length)

	if forward {
		if f.fwdLen.n > 0 {
			f.fwdIAT.add(micros(ts.Sub(f.lastFwd)))
		}
		f.fwdLen.add(length)
		f.lastFwd = ts
		f.fwdHeader += hdr
		if obs.Flags&FlagPSH != 0 {
			f.fwdPSH++
		}
		if obs.Flags&FlagURG != 0 {
			f.fwdURG++
		}
		if obs.TCP {
			if f.initWinFwd < 0 {
				f.initWinFwd = float64(obs.Window)
			}
			seg := float64(obs.DataOffset) * 4
			if f.fwdLen.n == 1 || seg < f.minSegFwd {
				f.minSegFwd = seg
			}
		}
		if obs.PayloadLen > 0 {
			f.actDataFwd++
		}
	} else {
		if f.bwdLen.n > 0 {
			f.bwdIAT.add(micros(ts.Sub(f.lastBwd)))
		}
		f.bwdLen.add(length)
		f.lastBwd = ts
		f.bwdHeader += hdr
		if obs.Flags&FlagPSH != 0 {
			f.bwdPSH++
		}
		if obs.Flags&FlagURG != 0 {
			f.bwdURG++
		}
		if obs.TCP && f.initWinBwd < 0 {
			f.initWinBwd = float64(obs.Window)
		}
	}

	for i, ff := range flagFeatures {
		if obs.Flags&ff.bit != 0 {
			f.flagCounts[i]++
		}
	}
	if ts.After(f.last) {
		f.last = ts
	}
}

func (f *flowState) record() Record {
	rec := NewRecord()
	duration := micros(f.last.Sub(f.start))
	fwdPkts := float64(f.fwdLen.n)
	bwdPkts := float64(f.bwdLen.n)
	totalPkts := fwdPkts + bwdPkts
	totalBytes := f.fwdLen.sum + f.bwdLen.sum

	rec["Destination Port"] = float64(f.dstPort)
	rec["Flow Duration"] = duration
	rec["Total Fwd Packets"] = fwdPkts
	rec["Total Backward Packets"] = bwdPkts
	rec["Total Length of Fwd Packets"] = f.fwdLen.sum
	rec["Total Length of Bwd Packets"] = f.bwdLen.sum
	rec["Fwd Packet Length Max"] = f.fwdLen.max
	rec["Fwd Packet Length Min"] = f.fwdLen.min
	rec["Fwd Packet Length Mean"] = f.fwdLen.mean
	rec["Fwd Packet Length Std"] = f.fwdLen.std()
	rec["Bwd Packet Length Max"] = f.bwdLen.max
	rec["Bwd Packet Length Min"] = f.bwdLen.min
	rec["Bwd Packet Length Mean"] = f.bwdLen.mean
	rec["Bwd Packet Length Std"] = f.bwdLen.std()

	// 单报文流的持续时间为 0，此时速率退化为总量，与非聚合模式保持一致。
	seconds := duration / 1e6
	if seconds > 0 {
		rec["Flow Bytes/s"] = totalBytes / seconds
		rec["Flow Packets/s"] = totalPkts / seconds
		rec["Fwd Packets/s"] = fwdPkts / seconds
		rec["Bwd Packets/s"] = bwdPkts / seconds
	} else {
		rec["Flow Bytes/s"] = totalBytes
		rec["Flow Packets/s"] = totalPkts
		rec["Fwd Packets/s"] = fwdPkts
		rec["Bwd Packets/s"] = bwdPkts
	}

	rec["Flow IAT Mean"] = f.flowIAT.mean
	rec["Flow IAT Std"] = f.flowIAT.std()
	rec["Flow IAT Max"] = f.flowIAT.max
	rec["Flow IAT Min"] = f.flowIAT.min
	rec["Fwd IAT Total"] = f.fwdIAT.sum
	rec["Fwd IAT Mean"] = f.fwdIAT.mean
	rec["Fwd IAT Std"] = f.fwdIAT.std()
	rec["Fwd IAT Max"] = f.fwdIAT.max
	rec["Fwd IAT Min"] = f.fwdIAT.min
	rec["Bwd IAT Total"] = f.bwdIAT.sum
	rec["Bwd IAT Mean"] = f.bwdIAT.mean
	rec["Bwd IAT Std"] = f.bwdIAT.std()
	rec["Bwd IAT Max"] = f.bwdIAT.max
	rec["Bwd IAT Min"] = f.bwdIAT.min

	rec["Fwd PSH Flags"] = f.fwdPSH
	rec["Bwd PSH Flags"] = f.bwdPSH
	rec["Fwd URG Flags"] = f.fwdURG
	rec["Bwd URG Flags"] = f.bwdURG
	rec["Fwd Header Length"] = f.fwdHeader
	rec["Bwd Header Length"] = f.bwdHeader

	rec["Min Packet Length"] = f.allLen.min
	rec["Max Packet Length"] = f.allLen.max
	rec["Packet Length Mean"] = f.allLen.mean
	rec["Packet Length Std"] = f.allLen.std()
	rec["Packet Length Variance"] = f.allLen.variance()

	for i, ff := range flagFeatures {
		rec[ff.name] = f.flagCounts[i]
	}

	if fwdPkts > 0 {
		rec["Down/Up Ratio"] = bwdPkts / fwdPkts
	}
	if totalPkts > 0 {
		rec["Average Packet Size"] = totalBytes / totalPkts
	}
	rec["Avg Fwd Segment Size"] = f.fwdLen.mean
	rec["Avg Bwd Segment Size"] = f.bwdLen.mean

	rec["Subflow Fwd Packets"] = fwdPkts
	rec["Subflow Fwd Bytes"] = f.fwdLen.sum
	rec["Subflow Bwd Packets"] = bwdPkts
	rec["Subflow Bwd Bytes"] = f.bwdLen.sum

	rec["Init_Win_bytes_forward"] = math.Max(f.initWinFwd, 0)
	rec["Init_Win_bytes_backward"] = math.Max(f.initWinBwd, 0)
	rec["act_data_pkt_fwd"] = f.actDataFwd
	rec["min_seg_size_forward"] = f.minSegFwd
	return rec
}

func micros(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d.Microseconds())
}

// runningStat 用 Welford 算法在线维护均值与方差。
type runningStat struct {
	n    int
	sum  float64
	min  float64
	max  float64
	mean float64
	m2   float64
}

func (s *runningStat) add(v float64) {
	s.n++
	s.sum += v
	if s.n == 1 || v < s.min {
		s.min = v
	}
	if s.n == 1 || v > s.max {
		s.max = v
	}
	delta := v - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (v - s.mean)
}

// variance 是样本方差，少于两个样本时为 0。
func (s runningStat) variance() float64 {
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n-1)
}

func (s runningStat) std() float64 {
	return math.Sqrt(s.variance())
}
