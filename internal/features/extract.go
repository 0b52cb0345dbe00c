package features

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"
)

// ipHeaderBase 是头部长度的固定基数（不含选项的 IPv4 头）。
const ipHeaderBase = 20

// sizeFeatures 全部由报文总长度推导，长度为 0 时它们也都是 0。
var sizeFeatures = []string{
	"Total Length of Fwd Packets",
	"Fwd Packet Length Max",
	"Fwd Packet Length Min",
	"Fwd Packet Length Mean",
	"Flow Bytes/s",
	"Min Packet Length",
	"Max Packet Length",
	"Packet Length Mean",
	"Average Packet Size",
	"Avg Fwd Segment Size",
	"Subflow Fwd Bytes",
}

var flagFeatures = []struct {
	bit  uint8
	name string
}{
	{FlagFIN, "FIN Flag Count"},
	{FlagSYN, "SYN Flag Count"},
	{FlagRST, "RST Flag Count"},
	{FlagPSH, "PSH Flag Count"},
	{FlagACK, "ACK Flag Count"},
	{FlagURG, "URG Flag Count"},
	{FlagECE, "ECE Flag Count"},
	{FlagCWR, "CWE Flag Count"},
}

// Extractor 把报文观测转换成完整的特征记录。
// flows 为空时每个报文被当作只有一个正向报文的流；非空时按 5 元组聚合双向流统计。
type Extractor struct {
	flows  *FlowTable
	logger *zap.Logger
}

func NewExtractor(flows *FlowTable, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{flows: flows, logger: logger}
}

// ExtractPacket 解码并提取特征。任何内部失败都被吸收：返回全 0 记录和描述失败的 error，
// 调用方拿到的记录在结构上始终完整。
func (e *Extractor) ExtractPacket(packet gopacket.Packet) (obs Observation, rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = e.fail(fmt.Errorf("解码报文时 panic：%v", r))
		}
	}()
	obs = ObservationFromPacket(packet)
	rec, err = e.Extract(obs)
	return obs, rec, err
}

func (e *Extractor) Extract(obs Observation) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = e.fail(fmt.Errorf("提取特征时 panic：%v", r))
		}
	}()
	if obs.Length < 0 {
		return e.fail(fmt.Errorf("报文长度非法：%d", obs.Length))
	}
	if e.flows != nil && obs.Network {
		return e.flows.Observe(obs), nil
	}
	return singlePacketRecord(obs), nil
}

// Sweep 清理超时的流；未开启流聚合时什么也不做。
func (e *Extractor) Sweep(now time.Time) int {
	if e.flows == nil {
		return 0
	}
	return e.flows.Cleanup(now)
}

func (e *Extractor) fail(err error) (Record, error) {
	e.logger.Warn("特征提取失败，使用全 0 记录", zap.Error(err))
	return NewRecord(), err
}

func singlePacketRecord(obs Observation) Record {
	rec := NewRecord()
	length := float64(obs.Length)
	for _, name := range sizeFeatures {
		rec[name] = length
	}
	if !obs.Network {
		return rec
	}

	rec["Destination Port"] = float64(obs.DstPort)
	rec["Total Fwd Packets"] = 1
	rec["Flow Packets/s"] = 1
	rec["Fwd Packets/s"] = 1
	rec["Subflow Fwd Packets"] = 1
	rec["Fwd Header Length"] = headerLength(obs)

	applyFlags(rec, obs.Flags)
	if obs.Flags&FlagPSH != 0 {
		rec["Fwd PSH Flags"] = 1
	}
	if obs.Flags&FlagURG != 0 {
		rec["Fwd URG Flags"] = 1
	}
	if obs.TCP {
		rec["Init_Win_bytes_forward"] = float64(obs.Window)
		rec["min_seg_size_forward"] = float64(obs.DataOffset) * 4
	}
	if obs.PayloadLen > 0 {
		rec["act_data_pkt_fwd"] = 1
	}
	return rec
}

func applyFlags(rec Record, flags uint8) {
	for _, f := range flagFeatures {
		if flags&f.bit != 0 {
			rec[f.name] = 1
		} else {
			rec[f.name] = 0
		}
	}
}

func headerLength(obs Observation) float64 {
	switch {
	case !obs.Network:
		return 0
	case obs.TCP:
		return ipHeaderBase + float64(obs.DataOffset)*4
	case obs.Protocol == "UDP":
		return ipHeaderBase + 8
	default:
		return ipHeaderBase
	}
}
