package features

import (
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP 标志位的标准位置。
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
	FlagECE uint8 = 0x40
	FlagCWR uint8 = 0x80
)

var flagNames = []struct {
	bit  uint8
	name string
}{
	{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"},
	{FlagACK, "ACK"}, {FlagURG, "URG"}, {FlagECE, "ECE"}, {FlagCWR, "CWR"},
}

// Observation 是一次报文观测中与特征相关的部分，字段缺失时保持零值。
type Observation struct {
	Timestamp time.Time
	Length    int

	Network  bool
	SrcIP    string
	DstIP    string
	Protocol string
	TTL      int

	Transport  bool
	TCP        bool
	SrcPort    int
	DstPort    int
	Flags      uint8
	DataOffset uint8
	Window     uint16
	PayloadLen int
}

// FlagSummary 以 "SYN,ACK" 形式列出置位的标志，没有标志时返回 "NONE"。
func FlagSummary(flags uint8) string {
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, ",")
}

// ObservationFromPacket 从已解码的报文里取出 IPv4/IPv6 与 TCP/UDP/ICMP 信息。
func ObservationFromPacket(packet gopacket.Packet) Observation {
	obs := Observation{Protocol: "Other"}
	if md := packet.Metadata(); md != nil {
		obs.Timestamp = md.Timestamp
		obs.Length = md.Length
	}
	if obs.Length == 0 {
		obs.Length = len(packet.Data())
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		obs.Network = true
		obs.SrcIP = ip.SrcIP.String()
		obs.DstIP = ip.DstIP.String()
		obs.TTL = int(ip.TTL)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		obs.Network = true
		obs.SrcIP = ip.SrcIP.String()
		obs.DstIP = ip.DstIP.String()
		obs.TTL = int(ip.HopLimit)
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		obs.Transport = true
		obs.TCP = true
		obs.Protocol = "TCP"
		obs.SrcPort = int(tcp.SrcPort)
		obs.DstPort = int(tcp.DstPort)
		obs.Flags = tcpFlags(tcp)
		obs.DataOffset = tcp.DataOffset
		obs.Window = tcp.Window
		obs.PayloadLen = len(tcp.Payload)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		obs.Transport = true
		obs.Protocol = "UDP"
		obs.SrcPort = int(udp.SrcPort)
		obs.DstPort = int(udp.DstPort)
		obs.PayloadLen = len(udp.Payload)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
		obs.Protocol = "ICMP"
	}
	return obs
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	set := func(on bool, bit uint8) {
		if on {
			f |= bit
		}
	}
	set(tcp.FIN, FlagFIN)
	set(tcp.SYN, FlagSYN)
	set(tcp.RST, FlagRST)
	set(tcp.PSH, FlagPSH)
	set(tcp.ACK, FlagACK)
	set(tcp.URG, FlagURG)
	set(tcp.ECE, FlagECE)
	set(tcp.CWR, FlagCWR)
	return f
}
