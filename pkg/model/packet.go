package model

import "time"

// ClassifiedPacket 是一条带预测标签的报文记录：实时抓包与 CSV 批量预测都产出这个结构。
type ClassifiedPacket struct {
	SessionID string             `json:"session_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	SrcIP     string             `json:"src_ip"`
	SrcPort   int                `json:"src_port"`
	DstIP     string             `json:"dst_ip"`
	DstPort   int                `json:"dst_port"`
	Protocol  string             `json:"protocol"`
	Length    int                `json:"length"`
	Flags     string             `json:"flags"`
	TTL       int                `json:"ttl"`
	PID       int                `json:"pid,omitempty"`
	Label     Label              `json:"classification"`
	RawLabel  string             `json:"raw_label,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
}

// Status 是采集会话的快照，未启动过会话时各字段为零值（MaxPackets 为配置默认值）。
type Status struct {
	CurrentCount int    `json:"current_count"`
	MaxPackets   int    `json:"max_packets"`
	Complete     bool   `json:"complete"`
	Capturing    bool   `json:"capturing"`
	SessionID    string `json:"session_id,omitempty"`
}

type StartResult struct {
	Status     string `json:"status"`
	MaxPackets int    `json:"max_packets"`
	SessionID  string `json:"session_id"`
}

const (
	MessagePacket   = "packet"
	MessageStatus   = "status"
	MessageComplete = "capture_complete"
)

// StreamMessage 是 WebSocket 推送的消息信封。
type StreamMessage struct {
	Type   string            `json:"type"`
	Packet *ClassifiedPacket `json:"packet,omitempty"`
	Status *Status           `json:"status,omitempty"`
}
