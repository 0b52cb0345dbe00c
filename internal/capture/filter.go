package capture

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
	protoTCP      = 6
	protoUDP      = 17
)

// FilterProgram 把过滤表达式翻译成 classic BPF 指令，链路层按 Ethernet 处理。
// 支持 ""（不过滤）、"ip"、"tcp"、"udp"、"tcp port N"。
func FilterProgram(expr string) ([]bpf.Instruction, error) {
	fields := strings.Fields(strings.ToLower(expr))
	switch {
	case len(fields) == 0:
		return nil, nil
	case len(fields) == 1 && fields[0] == "ip":
		return ipProgram(), nil
	case len(fields) == 1 && fields[0] == "tcp":
		return protoProgram(protoTCP), nil
	case len(fields) == 1 && fields[0] == "udp":
		return protoProgram(protoUDP), nil
	case len(fields) == 3 && fields[0] == "tcp" && fields[1] == "port":
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("端口不合法：%q", fields[2])
		}
		return tcpPortProgram(uint32(port)), nil
	}
	return nil, fmt.Errorf("不支持的过滤表达式：%q", expr)
}

func CompileFilter(expr string) ([]bpf.RawInstruction, error) {
	ins, err := FilterProgram(expr)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return nil, nil
	}
	raw, err := bpf.Assemble(ins)
	if err != nil {
		return nil, fmt.Errorf("组装 BPF 失败：%w", err)
	}
	return raw, nil
}

// ipProgram 放行 IPv4 和 IPv6。
func ipProgram() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},                               // EtherType
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 2}, // IPv4 -> accept
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: 1}, // IPv6 -> accept
		bpf.RetConstant{Val: 0},                                          // drop
		bpf.RetConstant{Val: 0xFFFF},                                     // accept
	}
}

// protoProgram 按 IPv4 protocol 字段或 IPv6 next header 字段匹配传输层协议。
// IPv6 扩展头不展开。
func protoProgram(proto uint32) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},                                // EtherType
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 2}, // 非 IPv4 -> 看 IPv6
		bpf.LoadAbsolute{Off: 23, Size: 1},                                // IPv4 protocol
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: proto, SkipTrue: 4, SkipFalse: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 2}, // 非 IPv6 -> drop
		bpf.LoadAbsolute{Off: 20, Size: 1},                                // IPv6 next header
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: proto, SkipTrue: 1},
		bpf.RetConstant{Val: 0},      // drop
		bpf.RetConstant{Val: 0xFFFF}, // accept
	}
}

// tcpPortProgram 只放行 src 或 dst 端口为 port 的 IPv4 TCP。
// IPv4 头部长度不固定，用 LoadMemShift 取 X = 4*(ip[0]&0xf) 再间接读端口。
func tcpPortProgram(port uint32) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},                                // EtherType
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 7}, // IPv4? 否则 drop

		bpf.LoadAbsolute{Off: 23, Size: 1},                           // IPv4 protocol
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoTCP, SkipFalse: 5}, // TCP? 否则 drop
		bpf.LoadMemShift{Off: 14},                                    // X = 4*(ip[0]&0xf)

		bpf.LoadIndirect{Off: 14, Size: 2},                      // tcp src port
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: port, SkipTrue: 3}, // src==port -> accept
		bpf.LoadIndirect{Off: 16, Size: 2},                      // tcp dst port
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: port, SkipTrue: 1}, // dst==port -> accept

		bpf.RetConstant{Val: 0},      // drop
		bpf.RetConstant{Val: 0xFFFF}, // accept
	}
}
