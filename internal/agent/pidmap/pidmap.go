// Package pidmap 通过 sock:inet_sock_set_state tracepoint 记录 TCP 连接建立时的进程号，
// 供采集会话给 TCP 报文补上 pid。只覆盖 IPv4。
package pidmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

const maxEntries = 65535

type Resolver struct {
	m      *ebpf.Map
	prog   *ebpf.Program
	tp     link.Link
	logger *zap.Logger

	dumpOnce sync.Once
}

type flowKey struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Pad     uint32
}

type offsets struct {
	family   int16
	newstate int16
	sport    int16
	dport    int16
	saddr    int16
	daddr    int16
}

// Entry 是 map 中的一条连接记录，端口已转换为主机序。
type Entry struct {
	SrcIP   net.IP
	SrcPort int
	DstIP   net.IP
	DstPort int
	PID     int
}

func NewResolver(logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("设置 memlock 失败：%w", err)
	}
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("加载 BTF 失败：%w", err)
	}
	var st *btf.Struct
	if err := spec.TypeByName("trace_event_raw_inet_sock_set_state", &st); err != nil {
		return nil, fmt.Errorf("查找 tracepoint 结构失败：%w", err)
	}
	off, err := resolveOffsets(st)
	if err != nil {
		return nil, err
	}
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "flow_pid_map",
		Type:       ebpf.LRUHash,
		KeySize:    16,
		ValueSize:  4,
		MaxEntries: maxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 map 失败：%w", err)
	}
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.TracePoint,
		Instructions: buildProgram(m, off),
		License:      "GPL",
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("加载 eBPF 程序失败：%w", err)
	}
	tp, err := link.Tracepoint("sock", "inet_sock_set_state", prog, nil)
	if err != nil {
		prog.Close()
		m.Close()
		return nil, fmt.Errorf("挂载 tracepoint 失败：%w", err)
	}
	logger.Info("eBPF 进程归属已启用")
	return &Resolver{m: m, prog: prog, tp: tp, logger: logger}, nil
}

// Lookup 依次按网络序和主机序端口查找，查不到返回 0。
// tracepoint 里端口的字节序随内核版本不同，所以两种都试。
func (r *Resolver) Lookup(srcIP string, srcPort int, dstIP string, dstPort int) int {
	if r == nil || r.m == nil {
		return 0
	}
	var pid uint32
	if key, ok := makeKeyNet(srcIP, srcPort, dstIP, dstPort); ok {
		if err := r.m.Lookup(&key, &pid); err == nil {
			return int(pid)
		}
	}
	key, ok := makeKeyHost(srcIP, srcPort, dstIP, dstPort)
	if !ok {
		return 0
	}
	err := r.m.Lookup(&key, &pid)
	if err == nil {
		return int(pid)
	}
	if !errors.Is(err, ebpf.ErrKeyNotExist) {
		r.logger.Debug("查询 pid map 失败", zap.Error(err))
	}
	// 第一次未命中时打印 map 内容，方便核对 key 的字节序。
	r.dumpOnce.Do(func() {
		entries := r.Entries(20)
		r.logger.Debug("pid 未命中，当前 map 内容",
			zap.String("flow", fmt.Sprintf("%s:%d -> %s:%d", srcIP, srcPort, dstIP, dstPort)),
			zap.Int("entries", len(entries)),
			zap.Any("sample", entries),
		)
	})
	return 0
}

// Entries 返回 map 中最多 limit 条记录。
func (r *Resolver) Entries(limit int) []Entry {
	if r == nil || r.m == nil {
		return nil
	}
	var (
		key flowKey
		val uint32
		out []Entry
	)
	iter := r.m.Iterate()
	for iter.Next(&key, &val) {
		out = append(out, entryFromKey(key, val))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func entryFromKey(key flowKey, pid uint32) Entry {
	src := make(net.IP, 4)
	binary.LittleEndian.PutUint32(src, key.SrcIP)
	dst := make(net.IP, 4)
	binary.LittleEndian.PutUint32(dst, key.DstIP)
	return Entry{
		SrcIP:   src,
		SrcPort: int(toNetPort(key.SrcPort)),
		DstIP:   dst,
		DstPort: int(toNetPort(key.DstPort)),
		PID:     int(pid),
	}
}

func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.tp != nil {
		if err := r.tp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.prog != nil {
		if err := r.prog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.m != nil {
		if err := r.m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func makeKeyNet(srcIP string, srcPort int, dstIP string, dstPort int) (flowKey, bool) {
	sip := net.ParseIP(srcIP).To4()
	dip := net.ParseIP(dstIP).To4()
	if sip == nil || dip == nil {
		return flowKey{}, false
	}
	return flowKey{
		SrcIP:   binary.LittleEndian.Uint32(sip),
		DstIP:   binary.LittleEndian.Uint32(dip),
		SrcPort: toNetPort(uint16(srcPort)),
		DstPort: toNetPort(uint16(dstPort)),
	}, true
}

func makeKeyHost(srcIP string, srcPort int, dstIP string, dstPort int) (flowKey, bool) {
	sip := net.ParseIP(srcIP).To4()
	dip := net.ParseIP(dstIP).To4()
	if sip == nil || dip == nil {
		return flowKey{}, false
	}
	return flowKey{
		SrcIP:   binary.LittleEndian.Uint32(sip),
		DstIP:   binary.LittleEndian.Uint32(dip),
		SrcPort: uint16(srcPort),
		DstPort: uint16(dstPort),
	}, true
}

func toNetPort(p uint16) uint16 {
	return (p << 8) | (p >> 8)
}

func resolveOffsets(st *btf.Struct) (offsets, error) {
	var out offsets
	var err error
	if out.family, err = memberOffset(st, "family"); err != nil {
		return offsets{}, err
	}
	if out.newstate, err = memberOffset(st, "newstate"); err != nil {
		return offsets{}, err
	}
	if out.sport, err = memberOffset(st, "sport"); err != nil {
		return offsets{}, err
	}
	if out.dport, err = memberOffset(st, "dport"); err != nil {
		return offsets{}, err
	}
	if out.saddr, err = memberOffset(st, "saddr"); err != nil {
		return offsets{}, err
	}
	if out.daddr, err = memberOffset(st, "daddr"); err != nil {
		return offsets{}, err
	}
	return out, nil
}

func memberOffset(st *btf.Struct, name string) (int16, error) {
	for _, m := range st.Members {
		if m.Name == name {
			return int16(m.Offset / 8), nil
		}
	}
	return 0, fmt.Errorf("成员缺失：%s", name)
}

func buildProgram(m *ebpf.Map, off offsets) asm.Instructions {
	const (
		afInet         = 2
		tcpEstablished = 1
		keyOffset      = -32
		valueOffset    = -16
		keySrcIPOffset = keyOffset
		keyDstIPOffset = keyOffset + 4
		keySrcPOffset  = keyOffset + 8
		keyDstPOffset  = keyOffset + 10
		keyPadOffset   = keyOffset + 12
	)
	// 连接进入 ESTABLISHED 时以当前进程号写入正反两个方向的 key。
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R1, asm.R6, off.family, asm.Half),
		asm.JNE.Imm(asm.R1, afInet, "exit"),
		asm.LoadMem(asm.R1, asm.R6, off.newstate, asm.Word),
		asm.JNE.Imm(asm.R1, tcpEstablished, "exit"),
		asm.LoadMem(asm.R2, asm.R6, off.sport, asm.Half),
		asm.LoadMem(asm.R3, asm.R6, off.dport, asm.Half),
		asm.LoadMem(asm.R4, asm.R6, off.saddr, asm.Word),
		asm.LoadMem(asm.R5, asm.R6, off.daddr, asm.Word),
		asm.StoreMem(asm.RFP, keySrcIPOffset, asm.R4, asm.Word),
		asm.StoreMem(asm.RFP, keyDstIPOffset, asm.R5, asm.Word),
		asm.StoreMem(asm.RFP, keySrcPOffset, asm.R2, asm.Half),
		asm.StoreMem(asm.RFP, keyDstPOffset, asm.R3, asm.Half),
		asm.StoreImm(asm.RFP, keyPadOffset, 0, asm.Word),
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, valueOffset, asm.R0, asm.Word),
		asm.LoadMapPtr(asm.R1, m.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOffset),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, valueOffset),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),
		asm.LoadMem(asm.R2, asm.R6, off.sport, asm.Half),
		asm.LoadMem(asm.R3, asm.R6, off.dport, asm.Half),
		asm.LoadMem(asm.R4, asm.R6, off.saddr, asm.Word),
		asm.LoadMem(asm.R5, asm.R6, off.daddr, asm.Word),
		asm.StoreMem(asm.RFP, keySrcIPOffset, asm.R5, asm.Word),
		asm.StoreMem(asm.RFP, keyDstIPOffset, asm.R4, asm.Word),
		asm.StoreMem(asm.RFP, keySrcPOffset, asm.R3, asm.Half),
		asm.StoreMem(asm.RFP, keyDstPOffset, asm.R2, asm.Half),
		asm.StoreImm(asm.RFP, keyPadOffset, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, m.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOffset),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, valueOffset),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}
