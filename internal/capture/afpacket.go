package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

// DefaultSnaplen 足够容纳常见以太网帧（含 VLAN）。
const DefaultSnaplen = 1600

type AFPacketHandle struct {
	tp *afpacket.TPacket
}

func NewAFPacketHandle(iface string, snaplen int) (*AFPacketHandle, error) {
	if iface == "" {
		return nil, fmt.Errorf("interface 不能为空")
	}

	frameSize := nextPow2(snaplen)
	if frameSize < 2048 {
		frameSize = 2048
	}
	if frameSize > 1<<16 {
		frameSize = 1 << 16
	}

	blockSize := 1 << 20
	if blockSize%frameSize != 0 {
		blockSize = frameSize * 16
	}

	// mmap + TPACKET_V3；250ms 的 poll 超时让读循环能及时响应 ctx 取消。
	opts := []interface{}{
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(64),
		afpacket.OptPollTimeout(250 * time.Millisecond),
	}
	if iface != "any" {
		opts = append(opts, afpacket.OptInterface(iface))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
			return nil, fmt.Errorf("打开 AF_PACKET 失败：%w（需要 root 或 CAP_NET_RAW）", err)
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) && iface != "any" {
			return nil, fmt.Errorf("打开 AF_PACKET 失败：%w（检查网卡名是否存在：%s）", err, iface)
		}
		return nil, fmt.Errorf("打开 AF_PACKET 失败：%w", err)
	}

	return &AFPacketHandle{tp: tp}, nil
}

func nextPow2(v int) int {
	if v <= 1 {
		return 1
	}
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}

func (h *AFPacketHandle) Close() {
	if h.tp != nil {
		h.tp.Close()
	}
}

func (h *AFPacketHandle) SetBPF(ins []bpf.RawInstruction) error {
	if h.tp == nil {
		return os.ErrInvalid
	}
	return h.tp.SetBPF(ins)
}

func (h *AFPacketHandle) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

func (h *AFPacketHandle) ReadPacket(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	if h.tp == nil {
		return nil, gopacket.CaptureInfo{}, os.ErrInvalid
	}

	// poll 超时不是错误，只是给 ctx 一个检查的机会。
	for {
		data, ci, err := h.tp.ZeroCopyReadPacketData()
		if err == nil {
			return data, ci, nil
		}
		if ctx.Err() != nil {
			return nil, gopacket.CaptureInfo{}, ctx.Err()
		}
		if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
			continue
		}
		return nil, gopacket.CaptureInfo{}, err
	}
}

// LiveOpener 返回打开 AF_PACKET 并挂上过滤表达式对应 cBPF 过滤器的 Opener。
func LiveOpener(snaplen int) Opener {
	return func(iface, expr string) (Source, error) {
		prog, err := CompileFilter(expr)
		if err != nil {
			return nil, err
		}
		h, err := NewAFPacketHandle(iface, snaplen)
		if err != nil {
			return nil, err
		}
		if len(prog) > 0 {
			if err := h.SetBPF(prog); err != nil {
				h.Close()
				return nil, fmt.Errorf("设置 BPF 失败：%w", err)
			}
		}
		return h, nil
	}
}
