package capture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapSource 回放一个 pcap 文件，读完返回 io.EOF。
type PcapSource struct {
	f *os.File
	r *pcapgo.Reader
}

func OpenPcap(path string) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 pcap 文件失败：%w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("解析 pcap 文件头失败：%w", err)
	}
	return &PcapSource{f: f, r: r}, nil
}

func (s *PcapSource) ReadPacket(ctx context.Context) ([]byte, gopacket.CaptureInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	return s.r.ReadPacketData()
}

func (s *PcapSource) LinkType() layers.LinkType {
	return s.r.LinkType()
}

func (s *PcapSource) Close() {
	s.f.Close()
}

// Archive 把会话处理过的原始帧写成 pcap 文件，每次创建都会覆盖旧文件。
type Archive struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func CreateArchive(path string, snaplen uint32, linkType layers.LinkType) (*Archive, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建 pcap 归档失败：%w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		f.Close()
		return nil, fmt.Errorf("写 pcap 文件头失败：%w", err)
	}
	return &Archive{f: f, w: w}, nil
}

func (a *Archive) Write(ci gopacket.CaptureInfo, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return os.ErrClosed
	}
	ci.CaptureLength = len(data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	return a.w.WritePacket(ci, data)
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return nil
	}
	a.w = nil
	return a.f.Close()
}
