// Package capture 提供报文来源（AF_PACKET 实时抓包、pcap 回放）、cBPF 过滤器和读包循环。
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Source 是一个可以逐个读取原始帧的报文来源。
type Source interface {
	ReadPacket(ctx context.Context) ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// Opener 按网卡名和过滤表达式打开报文来源，采集会话通过它拿到 Source。
type Opener func(iface, filter string) (Source, error)

// Run 持续读包并解码后交给 fn，直到 fn 返回 false、ctx 结束或来源读完（io.EOF）。
// 这几种情况都返回 nil，只有来源本身出错才返回 error。
func Run(ctx context.Context, src Source, fn func(gopacket.Packet) bool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := src.ReadPacket(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取报文失败：%w", err)
		}

		// gopacket.Default 会拷贝 data，零拷贝读到的缓冲区在下一次读之后即可复用。
		packet := gopacket.NewPacket(data, src.LinkType(), gopacket.Default)
		packet.Metadata().CaptureInfo = ci
		if !fn(packet) {
			return nil
		}
	}
}
