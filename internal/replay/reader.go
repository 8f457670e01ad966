// Package replay re-runs captured control traffic through the session
// arbitrator and failsafe relay on a simulated clock, so a field incident can
// be audited frame by frame.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Datagram is one captured UDP payload addressed to the control port.
type Datagram struct {
	At      time.Time
	Src     netip.AddrPort
	Payload []byte
}

// Source yields datagrams in capture order and io.EOF at the end.
type Source interface {
	Next() (Datagram, error)
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader extracts control datagrams from a pcap or pcapng stream. Packets
// that are not UDP to the control port are skipped.
type Reader struct {
	packets *gopacket.PacketSource
	port    layers.UDPPort
	closer  io.Closer

	// Skipped counts packets that were not control datagrams.
	Skipped int
}

// Open opens a capture file.
func Open(path string, port int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	r, err := NewReader(f, port)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader reads a capture from r, detecting pcap or pcapng by its magic.
func NewReader(r io.Reader, port int) (*Reader, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture header: %w", err)
	}

	var src *gopacket.PacketSource
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		src = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, err
		}
		src = gopacket.NewPacketSource(pr, pr.LinkType())
	}
	src.DecodeOptions = gopacket.Lazy

	return &Reader{packets: src, port: layers.UDPPort(port)}, nil
}

// Next returns the next datagram sent to the control port.
func (r *Reader) Next() (Datagram, error) {
	for {
		packet, err := r.packets.NextPacket()
		if errors.Is(err, io.EOF) {
			return Datagram{}, io.EOF
		}
		if err != nil {
			return Datagram{}, fmt.Errorf("read packet: %w", err)
		}

		d, ok := r.extract(packet)
		if !ok {
			r.Skipped++
			continue
		}
		return d, nil
	}
}

func (r *Reader) extract(packet gopacket.Packet) (Datagram, bool) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != r.port {
		return Datagram{}, false
	}
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return Datagram{}, false
	}
	addr, ok := netip.AddrFromSlice(netLayer.NetworkFlow().Src().Raw())
	if !ok {
		return Datagram{}, false
	}

	return Datagram{
		At:      packet.Metadata().Timestamp,
		Src:     netip.AddrPortFrom(addr.Unmap(), uint16(udp.SrcPort)),
		Payload: append([]byte(nil), udp.Payload...),
	}, true
}

// Close closes the underlying file, if Open created it.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
