package replay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/teleop.link/internal/protocol"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	addrA = netip.MustParseAddrPort("192.168.4.2:50000")
	addrB = netip.MustParseAddrPort("192.168.4.3:50001")
)

type capturedPacket struct {
	at      time.Time
	src     netip.AddrPort
	dstPort uint16
	payload string
}

func serializeUDP(t *testing.T, p capturedPacket) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(p.src.Addr().AsSlice()),
		DstIP:    net.IP{192, 168, 4, 1},
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(p.src.Port()), DstPort: layers.UDPPort(p.dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p.payload)))
	return buf.Bytes()
}

func buildPcap(t *testing.T, packets []capturedPacket) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, p := range packets {
		data := serializeUDP(t, p)
		ci := gopacket.CaptureInfo{Timestamp: p.at, CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &out
}

func buildPcapng(t *testing.T, packets []capturedPacket) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w, err := pcapgo.NewNgWriter(&out, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, p := range packets {
		data := serializeUDP(t, p)
		ci := gopacket.CaptureInfo{Timestamp: p.at, CaptureLength: len(data), Length: len(data), InterfaceIndex: 0}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
	return &out
}

// The incident: A takes control, drives once, B is turned away, then A goes
// silent.
var incident = []capturedPacket{
	{t0, addrA, 3333, `{"cmd":"connect","device":"A"}`},
	{t0.Add(100 * time.Millisecond), addrA, 3333, `{"cmd":"ctrl","x1":0.5,"y1":-0.3}`},
	{t0.Add(150 * time.Millisecond), netip.MustParseAddrPort("192.168.4.1:3333"), 50000, `{"status":"ok"}`},
	{t0.Add(200 * time.Millisecond), addrB, 3333, `{"cmd":"connect","device":"B"}`},
}

func TestReader_FiltersControlPort(t *testing.T) {
	r, err := NewReader(buildPcap(t, incident), 3333)
	require.NoError(t, err)

	var got []Datagram
	for {
		d, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, d)
	}

	require.Len(t, got, 3)
	assert.Equal(t, 1, r.Skipped, "the reply to the client is not a control datagram")
	assert.Equal(t, addrA, got[0].Src)
	assert.Equal(t, `{"cmd":"connect","device":"A"}`, string(got[0].Payload))
	assert.True(t, got[1].At.Equal(t0.Add(100*time.Millisecond)), "timestamp %v", got[1].At)
	assert.Equal(t, addrB, got[2].Src)
	require.NoError(t, r.Close())
}

func TestReader_Pcapng(t *testing.T) {
	r, err := NewReader(buildPcapng(t, incident), 3333)
	require.NoError(t, err)

	d, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, addrA, d.Src)
	assert.True(t, d.At.Equal(t0), "timestamp %v", d.At)
}

func TestNewReader_Errors(t *testing.T) {
	_, err := NewReader(strings.NewReader("garbage!"), 3333)
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil), 3333)
	assert.Error(t, err)

	_, err = NewReader(buildPcap(t, nil), 0)
	assert.Error(t, err)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open("/nonexistent/capture.pcap", 3333)
	assert.Error(t, err)
}

func TestRun_Incident(t *testing.T) {
	src, err := NewReader(buildPcap(t, incident), 3333)
	require.NoError(t, err)

	var out bytes.Buffer
	sum, err := Run(context.Background(), src, Config{}, &out)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Datagrams)
	assert.Equal(t, 2, sum.Replies)
	assert.Equal(t, 1, sum.ControlFrames)
	// Failsafe fires every 500ms from the last control frame at +100ms to
	// the end of the run at +3800ms.
	assert.Equal(t, 7, sum.FailsafeFrames)
	assert.Equal(t, 1, sum.Evictions)
	assert.True(t, sum.Start.Equal(t0))
	assert.True(t, sum.End.Equal(t0.Add(3800*time.Millisecond)), "end %v", sum.End)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7, out.String())
	assert.Contains(t, lines[0], "locked")
	assert.Contains(t, lines[1], `{"status":"ok"}`)
	assert.Contains(t, lines[2], "BEGIN,0.50000,-0.30000,0.00000,0.00000,0.00,0.00,0,0,0,0,0,0,0,0,0,0,END")
	assert.Contains(t, lines[3], "rejected")
	assert.Contains(t, lines[4], `{"status":"busy","device":"A"}`)
	assert.Contains(t, lines[5], protocol.FailsafeFrame)
	assert.True(t, strings.HasPrefix(lines[5], "12:00:00.600"), lines[5])
	assert.Contains(t, lines[6], "evicted")
	// The watchdog runs on the poll grid: silent since +100ms, evicted on the
	// first poll more than 3s later.
	assert.True(t, strings.HasPrefix(lines[6], "12:00:03.200"), lines[6])
}

func TestReplayer_DisconnectSendsNeutralFrame(t *testing.T) {
	r := New(Config{}, nil)
	r.Feed(Datagram{At: t0, Src: addrA, Payload: []byte(`{"cmd":"connect","device":"A"}`)})
	r.Feed(Datagram{At: t0.Add(50 * time.Millisecond), Src: addrA, Payload: []byte(`{"cmd":"ctrl","sc_h1":12.5}`)})
	r.Feed(Datagram{At: t0.Add(100 * time.Millisecond), Src: addrA, Payload: []byte(`{"cmd":"disconnect"}`)})

	var frames []string
	for _, rec := range r.Records() {
		if rec.Kind == RecordFrame {
			frames = append(frames, rec.Text)
		}
	}
	require.Len(t, frames, 2)
	assert.Equal(t, "BEGIN,0.00000,0.00000,0.00000,0.00000,12.50,0.00,0,0,0,0,0,0,0,0,0,0,END", frames[0])
	assert.Equal(t, string(protocol.FormatFrame(protocol.Neutral())), frames[1])
	assert.Equal(t, 0, r.Summary().Evictions)
}

func TestReplayer_KeepalivesHoldSession(t *testing.T) {
	r := New(Config{}, nil)
	for i := 0; i < 10; i++ {
		r.Feed(Datagram{At: t0.Add(time.Duration(i) * 2500 * time.Millisecond), Src: addrA, Payload: []byte(`{"cmd":"connect","device":"A"}`)})
	}
	assert.Equal(t, 0, r.Summary().Evictions)
	assert.Equal(t, 10, r.Summary().Replies)

	r.Finish()
	assert.Equal(t, 1, r.Summary().Evictions)
}

func TestReplayer_MalformedIsCountedNotAnswered(t *testing.T) {
	r := New(Config{}, nil)
	r.Feed(Datagram{At: t0, Src: addrA, Payload: []byte(`not json`)})

	assert.Equal(t, 1, r.Summary().Datagrams)
	assert.Empty(t, r.Records())
}

func TestRun_Cancelled(t *testing.T) {
	src, err := NewReader(buildPcap(t, incident), 3333)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, src, Config{}, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinish_NoTrafficIsNoop(t *testing.T) {
	r := New(Config{}, nil)
	r.Finish()
	assert.Equal(t, Summary{}, r.Summary())
}

func TestReplayer_ExpiredOwnerIsEvictedBeforeNextDatagram(t *testing.T) {
	r := New(Config{}, nil)
	r.Feed(Datagram{At: t0, Src: addrA, Payload: []byte(`{"cmd":"connect","device":"A"}`)})
	r.Feed(Datagram{At: t0.Add(3050 * time.Millisecond), Src: addrA, Payload: []byte(`{"cmd":"ctrl","x1":1}`)})

	sum := r.Summary()
	assert.Equal(t, 1, sum.Evictions)
	assert.Equal(t, 0, sum.ControlFrames, "ctrl from an evicted owner must not be relayed")
}
