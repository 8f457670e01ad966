package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/session"
	"github.com/banshee-data/teleop.link/internal/timeutil"
)

// recordingHandler implements Handler for testing.
type recordingHandler struct {
	commands []protocol.Command
	senders  []netip.AddrPort
	checks   int
	reply    *protocol.Reply
}

func (h *recordingHandler) Handle(cmd protocol.Command, from netip.AddrPort) *protocol.Reply {
	h.commands = append(h.commands, cmd)
	h.senders = append(h.senders, from)
	if cmd.Kind == protocol.KindConnect {
		return h.reply
	}
	return nil
}

func (h *recordingHandler) CheckTimeout() bool {
	h.checks++
	return false
}

var remoteA = &net.UDPAddr{IP: net.ParseIP("192.168.4.2"), Port: 50000}

func TestNewListener_Defaults(t *testing.T) {
	l := NewListener(ListenerConfig{Address: ":3333", Handler: &recordingHandler{}})

	if l.poll != DefaultPollInterval {
		t.Errorf("poll = %v, want %v", l.poll, DefaultPollInterval)
	}
	if len(l.buf) != protocol.DefaultMaxDatagram+1 {
		t.Errorf("buffer = %d bytes, want %d", len(l.buf), protocol.DefaultMaxDatagram+1)
	}
	if _, ok := l.factory.(RealUDPSocketFactory); !ok {
		t.Errorf("factory = %T, want RealUDPSocketFactory", l.factory)
	}
	if l.LocalAddr() != nil {
		t.Error("LocalAddr should be nil before Start")
	}
}

func TestCycle_RunsWatchdogOnTimeout(t *testing.T) {
	h := &recordingHandler{}
	sock := NewMockUDPSocket(nil)
	l := NewListener(ListenerConfig{Handler: h})

	for i := 0; i < 3; i++ {
		if err := l.Cycle(sock); err != nil {
			t.Fatalf("Cycle: %v", err)
		}
	}

	if h.checks != 3 {
		t.Errorf("CheckTimeout called %d times, want 3", h.checks)
	}
	if len(h.commands) != 0 {
		t.Errorf("no datagram should be decoded on timeout, got %d", len(h.commands))
	}
	if sock.ReadDeadline.IsZero() {
		t.Error("read deadline was not set")
	}
}

func TestCycle_RepliesToConnectOnly(t *testing.T) {
	ok := protocol.OK()
	h := &recordingHandler{reply: &ok}
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: []byte(`{"cmd":"connect","device":"A"}`), Addr: remoteA},
		{Data: []byte(`{"cmd":"ctrl","x1":1}`), Addr: remoteA},
		{Data: []byte(`{"cmd":"disconnect"}`), Addr: remoteA},
	})
	l := NewListener(ListenerConfig{Handler: h})

	for i := 0; i < 3; i++ {
		if err := l.Cycle(sock); err != nil {
			t.Fatalf("Cycle: %v", err)
		}
	}

	got := sock.WrittenPayloads()
	if len(got) != 1 || got[0] != `{"status":"ok"}` {
		t.Fatalf("writes = %v, want one ok reply", got)
	}
	if sock.Writes[0].Addr != remoteA {
		t.Errorf("reply sent to %v, want %v", sock.Writes[0].Addr, remoteA)
	}
	if h.checks != 3 {
		t.Errorf("CheckTimeout called %d times, want 3", h.checks)
	}
	want := netip.MustParseAddrPort("192.168.4.2:50000")
	for i, from := range h.senders {
		if from != want {
			t.Errorf("sender[%d] = %v, want %v", i, from, want)
		}
	}
}

func TestCycle_OversizeIsMalformed(t *testing.T) {
	h := &recordingHandler{}
	big := `{"cmd":"connect","device":"` + strings.Repeat("x", 400) + `"}`
	sock := NewMockUDPSocket([]MockUDPPacket{{Data: []byte(big), Addr: remoteA}})
	l := NewListener(ListenerConfig{Handler: h})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(h.commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(h.commands))
	}
	cmd := h.commands[0]
	if cmd.Kind != protocol.KindMalformed || !errors.Is(cmd.Err, protocol.ErrOversize) {
		t.Errorf("command = %v / %v, want malformed oversize", cmd.Kind, cmd.Err)
	}
	if len(sock.WrittenPayloads()) != 0 {
		t.Error("oversize datagram must not be answered")
	}
}

func TestCycle_ReadErrorIsNotFatal(t *testing.T) {
	h := &recordingHandler{}
	sock := NewMockUDPSocket(nil)
	sock.ReadError = errors.New("connection refused")
	l := NewListener(ListenerConfig{Handler: h})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle returned %v for a transient read error", err)
	}
	if h.checks != 1 {
		t.Errorf("watchdog should still run after a read error")
	}
}

func TestCycle_ClosedSocketStopsLoop(t *testing.T) {
	sock := NewMockUDPSocket(nil)
	sock.Close()
	l := NewListener(ListenerConfig{Handler: &recordingHandler{}})

	if err := l.Cycle(sock); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Cycle on closed socket = %v, want net.ErrClosed", err)
	}
}

func TestCycle_ReplyWriteFailureIsLogged(t *testing.T) {
	ok := protocol.OK()
	h := &recordingHandler{reply: &ok}
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: []byte(`{"cmd":"connect","device":"A"}`), Addr: remoteA},
	})
	sock.WriteError = errors.New("host unreachable")
	l := NewListener(ListenerConfig{Handler: h})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(h.commands) != 1 {
		t.Error("connect should still reach the handler")
	}
}

var remoteB = &net.UDPAddr{IP: net.ParseIP("192.168.4.3"), Port: 50001}

func newClockedArbitrator() (*session.Arbitrator, *mailbox.Mailbox[protocol.Snapshot], *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	actuator := mailbox.New[protocol.Snapshot](clock)
	arb := session.NewArbitrator(session.Config{
		Controls: mailbox.Fanout[protocol.Snapshot]{actuator},
		Clock:    clock,
	})
	return arb, actuator, clock
}

// An owner silent past the timeout is evicted before its late packet is
// applied, so the packet cannot revive the session.
func TestCycle_LateOwnerPacketDoesNotRescueSession(t *testing.T) {
	arb, actuator, clock := newClockedArbitrator()
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: []byte(`{"cmd":"connect","device":"A"}`), Addr: remoteA},
	})
	l := NewListener(ListenerConfig{Handler: arb})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	clock.Advance(2990 * time.Millisecond)
	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if arb.Session().State != session.StateLocked {
		t.Fatal("session should still be locked before the timeout")
	}

	clock.Advance(60 * time.Millisecond)
	sock.Queue([]byte(`{"cmd":"ctrl","x1":1}`), remoteA)
	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if got := arb.Session().State; got != session.StateIdle {
		t.Errorf("state = %s, want %s", got, session.StateIdle)
	}
	if snap, ok := actuator.Take(0); ok {
		t.Errorf("late ctrl from evicted owner was published: %+v", snap)
	}
}

func TestCycle_NewcomerConnectsOnceOwnerExpired(t *testing.T) {
	arb, _, clock := newClockedArbitrator()
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: []byte(`{"cmd":"connect","device":"A"}`), Addr: remoteA},
	})
	l := NewListener(ListenerConfig{Handler: arb})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	clock.Advance(session.DefaultTimeout + time.Millisecond)
	sock.Queue([]byte(`{"cmd":"connect","device":"B"}`), remoteB)
	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	got := sock.WrittenPayloads()
	if len(got) != 2 || got[1] != `{"status":"ok"}` {
		t.Fatalf("replies = %v, want B to get ok", got)
	}
	if sock.Writes[1].Addr != remoteB {
		t.Errorf("second reply sent to %v, want %v", sock.Writes[1].Addr, remoteB)
	}
	st := arb.Session()
	if st.State != session.StateLocked || st.OwnerLabel != "B" {
		t.Errorf("session = %+v, want locked by B", st)
	}
}

func TestCycle_MalformedLoggedOnce(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	monitoring.SetDebug(true)
	t.Cleanup(func() {
		monitoring.SetDebug(false)
		monitoring.SetLogger(log.Printf)
	})

	arb, _, _ := newClockedArbitrator()
	sock := NewMockUDPSocket([]MockUDPPacket{{Data: []byte(`{"cmd":"fly"}`), Addr: remoteA}})
	l := NewListener(ListenerConfig{Handler: arb})

	if err := l.Cycle(sock); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("logged %d lines for one malformed datagram, want 1: %q", len(lines), lines)
	}
}

func TestStart_BindFailure(t *testing.T) {
	factory := NewMockUDPSocketFactory(nil)
	factory.Error = errors.New("address already in use")
	l := NewListener(ListenerConfig{Address: "127.0.0.1:3333", Handler: &recordingHandler{}, Factory: factory})

	err := l.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "address already in use") {
		t.Fatalf("Start error = %v, want bind failure", err)
	}
}

func TestStart_ResolveFailure(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "not-a-port", Handler: &recordingHandler{}})

	if err := l.Start(context.Background()); err == nil {
		t.Fatal("Start should fail to resolve an address without a port")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	sock := NewMockUDPSocket(nil)
	factory := NewMockUDPSocketFactory(sock)
	l := NewListener(ListenerConfig{
		Address:      "127.0.0.1:3333",
		Handler:      &recordingHandler{},
		Factory:      factory,
		PollInterval: time.Millisecond,
		RcvBuf:       4096,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	<-l.Ready()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
	if !sock.Closed {
		t.Error("socket should be closed on exit")
	}
	if sock.ReadBufferSize != 4096 {
		t.Errorf("ReadBufferSize = %d, want 4096", sock.ReadBufferSize)
	}
	if len(factory.ListenCalls) != 1 || factory.ListenCalls[0].Addr.Port != 3333 {
		t.Errorf("ListenCalls = %+v", factory.ListenCalls)
	}
}

func TestAddrPortUnmapsIPv4(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.7"), Port: 4000}
	if got, want := addrPort(mapped), netip.MustParseAddrPort("10.0.0.7:4000"); got != want {
		t.Errorf("addrPort = %v, want %v", got, want)
	}
	if got := addrPort(nil); got.IsValid() {
		t.Errorf("addrPort(nil) = %v, want zero", got)
	}
}

// Exercises the real socket path end to end on loopback.
func TestListener_LoopbackSession(t *testing.T) {
	actuator := mailbox.New[protocol.Snapshot](nil)
	arb := session.NewArbitrator(session.Config{
		Controls: mailbox.Fanout[protocol.Snapshot]{actuator},
	})
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Handler: arb, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("Start: %v", err)
	}

	server := l.LocalAddr().(*net.UDPAddr)
	clientA := dialUDP(t, server)
	clientB := dialUDP(t, server)

	if got := roundTrip(t, clientA, `{"cmd":"connect","device":"A"}`); got != `{"status":"ok"}` {
		t.Fatalf("A connect reply = %s", got)
	}
	if got := roundTrip(t, clientB, `{"cmd":"connect","device":"B"}`); got != `{"status":"busy","device":"A"}` {
		t.Fatalf("B connect reply = %s", got)
	}

	if _, err := clientA.Write([]byte(`{"cmd":"ctrl","x1":0.5,"y1":-0.3}`)); err != nil {
		t.Fatalf("write ctrl: %v", err)
	}
	snap, ok := actuator.Take(2 * time.Second)
	if !ok {
		t.Fatal("no snapshot published for owner ctrl")
	}
	if snap.Joystick1 != (protocol.Joystick{X: 0.5, Y: -0.3}) {
		t.Errorf("snapshot = %+v", snap)
	}

	cancel()
	<-done
}

func dialUDP(t *testing.T, server *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, server)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *net.UDPConn, payload string) string {
	t.Helper()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(buf[:n])
}
