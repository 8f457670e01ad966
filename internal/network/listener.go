// Package network owns the control-channel UDP socket.
package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/protocol"
)

// DefaultPollInterval bounds each blocking receive so the watchdog runs at
// least this often.
const DefaultPollInterval = 100 * time.Millisecond

// Handler applies decoded commands. session.Arbitrator implements it.
type Handler interface {
	Handle(cmd protocol.Command, from netip.AddrPort) *protocol.Reply
	CheckTimeout() bool
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address is the host:port to bind, e.g. ":3333".
	Address string
	// MaxDatagram is the largest accepted payload; zero means
	// protocol.DefaultMaxDatagram.
	MaxDatagram int
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// RcvBuf sets the kernel receive buffer when positive.
	RcvBuf int

	Handler Handler
	// Factory defaults to RealUDPSocketFactory.
	Factory UDPSocketFactory
	Metrics *metrics.Metrics
}

// Listener receives control datagrams, hands them to the Handler, answers
// connect requests and runs the watchdog once per receive cycle.
type Listener struct {
	address string
	poll    time.Duration
	rcvBuf  int
	decoder protocol.Decoder
	handler Handler
	factory UDPSocketFactory
	metrics *metrics.Metrics

	buf []byte

	mu    sync.Mutex
	sock  UDPSocket
	ready chan struct{}
}

// NewListener creates a Listener. It does not bind until Start.
func NewListener(cfg ListenerConfig) *Listener {
	maxDatagram := cfg.MaxDatagram
	if maxDatagram <= 0 {
		maxDatagram = protocol.DefaultMaxDatagram
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	factory := cfg.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}

	return &Listener{
		address: cfg.Address,
		poll:    poll,
		rcvBuf:  cfg.RcvBuf,
		decoder: protocol.Decoder{MaxDatagram: maxDatagram},
		handler: cfg.Handler,
		factory: factory,
		metrics: cfg.Metrics,
		// One spare byte so an oversize datagram is detectable rather than
		// silently truncated to the limit.
		buf:   make([]byte, maxDatagram+1),
		ready: make(chan struct{}),
	}
}

// Start binds the socket and runs the receive loop until ctx is cancelled.
// A resolve or bind failure is returned immediately; the caller is expected
// to treat it as fatal.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %q: %w", l.address, err)
	}

	sock, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %q: %w", l.address, err)
	}
	defer sock.Close()

	if l.rcvBuf > 0 {
		if err := sock.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.mu.Lock()
	l.sock = sock
	close(l.ready)
	l.mu.Unlock()

	log.Printf("Control listener started on %s", sock.LocalAddr())
	return l.Serve(ctx, sock)
}

// Ready is closed once Start has bound its socket.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// LocalAddr returns the bound address, or nil before Start binds.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return l.sock.LocalAddr()
}

// Serve runs receive cycles on sock until ctx is cancelled or the socket is
// closed.
func (l *Listener) Serve(ctx context.Context, sock UDPSocket) error {
	for {
		select {
		case <-ctx.Done():
			log.Print("Control listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}
		if err := l.Cycle(sock); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Cycle performs one bounded receive, runs the watchdog, then handles the
// datagram if one arrived. The watchdog goes first so an expired owner is
// evicted before its late packet, or a newcomer's connect, is applied. It
// returns an error only when the socket is unusable.
func (l *Listener) Cycle(sock UDPSocket) error {
	if err := sock.SetReadDeadline(time.Now().Add(l.poll)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	n, raddr, err := sock.ReadFromUDP(l.buf)
	if errors.Is(err, net.ErrClosed) {
		return err
	}

	l.handler.CheckTimeout()

	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			log.Printf("UDP read error: %v", err)
		}
		return nil
	}
	l.receive(sock, l.buf[:n], raddr)
	return nil
}

func (l *Listener) receive(sock UDPSocket, payload []byte, raddr *net.UDPAddr) {
	from := addrPort(raddr)
	reply := l.HandleDatagram(payload, from)
	if reply == nil {
		return
	}
	_, err := sock.WriteToUDP(reply.Encode(), raddr)
	l.metrics.RecordReply(reply.Status, err)
	if err != nil {
		log.Printf("Failed to send %s reply to %s: %v", reply.Status, from, err)
	}
}

// HandleDatagram decodes payload and applies it as sent by from, returning
// the reply to send, if any. It does not run the watchdog.
func (l *Listener) HandleDatagram(payload []byte, from netip.AddrPort) *protocol.Reply {
	l.metrics.RecordDatagram()
	cmd := l.decoder.Decode(payload)
	l.metrics.RecordCommand(cmd.Kind.String())
	if cmd.Kind == protocol.KindMalformed {
		monitoring.Debugf("malformed datagram from %s (%d bytes): %v", from, len(payload), cmd.Err)
	}
	return l.handler.Handle(cmd, from)
}

// addrPort converts a socket address to the comparable form used for session
// identity. IPv4-mapped IPv6 addresses are unmapped so a dual-stack socket
// reports the same owner as a v4 one.
func addrPort(a *net.UDPAddr) netip.AddrPort {
	if a == nil {
		return netip.AddrPort{}
	}
	ap := a.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
