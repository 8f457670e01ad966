package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/teleop.link/internal/monitoring"
)

// UDPSink forwards frames as datagrams, for bench simulators that stand in
// for the UART actuator.
type UDPSink struct {
	conn    *net.UDPConn
	address string
}

// NewUDPSink dials address ("host:port").
func NewUDPSink(address string) (*UDPSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actuator address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create actuator connection: %w", err)
	}
	monitoring.Logf("Forwarding actuator frames to %s", address)
	return &UDPSink{conn: conn, address: address}, nil
}

// WriteFrame sends one frame.
func (s *UDPSink) WriteFrame(frame []byte) error {
	_, err := s.conn.Write(frame)
	return err
}

// Close closes the connection.
func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// RecordingSink keeps every frame written, for tests and the replay tool.
type RecordingSink struct {
	mu     sync.Mutex
	frames []string
	// Err, if set, is returned from every write (the frame is still recorded).
	Err error
}

// WriteFrame records frame.
func (s *RecordingSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame))
	return s.Err
}

// Frames returns a copy of the frames recorded so far.
func (s *RecordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}
