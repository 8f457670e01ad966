package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads block until data
// is added or the port is closed, like an idle UART.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	writes   [][]byte
	closed   bool

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool
	// ReadError is returned by the next Read once the buffer is drained.
	ReadError error
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered read-back data, blocking while there is none.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.readBuf.Len() == 0 && !p.closed && p.ReadError == nil {
		p.cond.Wait()
	}
	if p.readBuf.Len() > 0 {
		return p.readBuf.Read(b)
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	return 0, ErrPortClosed
}

// Write records b.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	if p.ShortWrite && len(b) > 0 {
		p.writeBuf.Write(b[:len(b)-1])
		return len(b) - 1, nil
	}
	return p.writeBuf.Write(b)
}

// Close marks the port closed and wakes any blocked reader.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData queues data as if the actuator had sent it.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.cond.Broadcast()
}

// FailReads makes the next Read return err once buffered data is drained.
func (p *TestableSerialPort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.cond.Broadcast()
}

// Written returns everything written so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// Writes returns each Write call's payload separately.
func (p *TestableSerialPort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// IsClosed reports whether Close was called.
func (p *TestableSerialPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
