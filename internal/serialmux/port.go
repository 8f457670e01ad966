package serialmux

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// go.bug.st/serial.Port satisfies it, and tests substitute
// TestableSerialPort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
