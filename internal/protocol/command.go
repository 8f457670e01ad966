package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxDatagram is the largest control datagram accepted, in bytes.
const DefaultMaxDatagram = 255

// Discriminator values carried in the "cmd" field.
const (
	CmdConnect    = "connect"
	CmdControl    = "ctrl"
	CmdDisconnect = "disconnect"
)

var (
	// ErrMalformed marks a payload that is not a recognised command.
	ErrMalformed = errors.New("malformed command")
	// ErrOversize marks a datagram longer than the receive bound. Oversize
	// datagrams are rejected rather than decoded from a truncated prefix.
	ErrOversize = errors.New("datagram exceeds receive buffer")
)

// Kind tags the variant held by a Command.
type Kind int

const (
	KindMalformed Kind = iota
	KindConnect
	KindControl
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return CmdConnect
	case KindControl:
		return CmdControl
	case KindDisconnect:
		return CmdDisconnect
	default:
		return "malformed"
	}
}

// Command is the decoded form of one datagram. Only the fields belonging to
// Kind are meaningful.
type Command struct {
	Kind Kind

	// Label is the requester's device name (KindConnect).
	Label string

	// Snapshot is the control sample (KindControl).
	Snapshot Snapshot
	// Fields is the number of control fields present on the wire. Absent
	// fields decode as zero, so a ctrl message with Fields == 0 is a full
	// neutral command.
	Fields int

	// Err explains why the payload was rejected (KindMalformed).
	Err error
}

// Malformed builds a KindMalformed command wrapping err.
func Malformed(err error) Command {
	return Command{Kind: KindMalformed, Err: err}
}

// wireMessage mirrors the JSON object sent by the remote. Pointer fields
// distinguish "absent" from "zero".
type wireMessage struct {
	Cmd    *string  `json:"cmd"`
	Device string   `json:"device"`
	X1     *float64 `json:"x1"`
	Y1     *float64 `json:"y1"`
	X2     *float64 `json:"x2"`
	Y2     *float64 `json:"y2"`
	ScH1   *float64 `json:"sc_h1"`
	ScV1   *float64 `json:"sc_v1"`
	BtnG1  []int    `json:"btn_g1"`
	BtnG2  []int    `json:"btn_g2"`
}

// Decoder turns raw datagrams into Commands.
type Decoder struct {
	// MaxDatagram bounds the accepted payload size; zero means
	// DefaultMaxDatagram.
	MaxDatagram int
}

// Decode parses one datagram. It never returns an error: anything that is
// not a valid command comes back as KindMalformed.
func (d Decoder) Decode(payload []byte) Command {
	limit := d.MaxDatagram
	if limit <= 0 {
		limit = DefaultMaxDatagram
	}
	if len(payload) > limit {
		return Malformed(fmt.Errorf("%w: %d > %d bytes", ErrOversize, len(payload), limit))
	}

	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Malformed(fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if msg.Cmd == nil {
		return Malformed(fmt.Errorf("%w: missing cmd", ErrMalformed))
	}

	switch *msg.Cmd {
	case CmdConnect:
		return Command{Kind: KindConnect, Label: msg.Device}
	case CmdControl:
		snap, fields := msg.snapshot()
		return Command{Kind: KindControl, Snapshot: snap, Fields: fields}
	case CmdDisconnect:
		return Command{Kind: KindDisconnect}
	default:
		return Malformed(fmt.Errorf("%w: unknown cmd %q", ErrMalformed, *msg.Cmd))
	}
}

// Decode parses payload with the default size bound.
func Decode(payload []byte) Command {
	return Decoder{}.Decode(payload)
}

func (m *wireMessage) snapshot() (Snapshot, int) {
	var s Snapshot
	fields := 0

	take := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
			fields++
		}
	}
	take(&s.Joystick1.X, m.X1)
	take(&s.Joystick1.Y, m.Y1)
	take(&s.Joystick2.X, m.X2)
	take(&s.Joystick2.Y, m.Y2)
	take(&s.ScrollerH1, m.ScH1)
	take(&s.ScrollerV1, m.ScV1)

	// Short arrays leave trailing buttons released; extra entries are ignored.
	if m.BtnG1 != nil {
		copy(s.ButtonGroup1[:], m.BtnG1)
		fields++
	}
	if m.BtnG2 != nil {
		copy(s.ButtonGroup2[:], m.BtnG2)
		fields++
	}
	return s, fields
}
