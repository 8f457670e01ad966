package protocol

import (
	"strconv"
)

const (
	framePrefix = "BEGIN"
	frameSuffix = "END"

	// FrameDataFields is the number of comma-separated values between BEGIN
	// and END: four stick axes, two scrollers and ten buttons.
	FrameDataFields = 16
)

// FailsafeFrame is sent when no command arrived within the failsafe window.
// The actuator firmware matches it literally, so it is not derived from
// FormatFrame.
const FailsafeFrame = "BEGIN,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,END"

// FormatFrame renders s as the downstream actuator frame:
//
//	BEGIN,<j1x>,<j1y>,<j2x>,<j2y>,<sch1>,<scv1>,<b0>,...,<b9>,END
//
// Stick axes use five decimals, scrollers two, buttons are plain integers.
// Only the first button group is carried; the actuator protocol has no slot
// for the second.
func FormatFrame(s Snapshot) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, framePrefix...)

	for _, v := range [...]float64{s.Joystick1.X, s.Joystick1.Y, s.Joystick2.X, s.Joystick2.Y} {
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, v, 'f', 5, 64)
	}
	for _, v := range [...]float64{s.ScrollerH1, s.ScrollerV1} {
		buf = append(buf, ',')
		buf = strconv.AppendFloat(buf, v, 'f', 2, 64)
	}
	for _, b := range s.ButtonGroup1 {
		buf = append(buf, ',')
		buf = strconv.AppendInt(buf, int64(b), 10)
	}

	buf = append(buf, ',')
	buf = append(buf, frameSuffix...)
	return buf
}
