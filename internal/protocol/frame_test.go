package protocol

import (
	"strings"
	"testing"
)

func TestFormatFrame(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{
			name: "joystick one only",
			snap: Snapshot{Joystick1: Joystick{X: 0.5, Y: -0.3}},
			want: "BEGIN,0.50000,-0.30000,0.00000,0.00000,0.00,0.00,0,0,0,0,0,0,0,0,0,0,END",
		},
		{
			name: "zero snapshot keeps decimal formatting",
			snap: Neutral(),
			want: "BEGIN,0.00000,0.00000,0.00000,0.00000,0.00,0.00,0,0,0,0,0,0,0,0,0,0,END",
		},
		{
			name: "all fields",
			snap: Snapshot{
				Joystick1:    Joystick{X: 1, Y: -1},
				Joystick2:    Joystick{X: 0.123456, Y: -0.654321},
				ScrollerH1:   42.126,
				ScrollerV1:   -7.5,
				ButtonGroup1: [ButtonCount]int{1, 0, 1, 0, 1, 0, 1, 0, 1, 255},
				ButtonGroup2: [ButtonCount]int{9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
			},
			want: "BEGIN,1.00000,-1.00000,0.12346,-0.65432,42.13,-7.50,1,0,1,0,1,0,1,0,1,255,END",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(FormatFrame(tt.snap))
			if got != tt.want {
				t.Errorf("FormatFrame() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

func TestFrameFieldCount(t *testing.T) {
	for _, frame := range [][]byte{[]byte(FailsafeFrame), FormatFrame(Snapshot{ScrollerH1: 3})} {
		parts := strings.Split(string(frame), ",")
		if parts[0] != "BEGIN" || parts[len(parts)-1] != "END" {
			t.Errorf("frame %q is not BEGIN/END delimited", frame)
		}
		if got := len(parts) - 2; got != FrameDataFields {
			t.Errorf("frame %q has %d data fields, want %d", frame, got, FrameDataFields)
		}
	}
}

func TestFailsafeFrameLiteral(t *testing.T) {
	const want = "BEGIN,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,END"
	if FailsafeFrame != want {
		t.Errorf("FailsafeFrame = %q, want %q", FailsafeFrame, want)
	}
}

func TestReplyEncode(t *testing.T) {
	tests := []struct {
		reply Reply
		want  string
	}{
		{OK(), `{"status":"ok"}`},
		{Busy("A"), `{"status":"busy","device":"A"}`},
		{Busy(""), `{"status":"busy","device":""}`},
	}
	for _, tt := range tests {
		if got := string(tt.reply.Encode()); got != tt.want {
			t.Errorf("Encode(%+v) = %s, want %s", tt.reply, got, tt.want)
		}
	}
}
