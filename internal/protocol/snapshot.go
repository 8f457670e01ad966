package protocol

// ButtonCount is the fixed size of each button group.
const ButtonCount = 10

// Joystick is one 2-axis stick reading.
type Joystick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Snapshot is one complete sample of the remote's control inputs. It is a
// plain value type: copying it is how it crosses goroutine boundaries.
type Snapshot struct {
	Joystick1    Joystick         `json:"joystick1"`
	Joystick2    Joystick         `json:"joystick2"`
	ScrollerH1   float64          `json:"scroller_h1"`
	ScrollerV1   float64          `json:"scroller_v1"`
	ButtonGroup1 [ButtonCount]int `json:"button_group1"`
	ButtonGroup2 [ButtonCount]int `json:"button_group2"`
}

// Neutral returns the all-zero snapshot: sticks centred, nothing pressed.
func Neutral() Snapshot {
	return Snapshot{}
}

// IsNeutral reports whether every field of s is zero.
func (s Snapshot) IsNeutral() bool {
	return s == Snapshot{}
}
