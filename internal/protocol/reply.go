package protocol

import "encoding/json"

// Reply status values.
const (
	StatusOK   = "ok"
	StatusBusy = "busy"
)

// Reply is the answer to a connect request. Other commands get no reply.
type Reply struct {
	Status string
	// Device is the current owner's label; only sent with StatusBusy.
	Device string
}

// OK is the reply for an accepted connect or keepalive.
func OK() Reply { return Reply{Status: StatusOK} }

// Busy is the reply for a connect rejected because ownerLabel holds the lock.
func Busy(ownerLabel string) Reply { return Reply{Status: StatusBusy, Device: ownerLabel} }

type okWire struct {
	Status string `json:"status"`
}

type busyWire struct {
	Status string `json:"status"`
	Device string `json:"device"`
}

// MarshalJSON encodes {"status":"ok"} or {"status":"busy","device":"..."}.
// The busy form always carries the device key, even for an empty label.
func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Status == StatusBusy {
		return json.Marshal(busyWire{Status: r.Status, Device: r.Device})
	}
	return json.Marshal(okWire{Status: r.Status})
}

// Encode returns the datagram payload for r.
func (r Reply) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Both wire forms are plain strings; Marshal cannot fail on them.
		panic("protocol: encode reply: " + err.Error())
	}
	return b
}
