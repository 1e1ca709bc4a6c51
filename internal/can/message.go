// Package can tunnels CAN traffic over the bridge's CAN function: a
// background listener drains the IN endpoint and Send writes records out,
// each direction numbered by its own gap-free sequence.
package can

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// Direction of a message relative to the host.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "rx":
		*d = Rx
	case "tx":
		*d = Tx
	default:
		return fmt.Errorf("can: unknown direction %q", b)
	}
	return nil
}

// Message is a CAN record stamped with its per-direction sequence number
// and the host time it was received or sent.
type Message struct {
	Seq       uint64         `json:"seq"`
	Direction Direction      `json:"dir"`
	HostTime  time.Time      `json:"hostTime"`
	Record    wire.CanRecord `json:"record"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s #%d id=%s dlc=%d [%s]", m.Direction, m.Seq, m.Record.IDString(), m.Record.Length, m.Record.DataHex())
}
