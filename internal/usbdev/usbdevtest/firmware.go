package usbdevtest

import (
	"encoding/binary"
	"sync"

	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// Firmware emulates the bridge's command function. Attach it to a Pipe with
// pipe.Respond = fw.Respond.
type Firmware struct {
	mu      sync.Mutex
	Version [3]byte
	State   byte
	Counter uint32
}

// NewFirmware returns an emulator reporting version 1.0.0.
func NewFirmware() *Firmware {
	return &Firmware{Version: [3]byte{1, 0, 0}}
}

// Respond answers one request frame the way the device does, including
// the 0xFF error response to a frame that fails validation.
func (fw *Firmware) Respond(written []byte) []ReadResult {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	req, err := wire.DecodeFrame(written)
	if err != nil {
		code := wire.ResultError
		if len(written) >= 4 && written[0] == wire.Magic0 && written[1] == wire.Magic1 && int(written[3]) <= wire.MaxDataSize {
			code = wire.ResultCRCError
		}
		return fw.frame(wire.CmdError, []byte{code})
	}
	fw.Counter++

	p := req.Payload
	switch req.CommandID {
	case wire.CmdRead:
		return fw.frame(req.CommandID, []byte{wire.ResultOK, fw.State})
	case wire.CmdWrite:
		if len(p) == 0 {
			return fw.frame(req.CommandID, []byte{wire.ResultError})
		}
		fw.State = p[0]
		return fw.frame(req.CommandID, []byte{wire.ResultOK})
	case wire.CmdStatus:
		resp := []byte{wire.ResultOK, fw.State, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(resp[2:], fw.Counter)
		return fw.frame(req.CommandID, resp)
	case wire.CmdReset:
		fw.State, fw.Counter = 0, 0
		return fw.frame(req.CommandID, []byte{wire.ResultOK})
	case wire.CmdVersion:
		return fw.frame(req.CommandID, []byte{wire.ResultOK, fw.Version[0], fw.Version[1], fw.Version[2]})
	case wire.CmdEchoString:
		if len(p) == 0 {
			return fw.frame(req.CommandID, []byte{wire.ResultError})
		}
		return fw.frame(req.CommandID, append([]byte{wire.ResultOK}, p...))
	default:
		return fw.frame(wire.CmdError, []byte{wire.ResultInvalidCmd})
	}
}

func (fw *Firmware) frame(id byte, payload []byte) []ReadResult {
	buf, err := wire.EncodeFrame(id, payload)
	if err != nil {
		return []ReadResult{{Err: err}}
	}
	return []ReadResult{{Data: buf[:]}}
}
