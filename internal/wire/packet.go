package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command frame layout (64 bytes on the wire, little-endian CRC):
//
//	[0xAA, 0x55, commandId, dataLength, payload[0..dataLength), crc_lo, crc_hi, padding...]
const (
	FrameSize = 64

	Magic0 = 0xAA
	Magic1 = 0x55

	frameHeaderSize = 4 // magic(2) + commandId + dataLength
	frameCRCSize    = 2

	// MaxDataSize is the firmware's declared payload capacity. A length above
	// it is always a framing error.
	MaxDataSize = 60

	// MaxPayload is the largest payload whose CRC still fits inside a
	// FrameSize buffer.
	MaxPayload = FrameSize - frameHeaderSize - frameCRCSize
)

// Command IDs understood by the firmware.
const (
	CmdRead       byte = 0x01
	CmdWrite      byte = 0x02
	CmdStatus     byte = 0x03
	CmdReset      byte = 0x04
	CmdVersion    byte = 0x05
	CmdEchoString byte = 0x06

	// CmdError is the command ID the firmware answers with when it rejects
	// a request frame (bad magic, bad length, bad CRC).
	CmdError byte = 0xFF
)

// Result codes carried in payload[0] of every response.
const (
	ResultOK         byte = 0x00
	ResultError      byte = 0x01
	ResultInvalidCmd byte = 0x02
	ResultCRCError   byte = 0x03
)

// Frame is a decoded command frame.
type Frame struct {
	CommandID byte   `json:"commandId"`
	Payload   []byte `json:"payload"`
	CRC       uint16 `json:"crc"`
}

// EncodeFrame builds the fixed-size wire representation of a command. The
// CRC covers header, command ID, length and payload and is written directly
// after the payload; the remainder is zero padding.
func EncodeFrame(commandID byte, payload []byte) ([FrameSize]byte, error) {
	var buf [FrameSize]byte
	if len(payload) > MaxPayload {
		return buf, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFraming, len(payload), MaxPayload)
	}

	buf[0] = Magic0
	buf[1] = Magic1
	buf[2] = commandID
	buf[3] = byte(len(payload))
	n := frameHeaderSize + copy(buf[frameHeaderSize:], payload)

	binary.LittleEndian.PutUint16(buf[n:], CRC16(buf[:n]))
	return buf, nil
}

// DecodeFrame validates and parses a received command frame. It either
// returns a complete frame or an error wrapping ErrFraming or ErrChecksum;
// nothing is partially accepted.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFraming, len(b), FrameSize)
	}
	if b[0] != Magic0 || b[1] != Magic1 {
		return Frame{}, fmt.Errorf("%w: bad magic % X", ErrFraming, b[:2])
	}

	dataLen := int(b[3])
	if dataLen > MaxDataSize {
		return Frame{}, fmt.Errorf("%w: data length %d exceeds %d", ErrFraming, dataLen, MaxDataSize)
	}
	if dataLen > MaxPayload {
		return Frame{}, fmt.Errorf("%w: data length %d leaves no room for the CRC", ErrFraming, dataLen)
	}

	end := frameHeaderSize + dataLen
	got := binary.LittleEndian.Uint16(b[end:])
	want := CRC16(b[:end])
	if got != want {
		return Frame{}, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksum, got, want)
	}

	payload := make([]byte, dataLen)
	copy(payload, b[frameHeaderSize:end])
	return Frame{CommandID: b[2], Payload: payload, CRC: got}, nil
}

// Result returns the response result code, or ResultError when the frame
// carries no payload.
func (f Frame) Result() byte {
	if len(f.Payload) == 0 {
		return ResultError
	}
	return f.Payload[0]
}

// Describe renders a multi-line summary of a response frame, decoding the
// typed fields each command carries after the result byte.
func (f Frame) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Command: %s\n", CommandName(f.CommandID))
	fmt.Fprintf(&sb, "Length: %d bytes\n", len(f.Payload))
	result := f.Result()
	fmt.Fprintf(&sb, "Result: %s\n", ResultName(result))
	if result != ResultOK {
		return sb.String()
	}

	p := f.Payload
	switch f.CommandID {
	case CmdRead:
		if len(p) > 1 {
			fmt.Fprintf(&sb, "State: 0x%02X\n", p[1])
		}
	case CmdStatus:
		if len(p) > 5 {
			fmt.Fprintf(&sb, "State: 0x%02X\n", p[1])
			fmt.Fprintf(&sb, "Packet counter: %d\n", binary.LittleEndian.Uint32(p[2:6]))
		}
	case CmdVersion:
		if len(p) > 3 {
			fmt.Fprintf(&sb, "Version: v%d.%d.%d\n", p[1], p[2], p[3])
		}
	case CmdEchoString:
		if len(p) > 1 {
			fmt.Fprintf(&sb, "Echo: %q\n", string(p[1:]))
			fmt.Fprintf(&sb, "Hex: % X\n", p[1:])
		}
	}
	return sb.String()
}

// CommandName returns a human-readable name for a command ID.
func CommandName(id byte) string {
	switch id {
	case CmdRead:
		return "Read"
	case CmdWrite:
		return "Write"
	case CmdStatus:
		return "Status"
	case CmdReset:
		return "Reset"
	case CmdVersion:
		return "Version"
	case CmdEchoString:
		return "String Echo"
	case CmdError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown (0x%02X)", id)
	}
}

// ResultName returns a human-readable name for a result code.
func ResultName(code byte) string {
	switch code {
	case ResultOK:
		return "OK"
	case ResultError:
		return "General Error"
	case ResultInvalidCmd:
		return "Invalid Command"
	case ResultCRCError:
		return "CRC Error"
	default:
		return fmt.Sprintf("Unknown (0x%02X)", code)
	}
}
