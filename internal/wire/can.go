package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// CAN wire record layout (18 bytes, little-endian):
//
//	[timestamp u32, id u32, data[8], length u8, flags u8]
const (
	CanRecordSize = 18
	CanMaxDLC     = 8
	CanMaxID      = 0x1FFFFFFF

	// CanMaxStdID is the largest 11-bit identifier. Larger IDs are treated as
	// extended; the record carries no separate flag for it.
	CanMaxStdID = 0x7FF
)

// CanRecord is one CAN message as exchanged with the firmware.
type CanRecord struct {
	DeviceTimestamp uint32  `json:"deviceTimestamp" cbor:"1,keyasint"`
	ID              uint32  `json:"id" cbor:"2,keyasint"`
	Data            [8]byte `json:"data" cbor:"3,keyasint"`
	Length          uint8   `json:"length" cbor:"4,keyasint"`
	Flags           uint8   `json:"flags" cbor:"5,keyasint"`
}

// EncodeCan serializes r into its 18-byte wire form. Data bytes at or past
// Length are written as zero.
func EncodeCan(r CanRecord) [CanRecordSize]byte {
	var buf [CanRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.DeviceTimestamp)
	binary.LittleEndian.PutUint32(buf[4:8], r.ID)
	n := int(r.Length)
	if n > CanMaxDLC {
		n = CanMaxDLC
	}
	copy(buf[8:8+n], r.Data[:n])
	buf[16] = r.Length
	buf[17] = r.Flags
	return buf
}

// DecodeCan parses a wire record. A length byte above 8 is clamped to 8.
func DecodeCan(b []byte) (CanRecord, error) {
	if len(b) < CanRecordSize {
		return CanRecord{}, fmt.Errorf("%w: CAN record of %d bytes, want %d", ErrFraming, len(b), CanRecordSize)
	}
	r := CanRecord{
		DeviceTimestamp: binary.LittleEndian.Uint32(b[0:4]),
		ID:              binary.LittleEndian.Uint32(b[4:8]),
		Length:          b[16],
		Flags:           b[17],
	}
	copy(r.Data[:], b[8:16])
	if r.Length > CanMaxDLC {
		r.Length = CanMaxDLC
	}
	return r, nil
}

// Extended reports whether the identifier needs 29-bit addressing.
func (r CanRecord) Extended() bool { return r.ID > CanMaxStdID }

// IDString renders the identifier in hex, marking standard IDs.
func (r CanRecord) IDString() string {
	if r.Extended() {
		return fmt.Sprintf("%X", r.ID)
	}
	return fmt.Sprintf("%X (STD)", r.ID)
}

// Payload returns the valid data bytes.
func (r CanRecord) Payload() []byte {
	n := int(r.Length)
	if n > CanMaxDLC {
		n = CanMaxDLC
	}
	return r.Data[:n]
}

// DataHex renders the valid data bytes as space separated hex.
func (r CanRecord) DataHex() string {
	return fmt.Sprintf("% X", r.Payload())
}

// ParseHexData parses dlc hex bytes separated by spaces, commas, semicolons
// or dashes. The number of tokens must equal dlc and every token must be one
// or two hex digits.
func ParseHexData(s string, dlc uint8) ([8]byte, error) {
	var data [8]byte
	if dlc > CanMaxDLC {
		return data, fmt.Errorf("dlc %d exceeds %d", dlc, CanMaxDLC)
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ';' || r == '-' || r == '\t'
	})
	if len(fields) != int(dlc) {
		return data, fmt.Errorf("got %d data bytes, dlc is %d", len(fields), dlc)
	}
	for i, f := range fields {
		if len(f) > 2 {
			return data, fmt.Errorf("invalid hex byte %q", f)
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return data, fmt.Errorf("invalid hex byte %q: %w", f, err)
		}
		data[i] = byte(v)
	}
	return data, nil
}

// ParseID parses a hex CAN identifier with an optional 0x prefix.
func ParseID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN id %q: %w", s, err)
	}
	if v > CanMaxID {
		return 0, fmt.Errorf("CAN id 0x%X exceeds 0x%X", v, CanMaxID)
	}
	return uint32(v), nil
}
