package wire

import "errors"

var (
	// ErrFraming reports a frame or record whose structure is wrong: bad magic,
	// a declared length that overruns the fixed buffer, or a short buffer.
	ErrFraming = errors.New("framing error")

	// ErrChecksum reports a command frame whose CRC16 does not match its contents.
	ErrChecksum = errors.New("checksum error")
)
