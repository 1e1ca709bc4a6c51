// Package command implements the synchronous request/response exchange with
// the bridge's command function.
package command

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// ErrRejected is returned when the device answers with the error command
// or a non-OK result code.
var ErrRejected = errors.New("command rejected by device")

// RejectedError carries the device's answer to a rejected request.
type RejectedError struct {
	Command  byte
	Response wire.Frame
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", wire.CommandName(e.Command), ErrRejected, wire.ResultName(e.Response.Result()))
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Channel exchanges one frame at a time over a bound pipe. It holds no
// queue and is not safe for concurrent use; callers serialize access.
type Channel struct {
	pipe usbdev.Pipe
}

func New(pipe usbdev.Pipe) *Channel {
	return &Channel{pipe: pipe}
}

// Path returns the bound function's path, or "" when unbound.
func (c *Channel) Path() string {
	if c == nil || c.pipe == nil {
		return ""
	}
	return c.pipe.Path()
}

// Send writes req as one 64-byte transfer, then reads and decodes exactly
// one response transfer. Transfer failures come back as
// *usbdev.TransportError; malformed responses as wire framing or checksum
// errors.
func (c *Channel) Send(ctx context.Context, req wire.Frame) (wire.Frame, error) {
	if c == nil || c.pipe == nil || !c.pipe.Valid() {
		return wire.Frame{}, usbdev.ErrDeviceUnavailable
	}

	out, err := wire.EncodeFrame(req.CommandID, req.Payload)
	if err != nil {
		return wire.Frame{}, err
	}
	if _, err := c.pipe.Write(ctx, out[:]); err != nil {
		return wire.Frame{}, fmt.Errorf("command %s: %w", wire.CommandName(req.CommandID), err)
	}

	size := c.pipe.MaxPacketSize()
	if size < wire.FrameSize {
		size = wire.FrameSize
	}
	in := make([]byte, size)
	n, err := c.pipe.Read(ctx, in)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("command %s: %w", wire.CommandName(req.CommandID), err)
	}

	resp, err := wire.DecodeFrame(in[:n])
	if err != nil {
		return wire.Frame{}, fmt.Errorf("command %s response: %w", wire.CommandName(req.CommandID), err)
	}
	return resp, nil
}

// Do sends a command and treats an error frame or a non-OK result as
// *RejectedError.
func (c *Channel) Do(ctx context.Context, cmd byte, payload []byte) (wire.Frame, error) {
	resp, err := c.Send(ctx, wire.Frame{CommandID: cmd, Payload: payload})
	if err != nil {
		return wire.Frame{}, err
	}
	if resp.CommandID == wire.CmdError || resp.Result() != wire.ResultOK {
		return resp, &RejectedError{Command: cmd, Response: resp}
	}
	return resp, nil
}

// Version queries the firmware version, formatted vMAJOR.MINOR.PATCH.
func (c *Channel) Version(ctx context.Context) (string, error) {
	resp, err := c.Do(ctx, wire.CmdVersion, nil)
	if err != nil {
		return "", err
	}
	p := resp.Payload
	if len(p) < 4 {
		return "", fmt.Errorf("version response too short: %d bytes", len(p))
	}
	return fmt.Sprintf("v%d.%d.%d", p[1], p[2], p[3]), nil
}

// DeviceStatus is the STATUS response body.
type DeviceStatus struct {
	State   byte   `json:"state"`
	Packets uint32 `json:"packets"`
}

func (c *Channel) Status(ctx context.Context) (DeviceStatus, error) {
	resp, err := c.Do(ctx, wire.CmdStatus, nil)
	if err != nil {
		return DeviceStatus{}, err
	}
	p := resp.Payload
	if len(p) < 6 {
		return DeviceStatus{}, fmt.Errorf("status response too short: %d bytes", len(p))
	}
	return DeviceStatus{State: p[1], Packets: binary.LittleEndian.Uint32(p[2:6])}, nil
}

// Read returns the device state byte.
func (c *Channel) Read(ctx context.Context) (byte, error) {
	resp, err := c.Do(ctx, wire.CmdRead, nil)
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) < 2 {
		return 0, fmt.Errorf("read response too short: %d bytes", len(resp.Payload))
	}
	return resp.Payload[1], nil
}

// Write sets the device state byte.
func (c *Channel) Write(ctx context.Context, state byte) error {
	_, err := c.Do(ctx, wire.CmdWrite, []byte{state})
	return err
}

// Reset clears the device state and packet counter.
func (c *Channel) Reset(ctx context.Context) error {
	_, err := c.Do(ctx, wire.CmdReset, nil)
	return err
}

// MaxEchoText is the longest text whose echo (result byte + text) still
// fits a response frame.
const MaxEchoText = wire.MaxPayload - 1

// Echo sends text and returns what the device echoed back.
func (c *Channel) Echo(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("echo: empty text")
	}
	if len(text) > MaxEchoText {
		return "", fmt.Errorf("echo: text of %d bytes exceeds %d: %w", len(text), MaxEchoText, wire.ErrFraming)
	}
	resp, err := c.Do(ctx, wire.CmdEchoString, []byte(text))
	if err != nil {
		return "", err
	}
	return string(resp.Payload[1:]), nil
}
