// Package usbdev is the host side of the USB transport: it enumerates the
// bridge's functions, opens bulk endpoint pairs on them, and reports
// attach/detach events.
package usbdev

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Direction of an endpoint relative to the host.
type Direction uint8

const (
	DirectionOut Direction = iota
	DirectionIn
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

// TransferType of an endpoint.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("transfer(%d)", uint8(t))
	}
}

// EndpointDesc describes one endpoint of a function.
type EndpointDesc struct {
	Address       uint8        `json:"address"` // includes the 0x80 direction bit for IN
	Direction     Direction    `json:"direction"`
	TransferType  TransferType `json:"transferType"`
	MaxPacketSize int          `json:"maxPacketSize"`
}

func (e EndpointDesc) String() string {
	return fmt.Sprintf("ep 0x%02X %s %s (max %d)", e.Address, e.Direction, e.TransferType, e.MaxPacketSize)
}

// Function is one USB interface of an attached device, the unit a role
// binds to. A composite device exposes several functions under one device
// path.
type Function struct {
	Vendor    uint16         `json:"vendor"`
	Product   uint16         `json:"product"`
	Name      string         `json:"name"` // interface string, falling back to the product string
	Path      string         `json:"path"` // sysfs style, e.g. "1-1.2:1.0"
	Config    int            `json:"config"`
	Interface int            `json:"interface"`
	Alternate int            `json:"alternate"`
	Endpoints []EndpointDesc `json:"endpoints"`
}

// DevicePath returns the path of the physical device the function lives on.
func (f Function) DevicePath() string {
	if i := strings.IndexByte(f.Path, ':'); i >= 0 {
		return f.Path[:i]
	}
	return f.Path
}

// FunctionPath formats the sysfs-style path of an interface.
func FunctionPath(devicePath string, config, iface int) string {
	return fmt.Sprintf("%s:%d.%d", devicePath, config, iface)
}

// Pipe is a bound IN/OUT bulk endpoint pair. Each call performs exactly one
// transfer bounded by the pipe's timeout for that direction; ctx can end the
// transfer earlier.
type Pipe interface {
	Write(ctx context.Context, p []byte) (int, error)
	Read(ctx context.Context, p []byte) (int, error)
	// SetTimeouts configures the per-transfer bound for each direction.
	SetTimeouts(read, write time.Duration)
	// MaxPacketSize of the IN endpoint; reads should offer at least this much.
	MaxPacketSize() int
	// Path identifies the function for attach/detach correlation.
	Path() string
	// Valid reports whether the underlying handle is still usable.
	Valid() bool
	Close() error
}

// Enumerator lists attached functions and opens endpoint pairs on them.
type Enumerator interface {
	Functions(vendor, product uint16) ([]Function, error)
	Open(f Function, in, out EndpointDesc) (Pipe, error)
}

// EventKind distinguishes attach from detach notifications.
type EventKind uint8

const (
	Attached EventKind = iota + 1
	Detached
)

func (k EventKind) String() string {
	switch k {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event is an attach or detach notification. Path is the device path (no
// interface suffix) or a function path; Name may be empty when the source
// cannot read string descriptors for a removed device.
type Event struct {
	Kind    EventKind
	Path    string
	Name    string
	Vendor  uint16
	Product uint16
}

// Matches reports whether the event concerns the given function path.
func (e Event) Matches(functionPath string) bool {
	if e.Path == "" || functionPath == "" {
		return false
	}
	return functionPath == e.Path || strings.HasPrefix(functionPath, e.Path+":")
}

// Monitor delivers hotplug events until closed.
type Monitor interface {
	Events() <-chan Event
	Close() error
}
