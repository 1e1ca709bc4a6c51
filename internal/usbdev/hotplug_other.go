//go:build !linux

package usbdev

import "errors"

// NetlinkMonitor is only available on Linux.
type NetlinkMonitor struct{}

// NewNetlinkMonitor always fails off Linux; callers fall back to PollMonitor.
func NewNetlinkMonitor(vendor, product uint16) (*NetlinkMonitor, error) {
	return nil, errors.New("hotplug: netlink uevents are not supported on this platform")
}

func (m *NetlinkMonitor) Events() <-chan Event { return nil }
func (m *NetlinkMonitor) Close() error         { return nil }
