package usbdev

import (
	"bytes"
	"path"
	"strconv"
	"strings"
)

// uevent is one kernel object notification as broadcast on the
// NETLINK_KOBJECT_UEVENT socket: a "action@devpath" header followed by
// NUL-separated KEY=value pairs.
type uevent struct {
	action    string
	devpath   string
	subsystem string
	devtype   string
	vendor    uint16
	product   uint16
	hasIDs    bool
}

func parseUEvent(data []byte) uevent {
	var ev uevent
	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		s := string(field)
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			if action, devpath, found := strings.Cut(s, "@"); found {
				ev.action, ev.devpath = action, devpath
			}
			continue
		}
		switch key {
		case "ACTION":
			ev.action = value
		case "DEVPATH":
			ev.devpath = value
		case "SUBSYSTEM":
			ev.subsystem = value
		case "DEVTYPE":
			ev.devtype = value
		case "PRODUCT":
			ev.vendor, ev.product, ev.hasIDs = parseProduct(value)
		}
	}
	return ev
}

// parseProduct reads the "vid/pid/bcdDevice" triple, all unpadded hex.
func parseProduct(s string) (uint16, uint16, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return 0, 0, false
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(vid), uint16(pid), true
}

// toEvent converts a usb_device uevent into an Event. ok is false for
// anything that is not a whole-device add or remove.
func (ev uevent) toEvent() (Event, bool) {
	if ev.subsystem != "usb" || ev.devtype != "usb_device" || ev.devpath == "" {
		return Event{}, false
	}
	var kind EventKind
	switch ev.action {
	case "add":
		kind = Attached
	case "remove":
		kind = Detached
	default:
		return Event{}, false
	}
	return Event{
		Kind:    kind,
		Path:    path.Base(ev.devpath),
		Vendor:  ev.vendor,
		Product: ev.product,
	}, true
}
