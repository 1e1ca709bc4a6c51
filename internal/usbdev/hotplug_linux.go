//go:build linux

package usbdev

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	ueventBufferSize = 8192
	netlinkPollMs    = 250
)

// NetlinkMonitor reports USB device add/remove events from the kernel's
// uevent broadcast. Only events whose PRODUCT matches vendor/product are
// delivered; remove events without ids are passed through because the
// kernel does not always include PRODUCT on removal.
type NetlinkMonitor struct {
	fd      int
	vendor  uint16
	product uint16

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewNetlinkMonitor opens the uevent socket and starts reading from it.
func NewNetlinkMonitor(vendor, product uint16) (*NetlinkMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("hotplug: netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hotplug: netlink bind: %w", err)
	}

	m := &NetlinkMonitor{
		fd:      fd,
		vendor:  vendor,
		product: product,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *NetlinkMonitor) Events() <-chan Event { return m.events }

// Close stops the reader and releases the socket.
func (m *NetlinkMonitor) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *NetlinkMonitor) loop() {
	defer m.wg.Done()
	defer close(m.events)
	defer unix.Close(m.fd)

	buf := make([]byte, ueventBufferSize)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, err := unix.Poll(fds, netlinkPollMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Printf("[hotplug] poll: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		for {
			nr, _, err := unix.Recvfrom(m.fd, buf, 0)
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
					log.Printf("[hotplug] recv: %v", err)
				}
				break
			}
			m.handle(buf[:nr])
		}
	}
}

func (m *NetlinkMonitor) handle(data []byte) {
	ev := parseUEvent(data)
	e, ok := ev.toEvent()
	if !ok {
		return
	}
	if ev.hasIDs && (ev.vendor != m.vendor || ev.product != m.product) {
		return
	}
	if !ev.hasIDs && e.Kind == Attached {
		return
	}

	select {
	case m.events <- e:
	case <-m.done:
	default:
		log.Printf("[hotplug] event queue full, dropping %s %s", e.Kind, e.Path)
	}
}
