package usbdev

import (
	"log"
	"sync"
	"time"
)

// PollMonitor synthesizes attach/detach events by diffing successive
// enumerations. It is the fallback where no kernel event source exists.
type PollMonitor struct {
	enum     Enumerator
	vendor   uint16
	product  uint16
	interval time.Duration

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPollMonitor starts polling enum every interval. The first snapshot is
// taken as the baseline and produces no events.
func NewPollMonitor(enum Enumerator, vendor, product uint16, interval time.Duration) *PollMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &PollMonitor{
		enum:     enum,
		vendor:   vendor,
		product:  product,
		interval: interval,
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
	prev, _ := m.snapshot()
	m.wg.Add(1)
	go m.loop(prev)
	return m
}

func (m *PollMonitor) Events() <-chan Event { return m.events }

func (m *PollMonitor) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *PollMonitor) snapshot() (map[string]Function, bool) {
	funcs, err := m.enum.Functions(m.vendor, m.product)
	if err != nil {
		log.Printf("[hotplug] poll enumerate: %v", err)
		return nil, false
	}
	snap := make(map[string]Function, len(funcs))
	for _, f := range funcs {
		snap[f.Path] = f
	}
	return snap, true
}

func (m *PollMonitor) loop(prev map[string]Function) {
	defer m.wg.Done()
	defer close(m.events)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		cur, ok := m.snapshot()
		if !ok {
			continue
		}
		for p, f := range prev {
			if _, still := cur[p]; !still {
				m.emit(Event{Kind: Detached, Path: p, Name: f.Name, Vendor: f.Vendor, Product: f.Product})
			}
		}
		for p, f := range cur {
			if _, had := prev[p]; !had {
				m.emit(Event{Kind: Attached, Path: p, Name: f.Name, Vendor: f.Vendor, Product: f.Product})
			}
		}
		prev = cur
	}
}

func (m *PollMonitor) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.done:
	}
}
