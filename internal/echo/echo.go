// Package echo runs periodic round-trip tests against the bridge, either
// through the USB command function or the CDC serial port, and keeps
// timing statistics.
package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
)

// Exchanger sends a payload and returns what came back.
type Exchanger interface {
	Name() string
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
}

// Config controls one echo run.
type Config struct {
	Interval time.Duration
	Count    int // 0 runs until ctx ends
	Payload  []byte
}

// DefaultPayload is used when Config.Payload is empty.
var DefaultPayload = []byte("Default USB Echo Data")

// Stats summarises an echo run. Round-trip times cover successful
// exchanges only.
type Stats struct {
	Target     string        `json:"target"`
	Sent       int           `json:"sent"`
	Matched    int           `json:"matched"`
	Mismatched int           `json:"mismatched"`
	Failed     int           `json:"failed"`
	Min        time.Duration `json:"minNs"`
	Max        time.Duration `json:"maxNs"`
	Avg        time.Duration `json:"avgNs"`

	total time.Duration
}

func (s *Stats) observe(rtt time.Duration) {
	n := s.Matched + s.Mismatched
	if n == 1 || rtt < s.Min {
		s.Min = rtt
	}
	if rtt > s.Max {
		s.Max = rtt
	}
	s.total += rtt
	s.Avg = s.total / time.Duration(n)
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %d sent, %d ok, %d mismatched, %d failed, rtt min %v avg %v max %v",
		s.Target, s.Sent, s.Matched, s.Mismatched, s.Failed, s.Min, s.Avg, s.Max)
}

// Run exchanges cfg.Payload every cfg.Interval until Count exchanges are
// done or ctx ends. It stops early with an error when the target becomes
// unavailable; individual timeouts and mismatches are counted and the run
// continues.
func Run(ctx context.Context, ex Exchanger, cfg Config) (Stats, error) {
	payload := cfg.Payload
	if len(payload) == 0 {
		payload = DefaultPayload
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	stats := Stats{Target: ex.Name()}
	log.Printf("[echo] %s started (%d bytes every %v)", ex.Name(), len(payload), interval)
	defer func() { log.Printf("[echo] %s stopped: %s", ex.Name(), stats) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats.Sent++
		start := time.Now()
		got, err := ex.Exchange(ctx, payload)
		rtt := time.Since(start)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				stats.Sent--
				return stats, nil
			}
			stats.Failed++
			log.Printf("[echo] %s #%d failed: %v", ex.Name(), stats.Sent, err)
			if errors.Is(err, usbdev.ErrDeviceUnavailable) {
				return stats, err
			}
		case !bytes.Equal(got, payload):
			stats.Mismatched++
			stats.observe(rtt)
			log.Printf("[echo] %s #%d mismatch: sent %q, got %q", ex.Name(), stats.Sent, payload, got)
		default:
			stats.Matched++
			stats.observe(rtt)
			if stats.Matched == 1 || stats.Matched%10 == 0 {
				log.Printf("[echo] %s #%d: %d bytes in %v", ex.Name(), stats.Sent, len(payload), rtt)
			}
		}

		if cfg.Count > 0 && stats.Sent >= cfg.Count {
			return stats, nil
		}
		select {
		case <-ctx.Done():
			return stats, nil
		case <-ticker.C:
		}
	}
}
