package can

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// Config holds the listener's timing policy.
type Config struct {
	PollTimeout  time.Duration // bound on each IN poll
	WriteTimeout time.Duration // bound on each OUT transfer
	ErrorPause   time.Duration // sleep after a failed poll
	StopGrace    time.Duration // how long Stop waits for the listener
}

func DefaultConfig() Config {
	return Config{
		PollTimeout:  50 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		ErrorPause:   100 * time.Millisecond,
		StopGrace:    500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = d.ErrorPause
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	return c
}

// Stats are the channel's running counters.
type Stats struct {
	Rx        uint64 `json:"rx"`        // last Rx sequence number
	Tx        uint64 `json:"tx"`        // last Tx sequence number
	Anomalies uint64 `json:"anomalies"` // polls that were neither empty nor one record
	Errors    uint64 `json:"errors"`    // failed polls, including recovered panics
}

// Channel owns one bound CAN endpoint pair.
type Channel struct {
	cfg  Config
	pipe usbdev.Pipe
	hub  *Hub
	now  func() time.Time

	rxMu  sync.Mutex
	rxSeq uint64

	// txMu is held across sequence assignment, the transfer and publication
	// so Tx messages reach subscribers in sequence order.
	txMu  sync.Mutex
	txSeq uint64
	// txCommitted mirrors txSeq for readers that must not wait on a
	// transfer in flight.
	txCommitted atomic.Uint64

	anomalies atomic.Uint64
	errors    atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped channel publishing to hub.
func New(pipe usbdev.Pipe, hub *Hub, cfg Config) *Channel {
	if hub == nil {
		hub = NewHub()
	}
	return &Channel{
		cfg:  cfg.withDefaults(),
		pipe: pipe,
		hub:  hub,
		now:  time.Now,
	}
}

// Path returns the bound function's path.
func (c *Channel) Path() string { return c.pipe.Path() }

// Hub returns the hub messages are published to.
func (c *Channel) Hub() *Hub { return c.hub }

// Start launches the listener. It is a no-op while a listener is running,
// including one that outlived a Stop's grace period.
func (c *Channel) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			if c.cancel == nil {
				log.Printf("[can] previous listener on %s has not exited, not starting another", c.pipe.Path())
			}
			return
		}
	}

	c.pipe.SetTimeouts(c.cfg.PollTimeout, c.cfg.WriteTimeout)
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.listen(lctx, done)
	log.Printf("[can] listener started on %s", c.pipe.Path())
}

// Stop cancels the listener and waits up to StopGrace for it to exit. It
// reports whether the listener exited in time; a late listener still ends
// on its own at its next cancellation check.
func (c *Channel) Stop() bool {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.runMu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	t := time.NewTimer(c.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-done:
		log.Printf("[can] listener stopped on %s", c.pipe.Path())
		return true
	case <-t.C:
		log.Printf("[can] listener on %s did not exit within %v, leaving it to finish", c.pipe.Path(), c.cfg.StopGrace)
		return false
	}
}

// Done is closed when the most recently started listener exits. It is nil
// before the first Start.
func (c *Channel) Done() <-chan struct{} {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.done
}

// Running reports whether a listener is active.
func (c *Channel) Running() bool {
	c.runMu.Lock()
	done := c.done
	c.runMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (c *Channel) Stats() Stats {
	c.rxMu.Lock()
	rx := c.rxSeq
	c.rxMu.Unlock()
	return Stats{Rx: rx, Tx: c.txCommitted.Load(), Anomalies: c.anomalies.Load(), Errors: c.errors.Load()}
}

// Send transmits one record. On success the message, numbered with the next
// Tx sequence, is published and returned. A failed transfer is not retried
// and consumes no sequence number, unlike the firmware's desktop tool,
// which counts attempts rather than transmitted messages.
func (c *Channel) Send(ctx context.Context, rec wire.CanRecord) (Message, error) {
	if rec.ID > wire.CanMaxID {
		return Message{}, fmt.Errorf("can: id 0x%X exceeds 29 bits", rec.ID)
	}
	if rec.Length > wire.CanMaxDLC {
		return Message{}, fmt.Errorf("can: dlc %d exceeds %d", rec.Length, wire.CanMaxDLC)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	if !c.pipe.Valid() {
		return Message{}, usbdev.ErrDeviceUnavailable
	}

	msg := Message{
		Seq:       c.txSeq + 1,
		Direction: Tx,
		HostTime:  c.now(),
		Record:    rec,
	}
	buf := wire.EncodeCan(rec)
	if _, err := c.pipe.Write(ctx, buf[:]); err != nil {
		return Message{}, fmt.Errorf("can send: %w", err)
	}
	c.txSeq = msg.Seq
	c.txCommitted.Store(msg.Seq)
	c.hub.Publish(msg)
	return msg, nil
}

func (c *Channel) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	size := c.pipe.MaxPacketSize()
	if size < wire.CanRecordSize {
		size = wire.CanRecordSize
	}
	buf := make([]byte, size)

	for {
		if ctx.Err() != nil {
			return
		}
		if !c.pipe.Valid() {
			log.Printf("[can] %s no longer valid, listener exiting", c.pipe.Path())
			return
		}

		if err := c.pollOnce(ctx, buf); err != nil {
			c.errors.Add(1)
			t := time.NewTimer(c.cfg.ErrorPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// pollOnce performs one IN transfer and dispatches its result. A panic in
// the iteration is recovered and reported as an error.
func (c *Channel) pollOnce(ctx context.Context, buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[can] recovered from panic in listener: %v", r)
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()

	n, err := c.pipe.Read(ctx, buf)
	if err != nil {
		if usbdev.IsTimeout(err) || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, usbdev.ErrDeviceUnavailable) && !c.pipe.Valid() {
			return nil
		}
		log.Printf("[can] poll %s: %v", c.pipe.Path(), err)
		return err
	}

	switch {
	case n == 0:
		return nil
	case n != wire.CanRecordSize:
		c.anomalies.Add(1)
		log.Printf("[can] framing anomaly: %d-byte poll, want %d: % X", n, wire.CanRecordSize, buf[:n])
		return nil
	}

	rec, err := wire.DecodeCan(buf[:n])
	if err != nil {
		c.anomalies.Add(1)
		log.Printf("[can] decode: %v", err)
		return nil
	}

	c.rxMu.Lock()
	c.rxSeq++
	msg := Message{Seq: c.rxSeq, Direction: Rx, HostTime: c.now(), Record: rec}
	c.rxMu.Unlock()

	c.hub.Publish(msg)
	return nil
}
