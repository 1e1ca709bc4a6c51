// Package usbdevtest provides in-memory Pipe and Enumerator fakes for
// exercising code above the USB transport without hardware.
package usbdevtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
)

// ReadResult scripts one Read call. Panic, when set, is raised by Read
// instead of returning.
type ReadResult struct {
	Data  []byte
	Err   error
	Panic any
}

// Pipe is a scripted usbdev.Pipe. Reads consume queued results; with the
// queue empty a read waits for the read timeout and reports a timeout.
type Pipe struct {
	mu           sync.Mutex
	path         string
	maxPacket    int
	reads        []ReadResult
	written      [][]byte
	writeErr     error
	writeDelay   time.Duration
	hold         chan struct{}
	readTimeout  time.Duration
	writeTimeout time.Duration
	valid        bool
	closed       bool
	readCount    int
	notify       chan struct{}

	// Respond, when set, is called with each successful write and its
	// results are queued for subsequent reads.
	Respond func(written []byte) []ReadResult
}

// NewPipe returns a valid pipe identified by path.
func NewPipe(path string) *Pipe {
	return &Pipe{
		path:        path,
		maxPacket:   64,
		readTimeout: 10 * time.Millisecond,
		valid:       true,
		notify:      make(chan struct{}, 1),
	}
}

// Queue appends scripted read results.
func (p *Pipe) Queue(results ...ReadResult) {
	p.mu.Lock()
	p.reads = append(p.reads, results...)
	p.mu.Unlock()
	p.wake()
}

func (p *Pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// SetWriteErr makes subsequent writes fail with err (nil restores success).
func (p *Pipe) SetWriteErr(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// SetValid simulates the device disappearing (false) or returning.
func (p *Pipe) SetValid(v bool) {
	p.mu.Lock()
	p.valid = v
	p.mu.Unlock()
	p.wake()
}

// SetMaxPacketSize overrides the reported IN endpoint size.
func (p *Pipe) SetMaxPacketSize(n int) {
	p.mu.Lock()
	p.maxPacket = n
	p.mu.Unlock()
}

// Written returns copies of every buffer written so far.
func (p *Pipe) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	for i, w := range p.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Reads returns how many Read calls have been made.
func (p *Pipe) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readCount
}

// Timeouts returns the last values passed to SetTimeouts.
func (p *Pipe) Timeouts() (read, write time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout, p.writeTimeout
}

// Closed reports whether Close has been called since the last Open. Open
// also revalidates a pipe, modelling a fresh handle.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetWriteDelay makes every Write sleep d before completing. The sleep
// ignores ctx, like a transfer already on the bus.
func (p *Pipe) SetWriteDelay(d time.Duration) {
	p.mu.Lock()
	p.writeDelay = d
	p.mu.Unlock()
}

// HoldReads makes Read block, ignoring ctx and its timeout, until the
// returned release func is called.
func (p *Pipe) HoldReads() (release func()) {
	hold := make(chan struct{})
	p.mu.Lock()
	p.hold = hold
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.hold = nil
			p.mu.Unlock()
			close(hold)
		})
	}
}

func (p *Pipe) Write(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	delay := p.writeDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	if !p.valid || p.closed {
		p.mu.Unlock()
		return 0, usbdev.ErrDeviceUnavailable
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, &usbdev.TransportError{Op: "write", Err: err}
	}
	p.written = append(p.written, append([]byte(nil), b...))
	respond := p.Respond
	p.mu.Unlock()

	if respond != nil {
		if results := respond(append([]byte(nil), b...)); len(results) > 0 {
			p.Queue(results...)
		}
	}
	return len(b), nil
}

func (p *Pipe) Read(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	p.readCount++
	timeout := p.readTimeout
	hold := p.hold
	p.mu.Unlock()

	if hold != nil {
		<-hold
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if !p.valid || p.closed {
			p.mu.Unlock()
			return 0, usbdev.ErrDeviceUnavailable
		}
		if len(p.reads) > 0 {
			r := p.reads[0]
			p.reads = p.reads[1:]
			p.mu.Unlock()
			if r.Panic != nil {
				panic(r.Panic)
			}
			if r.Err != nil {
				return 0, r.Err
			}
			return copy(b, r.Data), nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, &usbdev.TransportError{Op: "read", Endpoint: 0x80, Err: usbdev.ErrTimeout}
		case <-p.notify:
		}
	}
}

func (p *Pipe) SetTimeouts(read, write time.Duration) {
	p.mu.Lock()
	if read > 0 {
		p.readTimeout = read
	}
	p.writeTimeout = write
	p.mu.Unlock()
}

func (p *Pipe) MaxPacketSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPacket
}

func (p *Pipe) Path() string { return p.path }

func (p *Pipe) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid && !p.closed
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

// Enumerator is an in-memory usbdev.Enumerator. Each function path maps to
// one fake Pipe handed out by Open.
type Enumerator struct {
	mu      sync.Mutex
	funcs   []usbdev.Function
	pipes   map[string]*Pipe
	openErr map[string]error
	opens   []string
	listErr error
}

func NewEnumerator() *Enumerator {
	return &Enumerator{
		pipes:   make(map[string]*Pipe),
		openErr: make(map[string]error),
	}
}

// Add attaches a function and returns the pipe Open will hand out for it.
func (e *Enumerator) Add(f usbdev.Function) *Pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(f.Path)
	e.funcs = append(e.funcs, f)
	p := NewPipe(f.Path)
	for _, ep := range f.Endpoints {
		if ep.Direction == usbdev.DirectionIn && ep.MaxPacketSize > 0 {
			p.maxPacket = ep.MaxPacketSize
		}
	}
	e.pipes[f.Path] = p
	return p
}

// Remove detaches a function and invalidates its pipe.
func (e *Enumerator) Remove(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(path)
}

func (e *Enumerator) removeLocked(path string) {
	for i, f := range e.funcs {
		if f.Path == path {
			e.funcs = append(e.funcs[:i], e.funcs[i+1:]...)
			break
		}
	}
	if p, ok := e.pipes[path]; ok {
		p.SetValid(false)
		delete(e.pipes, path)
	}
}

// Pipe returns the pipe currently registered for path.
func (e *Enumerator) Pipe(path string) *Pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipes[path]
}

// SetOpenErr makes Open fail for path.
func (e *Enumerator) SetOpenErr(path string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.openErr, path)
		return
	}
	e.openErr[path] = err
}

// SetListErr makes Functions fail.
func (e *Enumerator) SetListErr(err error) {
	e.mu.Lock()
	e.listErr = err
	e.mu.Unlock()
}

// Opens returns the function paths passed to Open, in order.
func (e *Enumerator) Opens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opens...)
}

func (e *Enumerator) Functions(vendor, product uint16) ([]usbdev.Function, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, e.listErr
	}
	var out []usbdev.Function
	for _, f := range e.funcs {
		if f.Vendor == vendor && f.Product == product {
			out = append(out, f)
		}
	}
	return out, nil
}

func (e *Enumerator) Open(f usbdev.Function, in, out usbdev.EndpointDesc) (usbdev.Pipe, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, f.Path)
	if err := e.openErr[f.Path]; err != nil {
		return nil, err
	}
	p, ok := e.pipes[f.Path]
	if !ok {
		return nil, fmt.Errorf("usbdevtest: %s: %w", f.Path, usbdev.ErrNoDevice)
	}
	p.mu.Lock()
	p.closed, p.valid = false, true
	p.mu.Unlock()
	return p, nil
}

// BulkFunction builds a function with one bulk IN/OUT endpoint pair.
func BulkFunction(vendor, product uint16, name, path string, in, out uint8) usbdev.Function {
	return usbdev.Function{
		Vendor:  vendor,
		Product: product,
		Name:    name,
		Path:    path,
		Config:  1,
		Endpoints: []usbdev.EndpointDesc{
			{Address: in, Direction: usbdev.DirectionIn, TransferType: usbdev.TransferBulk, MaxPacketSize: 64},
			{Address: out, Direction: usbdev.DirectionOut, TransferType: usbdev.TransferBulk, MaxPacketSize: 64},
		},
	}
}
