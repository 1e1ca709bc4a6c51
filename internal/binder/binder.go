// Package binder discovers the bridge's two USB functions and keeps each
// role bound to at most one of them across attach, detach and handle loss.
package binder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/command"
	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// Endpoints are the addresses a role expects its bulk pair at.
type Endpoints struct {
	In  uint8
	Out uint8
}

// Config holds the binder's identity, endpoint and timing policy.
type Config struct {
	Vendor  uint16
	Product uint16

	CommandPattern string
	CANPattern     string
	// Classify overrides the pattern classifier when set.
	Classify Classifier

	CommandEndpoints Endpoints
	CANEndpoints     Endpoints

	CommandTimeout    time.Duration
	SettleDelay       time.Duration
	ReconcileInterval time.Duration

	CAN can.Config
}

func DefaultConfig() Config {
	return Config{
		Vendor:            0x04B4,
		Product:           0xF001,
		CommandPattern:    "asa usb bulk",
		CANPattern:        "asa usb CAN",
		CommandEndpoints:  Endpoints{In: 0x82, Out: 0x01},
		CANEndpoints:      Endpoints{In: 0x86, Out: 0x07},
		CommandTimeout:    time.Second,
		SettleDelay:       750 * time.Millisecond,
		ReconcileInterval: 3 * time.Second,
		CAN:               can.DefaultConfig(),
	}
}

type binding struct {
	role    Role
	fn      usbdev.Function
	pipe    usbdev.Pipe
	cmd     *command.Channel
	can     *can.Channel
	boundAt time.Time
	version string
	health  error
}

// valid reports whether the binding can still carry traffic.
func (bd *binding) valid() bool {
	if !bd.pipe.Valid() {
		return false
	}
	if bd.can != nil && !bd.can.Running() {
		return false
	}
	return true
}

// Binder owns the per-role state machine. All binding and unbinding runs
// under one mutex; commands run through a second, so there is a single
// command-dispatch path.
type Binder struct {
	cfg      Config
	enum     usbdev.Enumerator
	hub      *can.Hub
	classify Classifier

	mu     sync.Mutex
	roles  [numRoles]*binding
	runCtx context.Context

	cmdMu sync.Mutex
}

// New creates a binder with every role Unbound. CAN traffic from any bound
// CAN function is published to hub.
func New(enum usbdev.Enumerator, hub *can.Hub, cfg Config) *Binder {
	classify := cfg.Classify
	if classify == nil {
		classify = PatternClassifier(cfg.CommandPattern, cfg.CANPattern)
	}
	if hub == nil {
		hub = can.NewHub()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Second
	}
	return &Binder{
		cfg:      cfg,
		enum:     enum,
		hub:      hub,
		classify: classify,
		runCtx:   context.Background(),
	}
}

// Hub returns the hub CAN traffic is published to.
func (b *Binder) Hub() *can.Hub { return b.hub }

// State returns the current state of a role.
func (b *Binder) State(r Role) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.roles[r] != nil {
		return Bound
	}
	return Unbound
}

// Scan enumerates matching functions and binds every Unbound role it can.
// Bindings whose handles went invalid are dropped first. Failures leave
// the role Unbound for the next trigger.
func (b *Binder) Scan(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropInvalidLocked()
	if b.allBoundLocked() {
		return nil
	}

	funcs, err := b.enum.Functions(b.cfg.Vendor, b.cfg.Product)
	if err != nil {
		return fmt.Errorf("binder: enumerate: %w", err)
	}

	var errs []error
	for _, f := range funcs {
		role, ok := b.classify(f.Name)
		if !ok || b.roles[role] != nil {
			continue
		}
		if err := b.bindLocked(ctx, role, f); err != nil {
			log.Printf("[binder] %s: bind %q at %s failed: %v", role, f.Name, f.Path, err)
			errs = append(errs, fmt.Errorf("%s at %s: %w", role, f.Path, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Binder) allBoundLocked() bool {
	for _, bd := range b.roles {
		if bd == nil {
			return false
		}
	}
	return true
}

func (b *Binder) endpointsFor(r Role) Endpoints {
	if r == RoleCAN {
		return b.cfg.CANEndpoints
	}
	return b.cfg.CommandEndpoints
}

// resolveEndpoints finds the bulk IN and OUT endpoints at the expected
// addresses.
func resolveEndpoints(f usbdev.Function, want Endpoints) (in, out usbdev.EndpointDesc, err error) {
	var foundIn, foundOut bool
	for _, ep := range f.Endpoints {
		if ep.TransferType != usbdev.TransferBulk {
			continue
		}
		switch {
		case ep.Direction == usbdev.DirectionIn && ep.Address == want.In:
			in, foundIn = ep, true
		case ep.Direction == usbdev.DirectionOut && ep.Address == want.Out:
			out, foundOut = ep, true
		}
	}
	if !foundIn || !foundOut {
		return in, out, fmt.Errorf("%w: want bulk IN 0x%02X (found %v) and bulk OUT 0x%02X (found %v)",
			usbdev.ErrConfiguration, want.In, foundIn, want.Out, foundOut)
	}
	return in, out, nil
}

func (b *Binder) bindLocked(ctx context.Context, role Role, f usbdev.Function) error {
	in, out, err := resolveEndpoints(f, b.endpointsFor(role))
	if err != nil {
		return err
	}
	pipe, err := b.enum.Open(f, in, out)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	bd := &binding{role: role, fn: f, pipe: pipe, boundAt: time.Now()}
	switch role {
	case RoleCommand:
		pipe.SetTimeouts(b.cfg.CommandTimeout, b.cfg.CommandTimeout)
		bd.cmd = command.New(pipe)
		bd.version, bd.health = bd.cmd.Version(ctx)
		if bd.health != nil {
			log.Printf("[binder] command: health check on %s failed: %v", f.Path, bd.health)
		} else {
			log.Printf("[binder] command: firmware %s", bd.version)
		}
	case RoleCAN:
		bd.can = can.New(pipe, b.hub, b.cfg.CAN)
		bd.can.Start(b.runCtx)
	}

	b.roles[role] = bd
	log.Printf("[binder] %s bound to %q at %s (IN 0x%02X, OUT 0x%02X)", role, f.Name, f.Path, in.Address, out.Address)
	return nil
}

func (b *Binder) unbindLocked(role Role, reason string) {
	bd := b.roles[role]
	if bd == nil {
		return
	}
	if bd.can != nil {
		bd.can.Stop()
	}
	if err := bd.pipe.Close(); err != nil {
		log.Printf("[binder] %s: close %s: %v", role, bd.fn.Path, err)
	}
	b.roles[role] = nil
	log.Printf("[binder] %s unbound from %s: %s", role, bd.fn.Path, reason)
}

func (b *Binder) dropInvalidLocked() {
	for r, bd := range b.roles {
		if bd != nil && !bd.valid() {
			b.unbindLocked(Role(r), "handle no longer valid")
		}
	}
}

// HandleDetach unbinds the roles the removed device served. An event with
// a path matches by path only; one without a path matches by name.
func (b *Binder) HandleDetach(ev usbdev.Event) []Role {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []Role
	for r, bd := range b.roles {
		if bd == nil || !b.detachMatches(Role(r), bd, ev) {
			continue
		}
		b.unbindLocked(Role(r), "device detached")
		dropped = append(dropped, Role(r))
	}
	return dropped
}

func (b *Binder) detachMatches(role Role, bd *binding, ev usbdev.Event) bool {
	if ev.Path != "" {
		return ev.Matches(bd.fn.Path)
	}
	if ev.Name == "" {
		return false
	}
	r, ok := b.classify(ev.Name)
	return ok && r == role
}

// UnbindAll releases every role.
func (b *Binder) UnbindAll(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := range b.roles {
		b.unbindLocked(Role(r), reason)
	}
}

// Run binds once, then reacts to events until ctx ends: attach triggers a
// scan after the settle delay, detach unbinds the matching role, and a
// periodic sweep rebinds anything Unbound or invalid. All roles are
// released on return.
func (b *Binder) Run(ctx context.Context, events <-chan usbdev.Event) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()
	defer b.UnbindAll("shutdown")

	if err := b.Scan(ctx); err != nil {
		log.Printf("[binder] startup scan: %v", err)
	}

	interval := b.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	reconcile := time.NewTicker(interval)
	defer reconcile.Stop()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	var settleC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case usbdev.Detached:
				log.Printf("[binder] detach event: %s %q", ev.Path, ev.Name)
				b.HandleDetach(ev)
			case usbdev.Attached:
				log.Printf("[binder] attach event: %s %q, scanning in %v", ev.Path, ev.Name, b.cfg.SettleDelay)
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(b.cfg.SettleDelay)
				settleC = settle.C
			}

		case <-settleC:
			settleC = nil
			if err := b.Scan(ctx); err != nil {
				log.Printf("[binder] attach scan: %v", err)
			}

		case <-reconcile.C:
			if err := b.Scan(ctx); err != nil {
				log.Printf("[binder] reconcile: %v", err)
			}
		}
	}
}

// Exec runs fn against the bound command channel. Calls are serialized.
func (b *Binder) Exec(ctx context.Context, fn func(ctx context.Context, ch *command.Channel) error) error {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	b.mu.Lock()
	bd := b.roles[RoleCommand]
	b.mu.Unlock()
	if bd == nil || !bd.pipe.Valid() {
		return usbdev.ErrDeviceUnavailable
	}
	return fn(ctx, bd.cmd)
}

// SendCAN transmits a record on the bound CAN function.
func (b *Binder) SendCAN(ctx context.Context, rec wire.CanRecord) (can.Message, error) {
	b.mu.Lock()
	bd := b.roles[RoleCAN]
	b.mu.Unlock()
	if bd == nil {
		return can.Message{}, usbdev.ErrDeviceUnavailable
	}
	return bd.can.Send(ctx, rec)
}

// RoleStatus describes one role for the status surface.
type RoleStatus struct {
	Role    string     `json:"role"`
	State   State      `json:"state"`
	Name    string     `json:"name,omitempty"`
	Path    string     `json:"path,omitempty"`
	BoundAt time.Time  `json:"boundAt,omitempty"`
	Version string     `json:"version,omitempty"`
	Health  string     `json:"health,omitempty"`
	CAN     *can.Stats `json:"can,omitempty"`
}

// Status is a snapshot of both roles.
type Status struct {
	Command RoleStatus `json:"command"`
	CAN     RoleStatus `json:"can"`
}

func (b *Binder) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Command: b.roleStatusLocked(RoleCommand),
		CAN:     b.roleStatusLocked(RoleCAN),
	}
}

func (b *Binder) roleStatusLocked(r Role) RoleStatus {
	rs := RoleStatus{Role: r.String(), State: Unbound}
	bd := b.roles[r]
	if bd == nil {
		return rs
	}
	rs.State = Bound
	rs.Name = bd.fn.Name
	rs.Path = bd.fn.Path
	rs.BoundAt = bd.boundAt
	rs.Version = bd.version
	if bd.health != nil {
		rs.Health = bd.health.Error()
	}
	if bd.can != nil {
		st := bd.can.Stats()
		rs.CAN = &st
	}
	return rs
}
