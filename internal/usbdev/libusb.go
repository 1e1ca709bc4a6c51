package usbdev

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
)

// LibUSB implements Enumerator on top of libusb. Functions of the same
// physical device share one device handle and configuration; each bound
// function claims only its own interface.
type LibUSB struct {
	ctx *gousb.Context

	mu   sync.Mutex
	devs map[string]*sharedDevice // keyed by device path
}

type sharedDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	refs int
}

// NewLibUSB creates a libusb context. Close releases it.
func NewLibUSB() *LibUSB {
	return &LibUSB{
		ctx:  gousb.NewContext(),
		devs: make(map[string]*sharedDevice),
	}
}

// Close releases the libusb context. Open pipes must be closed first.
func (l *LibUSB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, sd := range l.devs {
		sd.close()
		delete(l.devs, path)
	}
	return l.ctx.Close()
}

// devicePath formats a libusb device location the way sysfs names it.
func devicePath(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return fmt.Sprintf("%d-0.%d", desc.Bus, desc.Address)
	}
	ports := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		ports[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
}

// Functions lists every interface of every attached device matching
// vendor/product, with descriptive names read from string descriptors.
func (l *LibUSB) Functions(vendor, product uint16) ([]Function, error) {
	devs, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vendor && uint16(desc.Product) == product
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usb: enumerate %04x:%04x: %w", vendor, product, err)
	}
	if err != nil {
		// Some matching devices could not be opened (permissions, driver);
		// keep the ones that did.
		log.Printf("[usb] enumerate %04x:%04x partial: %v", vendor, product, err)
	}

	var out []Function
	for _, d := range devs {
		out = append(out, describe(d)...)
	}
	return out, nil
}

func describe(d *gousb.Device) []Function {
	desc := d.Desc
	path := devicePath(desc)
	productName, _ := d.Product()

	var funcs []Function
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			name, err := d.InterfaceDescription(cfg.Number, intf.Number, alt.Alternate)
			if err != nil || name == "" {
				name = productName
			}
			f := Function{
				Vendor:    uint16(desc.Vendor),
				Product:   uint16(desc.Product),
				Name:      name,
				Path:      FunctionPath(path, cfg.Number, intf.Number),
				Config:    cfg.Number,
				Interface: intf.Number,
				Alternate: alt.Alternate,
			}
			for _, ep := range alt.Endpoints {
				f.Endpoints = append(f.Endpoints, convertEndpoint(ep))
			}
			funcs = append(funcs, f)
		}
	}
	return funcs
}

func convertEndpoint(ep gousb.EndpointDesc) EndpointDesc {
	e := EndpointDesc{
		Address:       uint8(ep.Address),
		Direction:     DirectionOut,
		MaxPacketSize: ep.MaxPacketSize,
	}
	if ep.Direction == gousb.EndpointDirectionIn {
		e.Direction = DirectionIn
	}
	switch ep.TransferType {
	case gousb.TransferTypeControl:
		e.TransferType = TransferControl
	case gousb.TransferTypeIsochronous:
		e.TransferType = TransferIsochronous
	case gousb.TransferTypeBulk:
		e.TransferType = TransferBulk
	case gousb.TransferTypeInterrupt:
		e.TransferType = TransferInterrupt
	}
	return e
}

// Open claims the function's interface and opens the given endpoint pair.
func (l *LibUSB) Open(f Function, in, out EndpointDesc) (Pipe, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	devPath := f.DevicePath()
	sd, err := l.acquire(devPath, f)
	if err != nil {
		return nil, err
	}

	intf, err := sd.cfg.Interface(f.Interface, f.Alternate)
	if err != nil {
		l.release(devPath)
		return nil, fmt.Errorf("usb: claim interface %d on %s: %w", f.Interface, devPath, err)
	}
	inEp, err := intf.InEndpoint(int(in.Address & 0x0F))
	if err != nil {
		intf.Close()
		l.release(devPath)
		return nil, fmt.Errorf("usb: open IN ep 0x%02X: %w", in.Address, err)
	}
	outEp, err := intf.OutEndpoint(int(out.Address & 0x0F))
	if err != nil {
		intf.Close()
		l.release(devPath)
		return nil, fmt.Errorf("usb: open OUT ep 0x%02X: %w", out.Address, err)
	}

	return &libusbPipe{
		owner:        l,
		devPath:      devPath,
		path:         f.Path,
		intf:         intf,
		in:           inEp,
		out:          outEp,
		inAddr:       in.Address,
		outAddr:      out.Address,
		maxPacket:    in.MaxPacketSize,
		readTimeout:  time.Second,
		writeTimeout: time.Second,
	}, nil
}

// acquire returns the shared handle for a device path, opening it on first use.
func (l *LibUSB) acquire(devPath string, f Function) (*sharedDevice, error) {
	if sd, ok := l.devs[devPath]; ok {
		sd.refs++
		return sd, nil
	}

	devs, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == f.Vendor && uint16(desc.Product) == f.Product && devicePath(desc) == devPath
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		if err == nil {
			err = ErrNoDevice
		}
		return nil, fmt.Errorf("usb: open %s: %w", devPath, err)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		log.Printf("[usb] %s: auto-detach not available: %v", devPath, err)
	}
	cfg, err := dev.Config(f.Config)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("usb: select config %d on %s: %w", f.Config, devPath, err)
	}

	sd := &sharedDevice{dev: dev, cfg: cfg, refs: 1}
	l.devs[devPath] = sd
	return sd, nil
}

func (l *LibUSB) release(devPath string) {
	sd, ok := l.devs[devPath]
	if !ok {
		return
	}
	sd.refs--
	if sd.refs <= 0 {
		sd.close()
		delete(l.devs, devPath)
	}
}

func (sd *sharedDevice) close() {
	if sd.cfg != nil {
		sd.cfg.Close()
	}
	if sd.dev != nil {
		sd.dev.Close()
	}
}

type libusbPipe struct {
	owner   *LibUSB
	devPath string
	path    string

	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	inAddr, outAddr uint8
	maxPacket       int

	tmu          sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration

	closed atomic.Bool
	gone   atomic.Bool
}

func (p *libusbPipe) SetTimeouts(read, write time.Duration) {
	p.tmu.Lock()
	p.readTimeout, p.writeTimeout = read, write
	p.tmu.Unlock()
}

func (p *libusbPipe) timeouts() (time.Duration, time.Duration) {
	p.tmu.RLock()
	defer p.tmu.RUnlock()
	return p.readTimeout, p.writeTimeout
}

func (p *libusbPipe) Read(ctx context.Context, buf []byte) (int, error) {
	if !p.Valid() {
		return 0, ErrDeviceUnavailable
	}
	rt, _ := p.timeouts()
	tctx, cancel := withTimeout(ctx, rt)
	defer cancel()

	n, err := p.in.ReadContext(tctx, buf)
	if err != nil && n == 0 {
		return 0, p.transportError("read", p.inAddr, err)
	}
	return n, nil
}

func (p *libusbPipe) Write(ctx context.Context, buf []byte) (int, error) {
	if !p.Valid() {
		return 0, ErrDeviceUnavailable
	}
	_, wt := p.timeouts()
	tctx, cancel := withTimeout(ctx, wt)
	defer cancel()

	n, err := p.out.WriteContext(tctx, buf)
	if err != nil {
		return n, p.transportError("write", p.outAddr, err)
	}
	return n, nil
}

func (p *libusbPipe) MaxPacketSize() int { return p.maxPacket }
func (p *libusbPipe) Path() string       { return p.path }

func (p *libusbPipe) Valid() bool {
	return !p.closed.Load() && !p.gone.Load()
}

func (p *libusbPipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.intf.Close()
	p.owner.mu.Lock()
	p.owner.release(p.devPath)
	p.owner.mu.Unlock()
	return nil
}

// transportError maps libusb statuses onto the package's error taxonomy and
// marks the pipe invalid once the device is gone.
func (p *libusbPipe) transportError(op string, ep uint8, err error) error {
	te := &TransportError{Op: op, Endpoint: ep, Err: err}

	var status gousb.TransferStatus
	var uerr gousb.Error
	switch {
	case errors.As(err, &status):
		te.Code = int(status)
		switch status {
		case gousb.TransferTimedOut, gousb.TransferCancelled:
			te.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
		case gousb.TransferNoDevice:
			te.Err = fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	case errors.As(err, &uerr):
		te.Code = int(uerr)
		switch uerr {
		case gousb.ErrorTimeout:
			te.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
		case gousb.ErrorNoDevice:
			te.Err = fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		te.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if errors.Is(te.Err, ErrNoDevice) {
		p.gone.Store(true)
	}
	return te
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
