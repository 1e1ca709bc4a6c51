package echo

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds the CDC port settings.
type SerialConfig struct {
	PortPath string
	BaudRate int
	Timeout  time.Duration
}

// port is the subset of serial.Port the echo path uses.
type port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Serial echoes raw bytes over the bridge's UART/CDC port.
type Serial struct {
	path    string
	port    port
	timeout time.Duration
}

// OpenSerial opens the port 8N1.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := p.SetReadTimeout(cfg.Timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	log.Printf("[serial] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
	return newSerial(cfg.PortPath, p, cfg.Timeout), nil
}

func newSerial(path string, p port, timeout time.Duration) *Serial {
	return &Serial{path: path, port: p, timeout: timeout}
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (s *Serial) Name() string { return "serial" }

func (s *Serial) Close() error { return s.port.Close() }

// Exchange writes payload and reads until as many bytes came back or the
// timeout passes.
func (s *Serial) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("serial: reset input: %w", err)
	}
	if _, err := s.port.Write(payload); err != nil {
		return nil, fmt.Errorf("serial: write: %w", err)
	}

	buf := make([]byte, len(payload))
	deadline := time.Now().Add(s.timeout)
	got := 0
	for got < len(buf) && time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return buf[:got], err
		}
		n, err := s.port.Read(buf[got:])
		if err != nil && n == 0 {
			return buf[:got], fmt.Errorf("serial: read after %d/%d bytes: %w", got, len(buf), err)
		}
		got += n
	}
	if got < len(buf) {
		return buf[:got], fmt.Errorf("serial: timeout: got %d bytes, want %d", got, len(buf))
	}
	return buf, nil
}
