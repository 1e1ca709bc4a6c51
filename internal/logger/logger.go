package logger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

// Logger records sequenced CAN traffic to CSV or CBOR files with automatic
// rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	format  string
	enabled bool

	file   *os.File
	writer *csv.Writer
	enc    *cbor.Encoder
	path   string
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Format  string `yaml:"format" json:"format"` // "csv" or "cbor"
}

const (
	FormatCSV  = "csv"
	FormatCBOR = "cbor"

	maxRowsPerFile = 100_000
)

var csvHeader = []string{
	"host_time", "dir", "seq", "device_ts", "id", "extended", "dlc", "data", "flags",
}

// Entry is one CBOR capture record.
type Entry struct {
	Seq      uint64         `cbor:"1,keyasint" json:"seq"`
	Dir      string         `cbor:"2,keyasint" json:"dir"`
	HostTime int64          `cbor:"3,keyasint" json:"hostTime"` // unix nanoseconds
	Record   wire.CanRecord `cbor:"4,keyasint" json:"record"`
}

func entryFor(m can.Message) Entry {
	return Entry{Seq: m.Seq, Dir: m.Direction.String(), HostTime: m.HostTime.UnixNano(), Record: m.Record}
}

// Message converts a capture entry back into a sequenced message.
func (e Entry) Message() (can.Message, error) {
	var dir can.Direction
	if err := dir.UnmarshalText([]byte(e.Dir)); err != nil {
		return can.Message{}, err
	}
	return can.Message{Seq: e.Seq, Direction: dir, HostTime: time.Unix(0, e.HostTime), Record: e.Record}, nil
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/psoc-bridge"
	}
	if cfg.Format != FormatCBOR {
		cfg.Format = FormatCSV
	}
	return &Logger{
		dir:     cfg.Path,
		format:  cfg.Format,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// CurrentFile returns the path being written, or "" when none is open.
func (l *Logger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record appends one message.
func (l *Logger) Record(m can.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.file == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(time.Now()); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	var err error
	if l.format == FormatCBOR {
		err = l.enc.Encode(entryFor(m))
	} else {
		err = l.writer.Write(buildRow(m))
		l.writer.Flush()
		if err == nil {
			err = l.writer.Error()
		}
	}
	if err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.rows++
}

// Run records everything delivered on sub until ctx ends or sub is closed.
// sub is closed on return.
func (l *Logger) Run(ctx context.Context, sub *can.Subscription) {
	defer sub.Close()
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			l.Record(m)
		}
	}
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// Nanosecond suffix keeps back-to-back rotations from colliding.
	filename := fmt.Sprintf("can_%s_%09d.%s", now.Format("2006-01-02_150405"), now.Nanosecond(), l.format)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.path = path
	l.rows = 0

	if l.format == FormatCBOR {
		l.enc = cbor.NewEncoder(f)
	} else {
		l.writer = csv.NewWriter(f)
		if err := l.writer.Write(csvHeader); err != nil {
			return err
		}
		l.writer.Flush()
	}

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	l.enc = nil
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

func buildRow(m can.Message) []string {
	r := m.Record
	return []string{
		m.HostTime.Format(time.RFC3339Nano),
		m.Direction.String(),
		strconv.FormatUint(m.Seq, 10),
		strconv.FormatUint(uint64(r.DeviceTimestamp), 10),
		fmt.Sprintf("%X", r.ID),
		boolStr(r.Extended()),
		strconv.Itoa(int(r.Length)),
		r.DataHex(),
		fmt.Sprintf("0x%02X", r.Flags),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ReadCapture decodes a CBOR capture, calling fn for each message in file
// order. It stops at the first error fn returns.
func ReadCapture(r io.Reader, fn func(can.Message) error) error {
	dec := cbor.NewDecoder(r)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}
		m, err := e.Message()
		if err != nil {
			return fmt.Errorf("capture entry %d: %w", e.Seq, err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}
