package logger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

func sample(seq uint64, dir can.Direction) can.Message {
	return can.Message{
		Seq:       seq,
		Direction: dir,
		HostTime:  time.Date(2024, 5, 1, 12, 0, 0, int(seq)*1000, time.UTC),
		Record: wire.CanRecord{
			DeviceTimestamp: 1000 + uint32(seq),
			ID:              0x18DAF110,
			Data:            [8]byte{0x02, 0x10, 0x03},
			Length:          3,
			Flags:           0x01,
		},
	}
}

func TestCSVRecording(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.Record(sample(1, can.Rx))
	l.Record(sample(1, can.Tx))
	path := l.CurrentFile()
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "host_time" {
		t.Fatalf("header = %v", rows[0])
	}
	want := []string{"rx", "1", "1001", "18DAF110", "1", "3", "02 10 03", "0x01"}
	for i, w := range want {
		if rows[1][i+1] != w {
			t.Errorf("column %s = %q, want %q", csvHeader[i+1], rows[1][i+1], w)
		}
	}
	if rows[2][1] != "tx" {
		t.Errorf("second row dir = %q", rows[2][1])
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Record(sample(1, can.Rx))
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("disabled logger created %d files", len(entries))
	}

	l.SetEnabled(true)
	l.Record(sample(2, can.Rx))
	if l.CurrentFile() == "" {
		t.Fatal("no file after enabling")
	}
	l.SetEnabled(false)
	if l.CurrentFile() != "" || l.IsEnabled() {
		t.Fatal("file still open after disabling")
	}
}

func TestCBORCaptureRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, Format: FormatCBOR})

	hub := can.NewHub()
	sub := hub.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, sub)
		close(done)
	}()

	in := []can.Message{sample(1, can.Rx), sample(2, can.Rx), sample(1, can.Tx)}
	for _, m := range in {
		hub.Publish(m)
	}
	deadline := time.Now().Add(2 * time.Second)
	for l.rowCount() < len(in) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
	sub.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "*.cbor"))
	if len(matches) != 1 {
		t.Fatalf("capture files = %v", matches)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []can.Message
	if err := ReadCapture(f, func(m can.Message) error {
		out = append(out, m)
		return nil
	}); err != nil {
		t.Fatalf("ReadCapture: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d messages, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Seq != in[i].Seq || out[i].Direction != in[i].Direction || out[i].Record != in[i].Record {
			t.Errorf("message %d = %+v, want %+v", i, out[i], in[i])
		}
		if !out[i].HostTime.Equal(in[i].HostTime) {
			t.Errorf("message %d host time = %v, want %v", i, out[i].HostTime, in[i].HostTime)
		}
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.Record(sample(1, can.Rx))
	first := l.CurrentFile()

	l.mu.Lock()
	l.rows = maxRowsPerFile
	l.mu.Unlock()
	l.Record(sample(2, can.Rx))
	second := l.CurrentFile()
	l.Close()

	if first == second {
		t.Fatalf("no rotation: still writing %s", first)
	}
}

func (l *Logger) rowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

func TestRunReleasesSubscription(t *testing.T) {
	l := New(Config{Enabled: false, Path: t.TempDir()})
	hub := can.NewHub()
	sub := hub.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, sub)
		close(done)
	}()
	cancel()
	<-done

	if n := hub.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d after Run returned", n)
	}
	for i := 0; i < 10; i++ {
		hub.Publish(sample(uint64(i), can.Rx))
	}
	if d := hub.Dropped(); d != 0 {
		t.Fatalf("dropped = %d, publishes counted against a finished logger", d)
	}
}
