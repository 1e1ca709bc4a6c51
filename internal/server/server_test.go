package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/psoc-bridge/internal/binder"
	"github.com/shaunagostinho/psoc-bridge/internal/can"
	"github.com/shaunagostinho/psoc-bridge/internal/echo"
	"github.com/shaunagostinho/psoc-bridge/internal/logger"
	"github.com/shaunagostinho/psoc-bridge/internal/usbdev/usbdevtest"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

type testBridge struct {
	srv    *Server
	http   *httptest.Server
	binder *binder.Binder
	cmd    *usbdevtest.Pipe
	can    *usbdevtest.Pipe
}

func newTestBridge(t *testing.T, bind bool) *testBridge {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Logging.Path = dir
	cfg.Echo.IntervalMs = 1
	cfg.CAN.PollTimeoutMs = 5
	cfg.CAN.ErrorPauseMs = 5
	cfg.CAN.WriteTimeoutMs = 20

	enum := usbdevtest.NewEnumerator()
	tb := &testBridge{}
	if bind {
		tb.cmd = enum.Add(usbdevtest.BulkFunction(0x04B4, 0xF001, "ASA USB Bulk Function", "1-1:1.0", 0x82, 0x01))
		tb.cmd.Respond = usbdevtest.NewFirmware().Respond
		tb.can = enum.Add(usbdevtest.BulkFunction(0x04B4, 0xF001, "ASA USB CAN Function", "1-1:1.1", 0x86, 0x07))
	}

	tb.binder = binder.New(enum, nil, cfg.BinderConfig())
	if bind {
		if err := tb.binder.Scan(context.Background()); err != nil {
			t.Fatalf("Scan: %v", err)
		}
	}
	lg := logger.New(cfg.LoggerConfig())
	tb.srv = New(cfg, tb.binder, lg, nil)
	tb.http = httptest.NewServer(tb.srv.Handler())
	t.Cleanup(func() {
		tb.http.Close()
		tb.binder.UnbindAll("test done")
		lg.Close()
	})
	return tb
}

func (tb *testBridge) post(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(tb.http.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStatusReportsRoles(t *testing.T) {
	tb := newTestBridge(t, true)

	resp, err := http.Get(tb.http.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Binder.Command.State != binder.Bound || st.Binder.CAN.State != binder.Bound {
		t.Fatalf("status = %+v, want both roles bound", st.Binder)
	}
	if st.Binder.Command.Version != "v1.0.0" {
		t.Errorf("version = %q", st.Binder.Command.Version)
	}
	if st.Logging {
		t.Error("logging reported on by default")
	}
}

func TestCommandEndpoint(t *testing.T) {
	tb := newTestBridge(t, true)

	var out commandResponse
	if code := tb.post(t, "/api/command", commandRequest{Command: "write", Value: "0xA5"}, &out); code != http.StatusOK {
		t.Fatalf("write status = %d", code)
	}
	if code := tb.post(t, "/api/command", commandRequest{Command: "read"}, &out); code != http.StatusOK {
		t.Fatalf("read status = %d", code)
	}
	if out.Result != "OK" || len(out.Response.Payload) < 2 || out.Response.Payload[1] != 0xA5 {
		t.Fatalf("read response = %+v", out)
	}

	if code := tb.post(t, "/api/command", commandRequest{Command: "echo", Text: "hello"}, &out); code != http.StatusOK {
		t.Fatalf("echo status = %d", code)
	}
	if string(out.Response.Payload[1:]) != "hello" {
		t.Fatalf("echo payload = %q", out.Response.Payload)
	}
	if out.Summary == "" {
		t.Error("missing summary")
	}
}

func TestCommandValidation(t *testing.T) {
	tb := newTestBridge(t, true)

	tests := []struct {
		name string
		req  commandRequest
	}{
		{"unknown", commandRequest{Command: "flash"}},
		{"write without value", commandRequest{Command: "write"}},
		{"write overflow", commandRequest{Command: "write", Value: "1FF"}},
		{"echo empty", commandRequest{Command: "echo"}},
		{"echo too long", commandRequest{Command: "echo", Text: string(bytes.Repeat([]byte("x"), 58))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := tb.post(t, "/api/command", tt.req, nil); code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
		})
	}
	if n := len(tb.cmd.Written()); n != 1 {
		t.Fatalf("%d frames written, want only the bind health check", n)
	}
}

func TestCommandWithoutDevice(t *testing.T) {
	tb := newTestBridge(t, false)
	if code := tb.post(t, "/api/command", commandRequest{Command: "version"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if code := tb.post(t, "/api/can/send", canSendRequest{ID: "7DF", DLC: 1, Data: "01"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("can send status = %d, want 503", code)
	}
}

func TestCANSend(t *testing.T) {
	tb := newTestBridge(t, true)

	sub := tb.binder.Hub().Subscribe(4)
	defer sub.Close()

	var msg can.Message
	code := tb.post(t, "/api/can/send", canSendRequest{ID: "0x7DF", DLC: 3, Data: "02 01 0C"}, &msg)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if msg.Direction != can.Tx || msg.Seq != 1 || msg.Record.ID != 0x7DF || msg.Record.Length != 3 {
		t.Fatalf("message = %+v", msg)
	}

	written := tb.can.Written()
	if len(written) != 1 || len(written[0]) != wire.CanRecordSize {
		t.Fatalf("written = %v", written)
	}
	rec, err := wire.DecodeCan(written[0])
	if err != nil {
		t.Fatal(err)
	}
	if rec.Data[2] != 0x0C {
		t.Fatalf("record = %+v", rec)
	}

	select {
	case got := <-sub.C:
		if got.Seq != msg.Seq || got.Direction != can.Tx {
			t.Fatalf("published %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("transmitted message was not published")
	}

	if code := tb.post(t, "/api/can/send", canSendRequest{ID: "7DF", DLC: 2, Data: "01"}, nil); code != http.StatusBadRequest {
		t.Fatalf("dlc mismatch status = %d, want 400", code)
	}
}

type fakeSerial struct{ closed atomic.Bool }

func (f *fakeSerial) Name() string { return "serial" }
func (f *fakeSerial) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}
func (f *fakeSerial) Close() error {
	f.closed.Store(true)
	return nil
}

func TestEchoEndpoint(t *testing.T) {
	tb := newTestBridge(t, true)

	var out echoResponse
	if code := tb.post(t, "/api/echo", echoRequest{Target: "usb", Count: 3}, &out); code != http.StatusOK {
		t.Fatalf("usb echo status = %d (%s)", code, out.Error)
	}
	if out.Stats.Matched != 3 {
		t.Fatalf("usb stats = %+v", out.Stats)
	}

	fs := &fakeSerial{}
	tb.srv.openSerial = func(echo.SerialConfig) (serialExchanger, error) { return fs, nil }
	if code := tb.post(t, "/api/echo", echoRequest{Target: "serial", Payload: "ping", Count: 2}, &out); code != http.StatusOK {
		t.Fatalf("serial echo status = %d", code)
	}
	if out.Stats.Matched != 2 || !fs.closed.Load() {
		t.Fatalf("serial stats = %+v closed=%v", out.Stats, fs.closed.Load())
	}

	if code := tb.post(t, "/api/echo", echoRequest{Target: "bluetooth"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown target status = %d", code)
	}

	tb.srv.echoMu.Lock()
	code := tb.post(t, "/api/echo", echoRequest{Target: "usb", Count: 1}, nil)
	tb.srv.echoMu.Unlock()
	if code != http.StatusConflict {
		t.Fatalf("concurrent echo status = %d, want 409", code)
	}
}

func TestLoggingToggle(t *testing.T) {
	tb := newTestBridge(t, true)

	var out map[string]interface{}
	if code := tb.post(t, "/api/logging", map[string]bool{"enabled": true}, &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out["enabled"] != true || !tb.srv.logger.IsEnabled() {
		t.Fatalf("response = %v", out)
	}
	if !tb.srv.cfg.LoggerConfig().Enabled {
		t.Fatal("config not updated")
	}

	tb.srv.logger.Record(can.Message{Seq: 1, Direction: can.Rx, HostTime: time.Now()})
	if tb.srv.status().LogFile == "" {
		t.Fatal("status does not report the open log file")
	}
}

func TestConfigEndpoint(t *testing.T) {
	tb := newTestBridge(t, false)

	resp, err := http.Get(tb.http.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if _, ok := got["device"]; !ok {
		t.Fatalf("config JSON = %v", got)
	}

	resp, err = http.Post(tb.http.URL+"/api/config", "application/json",
		bytes.NewReader([]byte(`{"serial":{"portPath":"/dev/ttyUSB3"}}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sc := tb.srv.cfg.SerialEchoConfig()
	if sc.PortPath != "/dev/ttyUSB3" || sc.BaudRate != 115200 {
		t.Fatalf("serial config = %+v", sc)
	}

	reloaded := LoadConfig(tb.srv.cfg.path)
	if reloaded.Serial.PortPath != "/dev/ttyUSB3" {
		t.Fatalf("saved config not reloadable: %+v", reloaded.Serial)
	}
}

func TestBroadcastSkipsSlowClient(t *testing.T) {
	tb := newTestBridge(t, false)

	slow := &wsClient{send: make(chan []byte)}
	fast := &wsClient{send: make(chan []byte, 1)}
	tb.srv.clients[slow] = struct{}{}
	tb.srv.clients[fast] = struct{}{}

	done := make(chan struct{})
	go func() {
		tb.srv.broadcast(Frame{CAN: &can.Message{Seq: 7}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	var f Frame
	if err := json.Unmarshal(<-fast.send, &f); err != nil {
		t.Fatal(err)
	}
	if f.CAN == nil || f.CAN.Seq != 7 {
		t.Fatalf("frame = %+v", f)
	}
}

func TestWebSocketStream(t *testing.T) {
	tb := newTestBridge(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := tb.binder.Hub()
	before := hub.Subscribers()
	go tb.srv.streamLoop(ctx)

	url := "ws" + strings.TrimPrefix(tb.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if f.Status == nil || f.Status.Binder.Command.State != binder.Unbound {
		t.Fatalf("initial frame = %+v", f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == before && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	for {
		tb.srv.clientsMu.RLock()
		n := len(tb.srv.clients)
		tb.srv.clientsMu.RUnlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	hub.Publish(can.Message{Seq: 42, Direction: can.Rx, HostTime: time.Now(), Record: wire.CanRecord{ID: 0x123, Length: 1}})

	f = Frame{}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read can frame: %v", err)
	}
	if f.CAN == nil || f.CAN.Seq != 42 || f.CAN.Direction != can.Rx || f.CAN.Record.ID != 0x123 {
		t.Fatalf("can frame = %+v", f)
	}
}
