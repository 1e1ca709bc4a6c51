package command

import (
	"context"
	"errors"
	"testing"

	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/internal/usbdev/usbdevtest"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

func newFirmwarePipe() (*usbdevtest.Pipe, *usbdevtest.Firmware) {
	pipe := usbdevtest.NewPipe("1-1:1.0")
	fw := usbdevtest.NewFirmware()
	pipe.Respond = fw.Respond
	return pipe, fw
}

func TestSendWritesOneFrame(t *testing.T) {
	pipe, _ := newFirmwarePipe()
	ch := New(pipe)

	resp, err := ch.Send(context.Background(), wire.Frame{CommandID: wire.CmdVersion})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.CommandID != wire.CmdVersion || resp.Result() != wire.ResultOK {
		t.Fatalf("response = %+v", resp)
	}

	written := pipe.Written()
	if len(written) != 1 || len(written[0]) != wire.FrameSize {
		t.Fatalf("written = %d transfers, want one %d-byte frame", len(written), wire.FrameSize)
	}
	want, _ := wire.EncodeFrame(wire.CmdVersion, nil)
	if string(written[0]) != string(want[:]) {
		t.Fatalf("frame = % X, want % X", written[0], want)
	}
}

func TestTypedHelpers(t *testing.T) {
	pipe, fw := newFirmwarePipe()
	fw.Version = [3]byte{2, 4, 7}
	ch := New(pipe)
	ctx := context.Background()

	v, err := ch.Version(ctx)
	if err != nil || v != "v2.4.7" {
		t.Fatalf("Version = %q, %v", v, err)
	}
	if err := ch.Write(ctx, 0x5A); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s, err := ch.Read(ctx); err != nil || s != 0x5A {
		t.Fatalf("Read = 0x%02X, %v", s, err)
	}
	st, err := ch.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != 0x5A || st.Packets != 4 {
		t.Fatalf("Status = %+v, want state 0x5A after 4 packets", st)
	}
	if err := ch.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s, _ := ch.Read(ctx); s != 0 {
		t.Fatalf("state after reset = 0x%02X", s)
	}
	echo, err := ch.Echo(ctx, "hello")
	if err != nil || echo != "hello" {
		t.Fatalf("Echo = %q, %v", echo, err)
	}
}

func TestRejectedCommand(t *testing.T) {
	pipe, _ := newFirmwarePipe()
	ch := New(pipe)

	_, err := ch.Do(context.Background(), 0x42, nil)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Response.Result() != wire.ResultInvalidCmd {
		t.Fatalf("rejected response = %+v", rej)
	}
}

func TestSendErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unbound", func(t *testing.T) {
		if _, err := New(nil).Send(ctx, wire.Frame{CommandID: wire.CmdVersion}); !errors.Is(err, usbdev.ErrDeviceUnavailable) {
			t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
		}
	})

	t.Run("write failure", func(t *testing.T) {
		pipe := usbdevtest.NewPipe("p")
		pipe.SetWriteErr(errors.New("stall"))
		_, err := New(pipe).Send(ctx, wire.Frame{CommandID: wire.CmdVersion})
		var te *usbdev.TransportError
		if !errors.As(err, &te) || te.Op != "write" {
			t.Fatalf("err = %v, want write TransportError", err)
		}
		if pipe.Reads() != 0 {
			t.Fatal("read attempted after failed write")
		}
	})

	t.Run("read timeout", func(t *testing.T) {
		pipe := usbdevtest.NewPipe("p")
		_, err := New(pipe).Send(ctx, wire.Frame{CommandID: wire.CmdVersion})
		if !usbdev.IsTimeout(err) {
			t.Fatalf("err = %v, want timeout", err)
		}
	})

	t.Run("corrupt response", func(t *testing.T) {
		pipe := usbdevtest.NewPipe("p")
		bad, _ := wire.EncodeFrame(wire.CmdVersion, []byte{0, 1, 0, 0})
		bad[5] ^= 0xFF
		pipe.Queue(usbdevtest.ReadResult{Data: bad[:]})
		if _, err := New(pipe).Send(ctx, wire.Frame{CommandID: wire.CmdVersion}); !errors.Is(err, wire.ErrChecksum) {
			t.Fatalf("err = %v, want ErrChecksum", err)
		}
	})

	t.Run("short response", func(t *testing.T) {
		pipe := usbdevtest.NewPipe("p")
		pipe.Queue(usbdevtest.ReadResult{Data: []byte{wire.Magic0, wire.Magic1, 5, 0}})
		if _, err := New(pipe).Send(ctx, wire.Frame{CommandID: wire.CmdVersion}); !errors.Is(err, wire.ErrFraming) {
			t.Fatalf("err = %v, want ErrFraming", err)
		}
	})
}

func TestEchoRejectsLongText(t *testing.T) {
	pipe, _ := newFirmwarePipe()
	long := make([]byte, MaxEchoText+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := New(pipe).Echo(context.Background(), string(long)); !errors.Is(err, wire.ErrFraming) {
		t.Fatalf("err = %v, want ErrFraming", err)
	}
	if len(pipe.Written()) != 0 {
		t.Fatal("oversized echo reached the pipe")
	}
}
