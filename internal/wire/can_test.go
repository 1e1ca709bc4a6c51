package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestCanRoundTrip(t *testing.T) {
	ids := []uint32{0, 1, 0x123, 0x7FF, 0x800, 0x18DAF110, CanMaxID}
	for _, id := range ids {
		for dlc := uint8(0); dlc <= CanMaxDLC; dlc++ {
			in := CanRecord{
				DeviceTimestamp: 0xCAFEBABE,
				ID:              id,
				Data:            [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
				Length:          dlc,
				Flags:           0x01,
			}
			buf := EncodeCan(in)
			out, err := DecodeCan(buf[:])
			if err != nil {
				t.Fatalf("DecodeCan: %v", err)
			}
			if out.ID != id || out.Length != dlc || out.Flags != in.Flags || out.DeviceTimestamp != in.DeviceTimestamp {
				t.Fatalf("round trip mismatch: in %+v out %+v", in, out)
			}
			if !bytes.Equal(out.Payload(), in.Data[:dlc]) {
				t.Fatalf("payload = % X, want % X", out.Payload(), in.Data[:dlc])
			}
			for i := int(dlc); i < CanMaxDLC; i++ {
				if out.Data[i] != 0 {
					t.Fatalf("data[%d] = 0x%02X past dlc %d, want zero padding", i, out.Data[i], dlc)
				}
			}
		}
	}
}

func TestCanWireLayout(t *testing.T) {
	buf := EncodeCan(CanRecord{DeviceTimestamp: 0x04030201, ID: 0x123, Data: [8]byte{0xAA, 0xBB}, Length: 2, Flags: 0x80})
	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x23, 0x01, 0x00, 0x00,
		0xAA, 0xBB, 0, 0, 0, 0, 0, 0,
		0x02, 0x80,
	}
	if !bytes.Equal(buf[:], want) {
		t.Fatalf("EncodeCan = % X\nwant       % X", buf, want)
	}
}

func TestCanLengthClamp(t *testing.T) {
	buf := EncodeCan(CanRecord{ID: 0x10, Length: 8})
	buf[16] = 200
	r, err := DecodeCan(buf[:])
	if err != nil {
		t.Fatalf("DecodeCan: %v", err)
	}
	if r.Length != 8 {
		t.Fatalf("Length = %d, want 8", r.Length)
	}
}

func TestCanShortRecord(t *testing.T) {
	buf := EncodeCan(CanRecord{ID: 0x10})
	if _, err := DecodeCan(buf[:CanRecordSize-1]); !errors.Is(err, ErrFraming) {
		t.Fatalf("err = %v, want ErrFraming", err)
	}
}

func TestCanIDString(t *testing.T) {
	if got := (CanRecord{ID: 0x7FF}).IDString(); got != "7FF (STD)" {
		t.Errorf("IDString(0x7FF) = %q", got)
	}
	if got := (CanRecord{ID: 0x800}).IDString(); got != "800" {
		t.Errorf("IDString(0x800) = %q", got)
	}
}

func TestParseHexData(t *testing.T) {
	tests := []struct {
		in      string
		dlc     uint8
		want    [8]byte
		wantErr bool
	}{
		{"", 0, [8]byte{}, false},
		{"01 02 03", 3, [8]byte{1, 2, 3}, false},
		{"de,ad;be-ef", 4, [8]byte{0xDE, 0xAD, 0xBE, 0xEF}, false},
		{"01 02", 3, [8]byte{}, true},
		{"", 1, [8]byte{}, true},
		{"123", 1, [8]byte{}, true},
		{"zz", 1, [8]byte{}, true},
		{"00 00 00 00 00 00 00 00 00", 9, [8]byte{}, true},
	}
	for _, tt := range tests {
		got, err := ParseHexData(tt.in, tt.dlc)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHexData(%q, %d) err = %v, wantErr %v", tt.in, tt.dlc, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseHexData(%q, %d) = % X, want % X", tt.in, tt.dlc, got, tt.want)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := ParseID("0x7DF"); err != nil || id != 0x7DF {
		t.Errorf("ParseID(0x7DF) = %X, %v", id, err)
	}
	if _, err := ParseID("20000000"); err == nil {
		t.Error("ParseID(20000000) accepted an id above 29 bits")
	}
}
