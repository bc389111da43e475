package flash

import (
	"errors"
	"testing"
)

var _ Device = (*MemDevice)(nil)
var _ Device = (*FaultyDevice)(nil)

func TestMemDevice_ErasedState(tt *testing.T) {
	dev := NewMemDevice(4, 256)

	buf := make([]byte, 4)

	if err := dev.Read(0, 0, buf); err != nil {
		tt.Fatalf("read: %s", err)
	}

	for i, b := range buf {
		if b != 0xff {
			tt.Errorf("byte %d: want 0xff, got %#x", i, b)
		}
	}
}

func TestMemDevice_WriteClearsBitsOnly(tt *testing.T) {
	dev := NewMemDevice(1, 256)

	if err := dev.Write(0, 0, []byte{0b1010_1010}); err != nil {
		tt.Fatalf("write: %s", err)
	}

	buf := make([]byte, 1)
	_ = dev.Read(0, 0, buf)

	if buf[0] != 0b1010_1010 {
		tt.Errorf("want %08b, got %08b", 0b1010_1010, buf[0])
	}

	// Attempting to set a bit that is already 0 back to 1 is illegal and must
	// not be applied; the legal, already-0-staying-0 bits still land.
	if err := dev.Write(0, 0, []byte{0b1111_1111}); !errors.Is(err, ErrBitSet) {
		tt.Errorf("want ErrBitSet, got %v", err)
	}

	_ = dev.Read(0, 0, buf)

	if buf[0] != 0b1010_1010 {
		tt.Errorf("bit-set write mutated byte: want %08b, got %08b", 0b1010_1010, buf[0])
	}
}

func TestMemDevice_Erase(tt *testing.T) {
	dev := NewMemDevice(1, 16)

	_ = dev.Write(0, 0, []byte{0x00, 0x00})

	if err := dev.Erase(0); err != nil {
		tt.Fatalf("erase: %s", err)
	}

	buf := make([]byte, 2)
	_ = dev.Read(0, 0, buf)

	if buf[0] != 0xff || buf[1] != 0xff {
		tt.Errorf("sector not erased: %v", buf)
	}
}

func TestMemDevice_OutOfRange(tt *testing.T) {
	dev := NewMemDevice(2, 16)

	cases := []struct {
		name   string
		sector int
		offset int
		n      int
	}{
		{"bad sector", 2, 0, 1},
		{"negative sector", -1, 0, 1},
		{"offset past end", 0, 15, 2},
		{"negative offset", 0, -1, 1},
	}

	for _, tc := range cases {
		tt.Run(tc.name, func(tt *testing.T) {
			buf := make([]byte, tc.n)
			if err := dev.Read(tc.sector, tc.offset, buf); !errors.Is(err, ErrOutOfRange) {
				tt.Errorf("want ErrOutOfRange, got %v", err)
			}
		})
	}
}

func TestFaultyDevice_FailsAfterN(tt *testing.T) {
	dev := &FaultyDevice{Device: NewMemDevice(1, 16), FailAfter: 2}

	for i := 0; i < 2; i++ {
		if err := dev.Write(0, 0, []byte{0x00}); err != nil {
			tt.Fatalf("write %d: %s", i, err)
		}
	}

	if err := dev.Write(0, 0, []byte{0x00}); !errors.Is(err, ErrIO) {
		tt.Errorf("want ErrIO after FailAfter writes, got %v", err)
	}
}
