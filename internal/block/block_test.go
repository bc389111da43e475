package block

import (
	"bytes"
	"errors"
	"testing"

	"github.com/elewis/cardos/internal/flash"
)

func TestCommit_PublishesValidBlock(tt *testing.T) {
	dev := flash.NewMemDevice(1, 256)

	entry, err := Commit(dev, 0, []byte("tag1"), []byte("hello"))
	if err != nil {
		tt.Fatalf("commit: %s", err)
	}

	if entry.State != StateValid {
		tt.Errorf("want StateValid, got %s", entry.State)
	}

	entries, _, err := Scan(dev, 0)
	if err != nil {
		tt.Fatalf("scan: %s", err)
	}

	if len(entries) != 1 {
		tt.Fatalf("want 1 entry, got %d", len(entries))
	}

	got := entries[0]

	if !bytes.Equal(got.Tag, []byte("tag1")) {
		tt.Errorf("tag: want %q, got %q", "tag1", got.Tag)
	}

	if got.State != StateValid {
		tt.Errorf("state: want %s, got %s", StateValid, got.State)
	}

	payload := make([]byte, got.Length)
	if err := dev.Read(0, got.PayloadOffset, payload); err != nil {
		tt.Fatalf("read payload: %s", err)
	}

	if string(payload) != "hello" {
		tt.Errorf("payload: want %q, got %q", "hello", payload)
	}
}

func TestRetire_MakesBlockInvalid(tt *testing.T) {
	dev := flash.NewMemDevice(1, 256)

	entry, err := Commit(dev, 0, []byte("tag1"), []byte("data"))
	if err != nil {
		tt.Fatalf("commit: %s", err)
	}

	if err := Retire(dev, entry); err != nil {
		tt.Fatalf("retire: %s", err)
	}

	entries, _, err := Scan(dev, 0)
	if err != nil {
		tt.Fatalf("scan: %s", err)
	}

	if len(entries) != 1 {
		tt.Fatalf("want 1 entry, got %d", len(entries))
	}

	if entries[0].State != StateInvalid {
		tt.Errorf("want StateInvalid, got %s", entries[0].State)
	}
}

func TestCommit_InterruptedBeforePublish_IsIgnored(tt *testing.T) {
	dev := flash.NewMemDevice(1, 256)

	hlen := encodedLen(len("tag1"))
	h := header{
		TagLen:  4,
		Tag:     []byte("tag1"),
		DataLen: 4,
		Valid:   validErased,
	}
	h.Checksum = checksum(h.Tag, h.DataLen)

	raw, err := marshalHeader(h)
	if err != nil {
		tt.Fatalf("marshal: %s", err)
	}

	if err := dev.Write(0, 0, raw); err != nil {
		tt.Fatalf("write header: %s", err)
	}

	if err := dev.Write(0, hlen, []byte("data")); err != nil {
		tt.Fatalf("write payload: %s", err)
	}

	// Crash simulated: the NotYetValid guard is never cleared.
	entries, free, err := Scan(dev, 0)
	if err != nil {
		tt.Fatalf("scan: %s", err)
	}

	if len(entries) != 1 {
		tt.Fatalf("want 1 entry (NotYetValid still scanned), got %d", len(entries))
	}

	if entries[0].State != StateNotYetValid {
		tt.Errorf("want StateNotYetValid, got %s", entries[0].State)
	}

	// Free space begins at the next 4-byte aligned offset past the
	// payload.
	if want := ((hlen + 4) + 3) &^ 3; free != want {
		tt.Errorf("free offset: want %d, got %d", want, free)
	}
}

func TestCommit_TagTooLong(tt *testing.T) {
	dev := flash.NewMemDevice(1, 256)

	longTag := bytes.Repeat([]byte("x"), MaxTagLen+1)

	if _, err := Commit(dev, 0, longTag, []byte("x")); !errors.Is(err, ErrTagLen) {
		tt.Errorf("want ErrTagLen, got %v", err)
	}
}

func TestCommit_OutOfSpace(tt *testing.T) {
	dev := flash.NewMemDevice(1, 16)

	if _, err := Commit(dev, 0, []byte("tag1"), bytes.Repeat([]byte{0}, 32)); !errors.Is(err, ErrOutOfSpace) {
		tt.Errorf("want ErrOutOfSpace, got %v", err)
	}
}

func TestScan_StopsAtCorruptChecksum(tt *testing.T) {
	dev := flash.NewMemDevice(1, 256)

	if _, err := Commit(dev, 0, []byte("tag1"), []byte("data")); err != nil {
		tt.Fatalf("commit: %s", err)
	}

	// Corrupt the checksum field of the first header in place (offset
	// 1 + len(tag) + 4 = 9); clearing a bit only, to stay within flash
	// semantics.
	if err := dev.Write(0, 9, []byte{0x00}); err != nil {
		tt.Fatalf("corrupt checksum: %s", err)
	}

	entries, _, err := Scan(dev, 0)
	if err != nil {
		tt.Fatalf("scan: %s", err)
	}

	if len(entries) != 0 {
		tt.Errorf("want scan to stop before the corrupt header, got %d entries", len(entries))
	}
}

func TestStateString(tt *testing.T) {
	cases := map[State]string{
		StateNotYetValid: "StateNotYetValid",
		StateValid:       "StateValid",
		StateInvalid:     "StateInvalid",
	}

	for state, want := range cases {
		if got := state.String(); got != want {
			tt.Errorf("State(%d).String(): want %q, got %q", state, want, got)
		}
	}
}
