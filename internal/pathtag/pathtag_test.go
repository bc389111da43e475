package pathtag

import (
	"bytes"
	"testing"

	"github.com/elewis/cardos/internal/block"
)

func TestTagsAreDeterministic(tt *testing.T) {
	a := AppletField(1, 2, 3, 4)
	b := AppletField(1, 2, 3, 4)

	if !bytes.Equal(a, b) {
		tt.Errorf("same tuple produced different tags: %x vs %x", a, b)
	}
}

func TestTagsAreLittleEndian(tt *testing.T) {
	tag := Static(0x0102, 0x0304)
	want := []byte{domainStatic, 0x02, 0x01, 0x04, 0x03}

	if !bytes.Equal(tag, want) {
		tt.Errorf("Static(0x0102, 0x0304): want %x, got %x", want, tag)
	}
}

func TestTagLengthsWithinBounds(tt *testing.T) {
	tags := [][]byte{
		PackageList(),
		CAP(0xffff),
		Static(0xffff, 0xffff),
		AppletField(0xffff, 0xffff, 0xffff, 0xffff),
	}

	for _, tag := range tags {
		if len(tag) < block.MinTagLen || len(tag) > block.MaxTagLen {
			tt.Errorf("tag %x has out-of-range length %d", tag, len(tag))
		}
	}
}

// No two tuples, across all four constructors, may share a tag: the
// domain byte separates the shapes and fixed field widths separate the
// tuples within a shape. Sample a small input space and check for
// collisions pairwise.
func TestNoCollisionsAcrossDomains(tt *testing.T) {
	ids := []uint16{0, 1, 2, 0x00ff, 0x0100, 0xffff}

	seen := make(map[string]string)

	record := func(name string, tag []byte) {
		key := string(tag)
		if prev, ok := seen[key]; ok && prev != name {
			tt.Errorf("collision: %s and %s both map to %x", prev, name, tag)
		}

		seen[key] = name
	}

	record("PackageList()", PackageList())

	for _, p := range ids {
		record("CAP", CAP(PackageID(p)))

		for _, s := range ids {
			record("Static", Static(PackageID(p), StaticID(s)))
		}
	}

	for _, a := range ids {
		for _, p := range ids {
			record("AppletField", AppletField(AppletID(a), PackageID(p), 0, 1))
		}
	}
}
