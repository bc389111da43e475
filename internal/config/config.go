// Package config declares the link-time constants of the system: flash
// geometry, the RAM memory map, and the sizes that feed the MPU region
// table. On real hardware these values come from the linker script; here
// they are typed Go constants checked by Assert, which panics at package
// initialization if a size invariant required by the MPU is violated.
package config

import "math/bits"

// Flash geometry. SectorSize and NumSectors describe the NOR device the
// flash file system runs on. One sector is always reserved as the
// defragment sector (see internal/fs).
const (
	SectorSize = 16 * 1024 // bytes per sector
	NumSectors = 8         // total sectors, including the defrag sector

	// WriteGranularity is the smallest unit the flash device programs;
	// blocks are padded to a multiple of it.
	WriteGranularity = 4
)

// RAM memory map. Sizes are the shipped defaults; all must be
// powers of two once rounded, since each backs an MPU region.
const (
	OSStackSize = 2 * 1024
	OSHeapSize  = 2 * 1024

	// OSPrivateSize is the combined OS-private region (stack + heap),
	// rounded up to the next power of two for the MPU.
	OSPrivateSize = 4 * 1024

	SharedRWSize = 4 * 1024

	// ArgBufSize is the fixed size of the syscall argument buffer, carved
	// from the shared RW region just after the reentrancy slots.
	ArgBufSize = 1024

	// ReentStateSize is the per-context slot for the standard library's
	// reentrancy state (the _impure_ptr block). One slot per context sits
	// at the start of the shared RW region, ahead of the argument buffer,
	// so unprivileged code can reach its own slot legitimately.
	ReentStateSize = 64
	ReentAreaSize  = NumContexts * ReentStateSize

	// SharedROSize is sized for initialized data and the impure-pointer
	// storage table; rounded to a power of two at link time.
	SharedROSize = 1024

	// PrivateStackSize is the size of a single context's private stack
	// region. NumContexts such regions are reserved out of the RAM
	// remainder.
	PrivateStackSize = 2 * 1024
	NumContexts      = 4

	// FlashLoaderSize and FlashCodeSize are the two flash regions outside
	// the FS's own sectors: a small bootstrap-only loader and the kernel +
	// applet code image.
	FlashLoaderSize = 16 * 1024
	FlashCodeSize   = 128 * 1024
)

// IsPow2 reports whether n is an exact power of two.
func IsPow2(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// NextPow2 returns the smallest power of two greater than or equal to n.
func NextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}

	if IsPow2(n) {
		return n
	}

	return 1 << bits.Len32(n)
}

// NaturallyAligned reports whether base is aligned to size, i.e. base is a
// multiple of size. size must already be a power of two.
func NaturallyAligned(base, size uint32) bool {
	return base&(size-1) == 0
}

// Assert panics if any of the fixed sizes above fail to satisfy the MPU's
// power-of-two requirement, if the two derived region sizes (OS-private,
// shared RO) don't already sit at the pow2 size they claim, or if the
// contents of OS-private and shared RW don't fit. It checks sizes only;
// the natural alignment of region bases is checked by internal/mpu when
// it initializes. It is the software stand-in for the linker-script assertions
// the target build runs, and runs once at program start: failing fast
// beats limping along with an unusable memory map.
func Assert() {
	mustPow2("SectorSize", SectorSize)
	mustPow2("OSPrivateSize", OSPrivateSize)
	mustPow2("SharedRWSize", SharedRWSize)
	mustPow2("SharedROSize", SharedROSize)
	mustPow2("PrivateStackSize", PrivateStackSize)
	mustPow2("FlashLoaderSize", FlashLoaderSize)
	mustPow2("FlashCodeSize", FlashCodeSize)

	if ReentAreaSize+ArgBufSize > SharedRWSize {
		panic("config: reentrancy slots + argument buffer do not fit in shared RW region")
	}

	if OSStackSize+OSHeapSize > OSPrivateSize {
		panic("config: OS stack + heap exceeds OS-private region")
	}
}

func mustPow2(name string, size uint32) {
	if !IsPow2(size) {
		panic("config: " + name + " is not a power of two")
	}
}

func init() {
	Assert()
}
