// Package mpu models the fixed MPU (memory protection unit) region
// schedule: power-of-two sized, naturally aligned regions with
// independent privileged/unprivileged access masks, sized from
// internal/config. internal/ctxmgr calls Configure on every context
// switch to get the concrete region set an unprivileged context may
// see.
package mpu

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/status"
)

// Access is a bitmask of the operations a privilege level may perform
// against a region.
type Access uint8

const (
	AccessNone Access = 0
	AccessR    Access = 1 << 0
	AccessW    Access = 1 << 1
	AccessX    Access = 1 << 2

	AccessRX = AccessR | AccessX
	AccessRW = AccessR | AccessW
)

func (a Access) String() string {
	if a == AccessNone {
		return "-"
	}

	s := ""
	if a&AccessR != 0 {
		s += "R"
	}

	if a&AccessW != 0 {
		s += "W"
	}

	if a&AccessX != 0 {
		s += "X"
	}

	return s
}

// Region is one MPU table entry: a naturally aligned, power-of-two sized
// address range with independent privileged and unprivileged access
// masks. SubregionDisable packs a smaller shape within one hardware
// region by disabling one or more of its eight equal subregions; bit i disables the i'th eighth of [Base, Base+Size).
type Region struct {
	Name             string
	Base             uint32
	Size             uint32
	Priv             Access
	Unpriv           Access
	SubregionDisable uint8
}

// Contains reports whether addr..addr+length lies entirely within r,
// with none of its disabled subregions overlapping the range.
func (r Region) Contains(addr uint32, length uint32) bool {
	if length == 0 {
		return addr >= r.Base && addr <= r.Base+r.Size
	}

	end := addr + length
	if addr < r.Base || end > r.Base+r.Size || end < addr {
		return false
	}

	if r.SubregionDisable == 0 {
		return true
	}

	subSize := r.Size / 8
	first := (addr - r.Base) / subSize
	last := (end - 1 - r.Base) / subSize

	for i := first; i <= last; i++ {
		if r.SubregionDisable&(1<<i) != 0 {
			return false
		}
	}

	return true
}

// Assert panics if r's size is not a power of two or its base is not
// naturally aligned, mirroring the linker-script assertions
// internal/config.Assert runs over the sizes a Region is built from.
func (r Region) Assert() {
	if !config.IsPow2(uint32(r.Size)) {
		panic(fmt.Sprintf("mpu: region %q size %d is not a power of two", r.Name, r.Size))
	}

	if !config.NaturallyAligned(r.Base, r.Size) {
		panic(fmt.Sprintf("mpu: region %q base %#x is not aligned to size %d", r.Name, r.Base, r.Size))
	}
}

// Base addresses of the flash and RAM address spaces. These stand in
// for the linker-assigned bases on the target; flash starts the
// address space, RAM occupies a separate range the way a Cortex-M part
// maps flash at 0x0000_0000 and SRAM at 0x2000_0000.
const (
	FlashBase = 0x00000000
	RAMBase   = 0x20000000
)

// alignUp rounds addr up to the next multiple of size, a power of two.
func alignUp(addr, size uint32) uint32 {
	return (addr + size - 1) &^ (size - 1)
}

// Fixed region bases and sizes, computed once from internal/config. A
// region whose base would not be aligned to its size starts at the next
// aligned address instead, leaving a gap before it. The remainder of
// RAM after OS-private, shared RO, shared RW and the private-stack
// reservation is unused padding; NumContexts private stacks of
// PrivateStackSize are carved out starting at stacksBase.
var (
	loaderRegion = Region{
		Name: "loader", Base: FlashBase, Size: config.FlashLoaderSize,
		Priv: AccessRX, Unpriv: AccessNone,
	}
	codeRegion = Region{
		Name: "code", Base: alignUp(FlashBase+config.FlashLoaderSize, config.FlashCodeSize), Size: config.FlashCodeSize,
		Priv: AccessRX, Unpriv: AccessRX,
	}
	osPrivateRegion = Region{
		Name: "os-private", Base: RAMBase, Size: config.OSPrivateSize,
		Priv: AccessRW, Unpriv: AccessNone,
	}
	sharedROBase = uint32(RAMBase + config.OSPrivateSize)
	sharedRORegion = Region{
		Name: "shared-ro", Base: sharedROBase, Size: config.SharedROSize,
		Priv: AccessR, Unpriv: AccessR,
	}
	sharedRWBase = alignUp(sharedROBase+uint32(config.SharedROSize), config.SharedRWSize)
	sharedRWRegion = Region{
		Name: "shared-rw", Base: sharedRWBase, Size: config.SharedRWSize,
		Priv: AccessRW, Unpriv: AccessRW,
	}
	stacksBase = alignUp(sharedRWBase+uint32(config.SharedRWSize), config.PrivateStackSize)
)

// init runs Region.Assert over the full table, so a misaligned or
// non-power-of-two region stops the program at start-up.
func init() {
	for _, r := range Table() {
		r.Assert()
	}
}

// The shared RW region starts with one reentrancy slot per context (the
// standard library's per-context state, reachable by unprivileged code),
// followed by the syscall argument buffer.
const ArgBufOffset = config.ReentAreaSize

// ArgBufBase returns the address of the syscall argument buffer.
func ArgBufBase() uint32 {
	return sharedRWBase + ArgBufOffset
}

// ReentStateBase returns the address of context slot id's reentrancy
// state within the shared RW region.
func ReentStateBase(id int) uint32 {
	return sharedRWBase + uint32(id)*config.ReentStateSize
}

// StackBase returns the base address of context id's private stack.
func StackBase(id int) uint32 {
	return stacksBase + uint32(id)*config.PrivateStackSize
}

// Table is the full, fixed region set, independent of which context is
// active. Configure derives the per-context view from it.
func Table() []Region {
	regions := []Region{loaderRegion, codeRegion, osPrivateRegion, sharedRORegion, sharedRWRegion}
	for i := 0; i < config.NumContexts; i++ {
		regions = append(regions, Region{
			Name: fmt.Sprintf("stack-%d", i),
			Base: StackBase(i), Size: config.PrivateStackSize,
			Priv: AccessRW, Unpriv: AccessNone,
		})
	}

	return regions
}

// Configure returns the concrete region list an unprivileged context
// numbered activeContext may use: loader and OS-private are dropped
// entirely, code/shared-RO/shared-RW keep their fixed masks, the active
// context's own stack becomes unprivileged-accessible, and every other
// context's stack stays privileged RW with AccessNone for unprivileged
// code: a sibling's stack is not reachable.
func Configure(activeContext int) []Region {
	regions := make([]Region, 0, config.NumContexts+4)

	regions = append(regions, codeRegion, sharedRORegion, sharedRWRegion)

	for i := 0; i < config.NumContexts; i++ {
		r := Region{
			Name: fmt.Sprintf("stack-%d", i),
			Base: StackBase(i), Size: config.PrivateStackSize,
			Priv: AccessRW,
		}

		if i == activeContext {
			r.Unpriv = AccessRW
		} else {
			r.Unpriv = AccessNone
		}

		regions = append(regions, r)
	}

	return regions
}

// ErrAccessDenied is returned by Check when an address range is not
// reachable under the requested access at the given privilege.
var ErrAccessDenied = fmt.Errorf("mpu: access denied: %w", status.ErrContextFault)

// Check validates that addr..addr+length is reachable with at least want
// access under the region set regions (as produced by Configure), using
// Priv if priv is true, Unpriv otherwise. It is the software model of
// the hardware MPU's access check, used by host tests and the emulator
// harness.
func Check(regions []Region, addr, length uint32, want Access, priv bool) error {
	for _, r := range regions {
		if !r.Contains(addr, length) {
			continue
		}

		have := r.Unpriv
		if priv {
			have = r.Priv
		}

		if have&want != want {
			return errors.Wrapf(ErrAccessDenied, "region %q addr %#x length %d want %s have %s",
				r.Name, addr, length, want, have)
		}

		return nil
	}

	return errors.Wrapf(ErrAccessDenied, "addr %#x length %d not covered by any region", addr, length)
}
