// Package flash defines the abstraction beneath the file system: a
// sector-addressed, byte-granular device that can only program bits
// 1→0 and must be bulk-erased back to all-ones. Callers rely on
// idempotent bit-clear semantics to encode validity transitions; see
// internal/block for how that property is used.
//
// Device is an interface so the same file system runs over real silicon
// on the target and over an in-memory array in host tests; MemDevice
// and FaultyDevice are the host-side implementations.
package flash

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/elewis/cardos/internal/log"
)

// Device is the physical flash abstraction every higher layer (block,
// fs) talks to. All operations are synchronous; there is no concurrent
// access, since flash is exclusive to the FS.
type Device interface {
	// Read copies len(dst) bytes starting at (sector, offset) into dst.
	Read(sector int, offset int, dst []byte) error

	// Write programs len(src) bytes starting at (sector, offset). Only
	// 1→0 bit transitions are applied; any bit the caller asks to set
	// from 0 to 1 is left unprogrammed, LastError is set to ErrBitSet and
	// Write returns that error. Write never requires the caller to
	// pre-erase.
	Write(sector int, offset int, src []byte) error

	// Erase resets an entire sector to all-ones (0xFF).
	Erase(sector int) error

	// Erase0 resets an entire sector to all-zeros. It exists only for
	// test harnesses that need to simulate an already-dirty device; no
	// real NOR part supports it.
	Erase0(sector int) error

	SectorSize(sector int) int
	NumSectors() int

	// LastError returns the sticky error flag, if any operation has
	// failed since it was last cleared.
	LastError() error

	// ClearError clears the sticky error flag.
	ClearError()
}

// MappedDevice is implemented by devices that are directly addressable,
// the way NOR flash on the target is simply a region of the CPU's
// address space. fs.ReadInPlace uses it to borrow a slice instead of
// copying; devices that only support indirect access (e.g. over a wire
// protocol) need not implement it, and fs falls back to a copying Read.
type MappedDevice interface {
	Device

	// Bytes returns a slice sharing storage with the device's backing
	// array for the given range. Callers must not hold it across a
	// Write, Erase, or Erase0 to the same sector.
	Bytes(sector, offset, length int) ([]byte, error)
}

// Sentinel error kinds. DeviceError wraps all of them when escalated
// past the block layer (see internal/block).
var (
	ErrBitSet     = errors.New("flash: illegal 0→1 bit transition")
	ErrOutOfRange = errors.New("flash: address out of range")
	ErrIO         = errors.New("flash: device I/O failure")
)

// MemDevice is an in-memory backing array implementing Device: the
// flash half of the emulator harness. Host tests and the CLI debug
// shell both use it in place of real silicon.
type MemDevice struct {
	sectorSize int
	sectors    [][]byte
	lastErr    error

	log *log.Logger
}

// NewMemDevice creates a device with numSectors sectors of sectorSize
// bytes each, all initialized to the erased (all-ones) state.
func NewMemDevice(numSectors, sectorSize int) *MemDevice {
	dev := &MemDevice{
		sectorSize: sectorSize,
		sectors:    make([][]byte, numSectors),
		log:        log.DefaultLogger(),
	}

	for i := range dev.sectors {
		dev.sectors[i] = make([]byte, sectorSize)
		for j := range dev.sectors[i] {
			dev.sectors[i][j] = 0xff
		}
	}

	return dev
}

func (d *MemDevice) bounds(sector, offset, n int) error {
	if sector < 0 || sector >= len(d.sectors) {
		return errors.Wrapf(ErrOutOfRange, "sector %d", sector)
	}

	if offset < 0 || offset+n > d.sectorSize {
		return errors.Wrapf(ErrOutOfRange, "sector %d offset %d len %d", sector, offset, n)
	}

	return nil
}

func (d *MemDevice) Read(sector, offset int, dst []byte) error {
	if err := d.bounds(sector, offset, len(dst)); err != nil {
		d.lastErr = err
		return err
	}

	copy(dst, d.sectors[sector][offset:offset+len(dst)])

	return nil
}

// Write applies src to the sector using 1→0-only semantics: for each
// byte, the result is old&new. If that isn't equal to the requested new
// byte, a bit the caller wanted to set was left alone and the sticky
// error is recorded, but the legal part of the write still happens (a
// real NOR part behaves the same way: it programs what it can).
func (d *MemDevice) Write(sector, offset int, src []byte) error {
	if err := d.bounds(sector, offset, len(src)); err != nil {
		d.lastErr = err
		return err
	}

	cell := d.sectors[sector]
	bad := false

	for i, b := range src {
		old := cell[offset+i]
		next := old & b

		if next != b {
			bad = true
		}

		cell[offset+i] = next
	}

	if bad {
		d.lastErr = errors.Wrapf(ErrBitSet, "sector %d offset %d", sector, offset)
		d.log.Warn("flash: illegal bit transition", "sector", sector, "offset", offset)

		return d.lastErr
	}

	return nil
}

func (d *MemDevice) Erase(sector int) error {
	if sector < 0 || sector >= len(d.sectors) {
		err := errors.Wrapf(ErrOutOfRange, "sector %d", sector)
		d.lastErr = err

		return err
	}

	cell := d.sectors[sector]
	for i := range cell {
		cell[i] = 0xff
	}

	d.log.Debug("flash: erased", "sector", sector)

	return nil
}

func (d *MemDevice) Erase0(sector int) error {
	if sector < 0 || sector >= len(d.sectors) {
		err := errors.Wrapf(ErrOutOfRange, "sector %d", sector)
		d.lastErr = err

		return err
	}

	cell := d.sectors[sector]
	for i := range cell {
		cell[i] = 0x00
	}

	return nil
}

func (d *MemDevice) SectorSize(int) int { return d.sectorSize }
func (d *MemDevice) NumSectors() int    { return len(d.sectors) }

// Bytes returns a slice sharing storage with the device's backing array,
// satisfying MappedDevice. It lets internal/fs implement read_inplace as
// a true zero-copy borrow, the way flash is actually addressed on the
// target (directly in the CPU's address space, not through a driver).
func (d *MemDevice) Bytes(sector, offset, length int) ([]byte, error) {
	if err := d.bounds(sector, offset, length); err != nil {
		return nil, err
	}

	return d.sectors[sector][offset : offset+length], nil
}

func (d *MemDevice) LastError() error { return d.lastErr }
func (d *MemDevice) ClearError()      { d.lastErr = nil }

func (d *MemDevice) String() string {
	return fmt.Sprintf("MemDevice(sectors:%d,size:%d)", len(d.sectors), d.sectorSize)
}

// FaultyDevice decorates a Device so that crash-safety tests can inject
// a failure after a configured number of Write calls, simulating power
// loss mid-commit. Wrapping adds the failure behavior without changing
// the wrapped device.
type FaultyDevice struct {
	Device

	// FailAfter is the number of Write calls that succeed before every
	// subsequent Write fails with ErrIO and performs no mutation. Zero
	// means never fail.
	FailAfter int

	writes int
}

func (f *FaultyDevice) Write(sector, offset int, src []byte) error {
	f.writes++

	if f.FailAfter > 0 && f.writes > f.FailAfter {
		return ErrIO
	}

	return f.Device.Write(sector, offset, src)
}

// Writes returns the number of Write calls observed so far.
func (f *FaultyDevice) Writes() int { return f.writes }
