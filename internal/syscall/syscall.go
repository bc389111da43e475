// Package syscall is the unprivileged→privileged boundary: a numbered
// table of kernel entry points and the fixed argument buffer in the
// shared RW region both sides marshal through. Dispatch validates every
// request (buffer bounds, tag length, pointer ranges against the
// caller's MPU view) before touching the file system, and renders the
// outcome as the one-byte ABI status.
//
// Dispatch is by discriminant: a closed enumeration indexes an array of
// handlers, and an out-of-range number is itself a validation failure,
// not a panic.
package syscall

import (
	"fmt"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/ctxmgr"
	"github.com/elewis/cardos/internal/fs"
	"github.com/elewis/cardos/internal/log"
	"github.com/elewis/cardos/internal/mpu"
	"github.com/elewis/cardos/internal/pathtag"
	"github.com/elewis/cardos/internal/status"
)

//go:generate go run golang.org/x/tools/cmd/stringer -type Number -output number_string.go

// Number identifies a syscall. The values are part of the ABI and must
// stay stable once assigned.
type Number uint8

const (
	FSInit Number = iota
	FSDrop
	FSWrite
	FSRead
	FSReadInPlace
	FSRead1BAt
	FSRead2BAt
	FSRead4BAt
	FSWrite1BAt
	FSWrite2BAt
	FSWrite4BAt
	FSErase
	FSExists
	FSLength
	SetArgBuf
	GetArgBuf
	PathPackageList
	PathCAP
	PathStatic
	PathAppletField

	NumSyscalls
)

// Argument buffer layout. Fixed offsets, word-aligned where multi-byte;
// all integers little-endian. The status byte is written at return for
// every syscall; the remaining fields are per-signature.
//
//	status:u8 | tag_len:u8 | pad:u16 | param0:u32 | param1:u32 | tag:u8[32] | data...
const (
	offStatus = 0
	offTagLen = 1
	offParam0 = 4
	offParam1 = 8
	offTag    = 12
	offData   = offTag + 32
)

// DataCap is the largest payload one syscall can carry.
const DataCap = config.ArgBufSize - offData

// ArgBuf is the argument scratch. On the target it is the fixed window
// at mpu.ArgBufBase(); on the host it is this array, owned by the top
// context for the duration of a syscall; concurrent syscalls are not
// supported.
type ArgBuf [config.ArgBufSize]byte

func (b *ArgBuf) U8(off int) uint8 { return b[off] }

func (b *ArgBuf) U16(off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func (b *ArgBuf) U32(off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func (b *ArgBuf) PutU8(off int, v uint8) { b[off] = v }

func (b *ArgBuf) PutU16(off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func (b *ArgBuf) PutU32(off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// SetTag copies tag into the buffer's tag field. It is the caller-side
// half of the ABI, used by tests and the host CLI.
func (b *ArgBuf) SetTag(tag []byte) {
	b.PutU8(offTagLen, uint8(len(tag)))
	copy(b[offTag:offTag+32], tag)
}

// SetParams sets the two parameter words.
func (b *ArgBuf) SetParams(p0, p1 uint32) {
	b.PutU32(offParam0, p0)
	b.PutU32(offParam1, p1)
}

// SetData copies payload into the data field and records its length in
// param0, the convention FSWrite uses.
func (b *ArgBuf) SetData(data []byte) {
	b.PutU32(offParam0, uint32(len(data)))
	copy(b[offData:], data)
}

// Status returns the result byte of the last dispatch.
func (b *ArgBuf) Status() status.Code { return status.Code(b[offStatus]) }

// Param0 and Param1 read the result words of the last dispatch.
func (b *ArgBuf) Param0() uint32 { return b.U32(offParam0) }
func (b *ArgBuf) Param1() uint32 { return b.U32(offParam1) }

// Data returns n bytes of the data field.
func (b *ArgBuf) Data(n int) []byte { return b[offData : offData+n] }

// Tag returns the tag field as laid out by the caller.
func (b *ArgBuf) Tag() []byte {
	n := int(b.U8(offTagLen))
	return b[offTag : offTag+n]
}

// Kernel binds the syscall table to a file system and a context
// manager. It owns the argument buffer.
type Kernel struct {
	fs  *fs.FS
	mgr *ctxmgr.Manager
	buf ArgBuf

	log *log.Logger
}

// NewKernel creates a kernel dispatcher over f and mgr.
func NewKernel(f *fs.FS, mgr *ctxmgr.Manager) *Kernel {
	return &Kernel{
		fs:  f,
		mgr: mgr,
		log: log.DefaultLogger(),
	}
}

// Buf returns the argument buffer. Callers marshal arguments into it
// before Dispatch and read results out of it after.
func (k *Kernel) Buf() *ArgBuf { return &k.buf }

// handler executes one syscall against the argument buffer. A returned
// error is rendered as the status byte; handlers write any result
// fields themselves.
type handler func(k *Kernel) error

var table = [NumSyscalls]handler{
	FSInit:          func(k *Kernel) error { return k.fs.Init() },
	FSDrop:          func(k *Kernel) error { k.fs.Drop(); return nil },
	FSWrite:         (*Kernel).fsWrite,
	FSRead:          (*Kernel).fsRead,
	FSReadInPlace:   (*Kernel).fsReadInPlace,
	FSRead1BAt:      (*Kernel).fsRead1BAt,
	FSRead2BAt:      (*Kernel).fsRead2BAt,
	FSRead4BAt:      (*Kernel).fsRead4BAt,
	FSWrite1BAt:     (*Kernel).fsWrite1BAt,
	FSWrite2BAt:     (*Kernel).fsWrite2BAt,
	FSWrite4BAt:     (*Kernel).fsWrite4BAt,
	FSErase:         (*Kernel).fsErase,
	FSExists:        (*Kernel).fsExists,
	FSLength:        (*Kernel).fsLength,
	SetArgBuf:       (*Kernel).setArgBuf,
	GetArgBuf:       (*Kernel).getArgBuf,
	PathPackageList: (*Kernel).pathPackageList,
	PathCAP:         (*Kernel).pathCAP,
	PathStatic:      (*Kernel).pathStatic,
	PathAppletField: (*Kernel).pathAppletField,
}

// Dispatch runs syscall num against the argument buffer and writes the
// status byte back into it. Validation failures return a non-zero
// status without touching FS state.
func (k *Kernel) Dispatch(num Number) status.Code {
	code := k.dispatch(num)
	k.buf.PutU8(offStatus, uint8(code))

	if code != status.OK {
		k.log.Debug("syscall: failed", "num", num.String(), "status", code.String())
	}

	return code
}

func (k *Kernel) dispatch(num Number) status.Code {
	if num >= NumSyscalls {
		return status.InvalidArgument
	}

	// The caller must be able to reach the whole argument buffer under
	// its own MPU view; a context that cannot has no business making
	// syscalls through it.
	if err := k.mgr.CheckCallerAccess(mpu.ArgBufBase(), config.ArgBufSize, mpu.AccessRW); err != nil {
		return status.Of(err)
	}

	k.log.Debug("syscall: dispatch", "num", num.String())

	return status.Of(table[num](k))
}

// tagArg reads and validates the tag field.
func (k *Kernel) tagArg() ([]byte, error) {
	n := int(k.buf.U8(offTagLen))
	if n < 1 || n > 32 {
		return nil, fmt.Errorf("syscall: tag length %d: %w", n, status.ErrInvalidArgument)
	}

	return k.buf[offTag : offTag+n], nil
}

func (k *Kernel) fsWrite() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	n := k.buf.U32(offParam0)
	if n > DataCap {
		return fmt.Errorf("syscall: write length %d exceeds buffer: %w", n, status.ErrInvalidArgument)
	}

	return k.fs.Write(tag, k.buf[offData:offData+int(n)])
}

func (k *Kernel) fsRead() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	max := k.buf.U32(offParam0)
	if max > DataCap {
		return fmt.Errorf("syscall: read length %d exceeds buffer: %w", max, status.ErrInvalidArgument)
	}

	n, err := k.fs.Read(tag, k.buf[offData:offData+int(max)])
	if err != nil {
		return err
	}

	k.buf.PutU32(offParam0, uint32(n))

	return nil
}

// fsReadInPlace marshals a copy through the buffer: the borrowed-pointer
// form of the ABI only exists on the target, where flash is mapped into
// the caller's address space and param0 can carry a real address. On
// the host the payload itself is the closest observable equivalent.
func (k *Kernel) fsReadInPlace() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	data, err := k.fs.ReadInPlace(tag)
	if err != nil {
		return err
	}

	if len(data) > DataCap {
		return fmt.Errorf("syscall: file length %d exceeds buffer: %w", len(data), status.ErrInvalidArgument)
	}

	copy(k.buf[offData:], data)
	k.buf.PutU32(offParam0, uint32(len(data)))

	return nil
}

func (k *Kernel) fsRead1BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	v, err := k.fs.Read1BAt(tag, k.buf.U32(offParam0))
	if err != nil {
		return err
	}

	k.buf.PutU32(offParam1, uint32(v))

	return nil
}

func (k *Kernel) fsRead2BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	v, err := k.fs.Read2BAt(tag, k.buf.U32(offParam0))
	if err != nil {
		return err
	}

	k.buf.PutU32(offParam1, uint32(v))

	return nil
}

func (k *Kernel) fsRead4BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	v, err := k.fs.Read4BAt(tag, k.buf.U32(offParam0))
	if err != nil {
		return err
	}

	k.buf.PutU32(offParam1, v)

	return nil
}

func (k *Kernel) fsWrite1BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	return k.fs.Write1BAt(tag, k.buf.U32(offParam0), uint8(k.buf.U32(offParam1)))
}

func (k *Kernel) fsWrite2BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	return k.fs.Write2BAt(tag, k.buf.U32(offParam0), uint16(k.buf.U32(offParam1)))
}

func (k *Kernel) fsWrite4BAt() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	return k.fs.Write4BAt(tag, k.buf.U32(offParam0), k.buf.U32(offParam1))
}

func (k *Kernel) fsErase() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	return k.fs.Erase(tag)
}

func (k *Kernel) fsExists() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	if k.fs.Exists(tag) {
		k.buf.PutU32(offParam0, 1)
	} else {
		k.buf.PutU32(offParam0, 0)
	}

	return nil
}

func (k *Kernel) fsLength() error {
	tag, err := k.tagArg()
	if err != nil {
		return err
	}

	n, err := k.fs.Length(tag)
	if err != nil {
		return err
	}

	k.buf.PutU32(offParam0, n)

	return nil
}

// setArgBuf and getArgBuf move bytes between the data field and an
// arbitrary offset within the buffer, letting a caller stage arguments
// larger than one signature's fixed fields across calls. param0 is the
// destination (resp. source) offset, param1 the length.
func (k *Kernel) setArgBuf() error {
	off, n := int(k.buf.U32(offParam0)), int(k.buf.U32(offParam1))
	if err := checkBufRange(off, n); err != nil {
		return err
	}

	copy(k.buf[off:off+n], k.buf[offData:offData+n])

	return nil
}

func (k *Kernel) getArgBuf() error {
	off, n := int(k.buf.U32(offParam0)), int(k.buf.U32(offParam1))
	if err := checkBufRange(off, n); err != nil {
		return err
	}

	copy(k.buf[offData:offData+n], k.buf[off:off+n])

	return nil
}

func checkBufRange(off, n int) error {
	if off < 0 || n < 0 || n > DataCap || off+n > config.ArgBufSize {
		return fmt.Errorf("syscall: buffer range off=%d len=%d: %w", off, n, status.ErrInvalidArgument)
	}

	return nil
}

func (k *Kernel) putTagResult(tag []byte) {
	k.buf.PutU8(offTagLen, uint8(len(tag)))
	copy(k.buf[offTag:offTag+32], tag)
}

func (k *Kernel) pathPackageList() error {
	k.putTagResult(pathtag.PackageList())
	return nil
}

func (k *Kernel) pathCAP() error {
	pkg := pathtag.PackageID(k.buf.U32(offParam0))
	k.putTagResult(pathtag.CAP(pkg))

	return nil
}

func (k *Kernel) pathStatic() error {
	pkg := pathtag.PackageID(k.buf.U32(offParam0))
	static := pathtag.StaticID(k.buf.U32(offParam1))
	k.putTagResult(pathtag.Static(pkg, static))

	return nil
}

// pathAppletField packs two 16-bit ids per parameter word: applet and
// package in param0's low and high halves, class and field in param1's.
func (k *Kernel) pathAppletField() error {
	p0, p1 := k.buf.U32(offParam0), k.buf.U32(offParam1)

	tag := pathtag.AppletField(
		pathtag.AppletID(p0),
		pathtag.PackageID(p0>>16),
		pathtag.ClassID(p1),
		pathtag.FieldID(p1>>16),
	)
	k.putTagResult(tag)

	return nil
}
