package syscall

import (
	"bytes"
	"testing"

	"github.com/elewis/cardos/internal/ctxmgr"
	"github.com/elewis/cardos/internal/flash"
	"github.com/elewis/cardos/internal/fs"
	"github.com/elewis/cardos/internal/pathtag"
	"github.com/elewis/cardos/internal/status"
)

// trapHarness wires a kernel over an in-memory device, the way the
// emulator harness collaborator would on a host.
type trapHarness struct {
	tt *testing.T
	k  *Kernel
}

func newHarness(tt *testing.T) *trapHarness {
	tt.Helper()

	dev := flash.NewMemDevice(4, 1024)
	f := fs.New(dev)
	mgr := ctxmgr.New()

	k := NewKernel(f, mgr)

	if code := k.Dispatch(FSInit); code != status.OK {
		tt.Fatalf("FSInit: status %s", code)
	}

	return &trapHarness{tt: tt, k: k}
}

func (h *trapHarness) write(tag string, data []byte) {
	h.tt.Helper()

	buf := h.k.Buf()
	buf.SetTag([]byte(tag))
	buf.SetData(data)

	if code := h.k.Dispatch(FSWrite); code != status.OK {
		h.tt.Fatalf("FSWrite(%q): status %s", tag, code)
	}
}

func TestDispatch_WriteReadRoundTrip(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	h.write("test", []byte("value"))

	buf.SetTag([]byte("test"))
	buf.SetParams(8, 0)

	if code := h.k.Dispatch(FSRead); code != status.OK {
		tt.Fatalf("FSRead: status %s", code)
	}

	if n := buf.Param0(); n != 5 {
		tt.Errorf("FSRead length: want 5, got %d", n)
	}

	want := append([]byte("value"), 0, 0, 0)
	if !bytes.Equal(buf.Data(8), want) {
		tt.Errorf("FSRead data: want %q, got %q", want, buf.Data(8))
	}
}

func TestDispatch_ExistsAndLength(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	h.write("test", []byte("value"))

	buf.SetTag([]byte("test"))
	if code := h.k.Dispatch(FSExists); code != status.OK {
		tt.Fatalf("FSExists: status %s", code)
	}

	if buf.Param0() != 1 {
		tt.Error("FSExists: want 1")
	}

	buf.SetTag([]byte("test"))
	if code := h.k.Dispatch(FSLength); code != status.OK {
		tt.Fatalf("FSLength: status %s", code)
	}

	if buf.Param0() != 5 {
		tt.Errorf("FSLength: want 5, got %d", buf.Param0())
	}
}

func TestDispatch_RandomAccess(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	h.write("test", []byte("value"))

	// Little-endian of "valu".
	buf.SetTag([]byte("test"))
	buf.SetParams(0, 0)

	if code := h.k.Dispatch(FSRead4BAt); code != status.OK {
		tt.Fatalf("FSRead4BAt: status %s", code)
	}

	if got := buf.Param1(); got != 0x756c6176 {
		tt.Errorf("FSRead4BAt: want 0x756c6176, got %#x", got)
	}

	buf.SetTag([]byte("test"))
	buf.SetParams(0, 0x12653487)

	if code := h.k.Dispatch(FSWrite4BAt); code != status.OK {
		tt.Fatalf("FSWrite4BAt: status %s", code)
	}

	buf.SetTag([]byte("test"))
	buf.SetParams(0, 0)

	if code := h.k.Dispatch(FSRead4BAt); code != status.OK {
		tt.Fatalf("FSRead4BAt after write: status %s", code)
	}

	if got := buf.Param1(); got != 0x12653487 {
		tt.Errorf("FSRead4BAt after write: want 0x12653487, got %#x", got)
	}
}

func TestDispatch_EraseThenNotFound(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	h.write("test", []byte("value"))

	buf.SetTag([]byte("test"))
	if code := h.k.Dispatch(FSErase); code != status.OK {
		tt.Fatalf("FSErase: status %s", code)
	}

	buf.SetTag([]byte("test"))
	if code := h.k.Dispatch(FSExists); code != status.OK || buf.Param0() != 0 {
		tt.Errorf("FSExists after erase: want 0, got %d (status %s)", buf.Param0(), code)
	}

	buf.SetTag([]byte("test"))
	if code := h.k.Dispatch(FSLength); code != status.NotFound {
		tt.Errorf("FSLength after erase: want NotFound, got %s", code)
	}
}

func TestDispatch_RejectsBadTagLength(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	buf.PutU8(1, 0) // tag_len = 0
	if code := h.k.Dispatch(FSWrite); code != status.InvalidArgument {
		tt.Errorf("tag_len 0: want InvalidArgument, got %s", code)
	}

	buf.PutU8(1, 33)
	if code := h.k.Dispatch(FSWrite); code != status.InvalidArgument {
		tt.Errorf("tag_len 33: want InvalidArgument, got %s", code)
	}
}

func TestDispatch_RejectsOversizedLength(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	buf.SetTag([]byte("test"))
	buf.SetParams(DataCap+1, 0)

	if code := h.k.Dispatch(FSWrite); code != status.InvalidArgument {
		tt.Errorf("oversized write: want InvalidArgument, got %s", code)
	}

	buf.SetTag([]byte("test"))
	buf.SetParams(DataCap+1, 0)

	if code := h.k.Dispatch(FSRead); code != status.InvalidArgument {
		tt.Errorf("oversized read: want InvalidArgument, got %s", code)
	}
}

func TestDispatch_RejectsUnknownNumber(tt *testing.T) {
	h := newHarness(tt)

	if code := h.k.Dispatch(NumSyscalls); code != status.InvalidArgument {
		tt.Errorf("unknown syscall: want InvalidArgument, got %s", code)
	}
}

func TestDispatch_PathSyscallsMatchPathtag(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	if code := h.k.Dispatch(PathPackageList); code != status.OK {
		tt.Fatalf("PathPackageList: status %s", code)
	}

	if !bytes.Equal(buf.Tag(), pathtag.PackageList()) {
		tt.Errorf("PathPackageList: want %x, got %x", pathtag.PackageList(), buf.Tag())
	}

	buf.SetParams(7, 0)
	if code := h.k.Dispatch(PathCAP); code != status.OK {
		tt.Fatalf("PathCAP: status %s", code)
	}

	if !bytes.Equal(buf.Tag(), pathtag.CAP(7)) {
		tt.Errorf("PathCAP: want %x, got %x", pathtag.CAP(7), buf.Tag())
	}

	// applet=1, pkg=2 in param0; class=3, field=4 in param1.
	buf.SetParams(1|2<<16, 3|4<<16)
	if code := h.k.Dispatch(PathAppletField); code != status.OK {
		tt.Fatalf("PathAppletField: status %s", code)
	}

	if want := pathtag.AppletField(1, 2, 3, 4); !bytes.Equal(buf.Tag(), want) {
		tt.Errorf("PathAppletField: want %x, got %x", want, buf.Tag())
	}
}

func TestDispatch_SetGetArgBuf(tt *testing.T) {
	h := newHarness(tt)
	buf := h.k.Buf()

	copy(buf.Data(5), "hello")
	buf.SetParams(100, 5)

	if code := h.k.Dispatch(SetArgBuf); code != status.OK {
		tt.Fatalf("SetArgBuf: status %s", code)
	}

	copy(buf.Data(5), "xxxxx")
	buf.SetParams(100, 5)

	if code := h.k.Dispatch(GetArgBuf); code != status.OK {
		tt.Fatalf("GetArgBuf: status %s", code)
	}

	if !bytes.Equal(buf.Data(5), []byte("hello")) {
		tt.Errorf("GetArgBuf: want hello, got %q", buf.Data(5))
	}
}

// Syscalls run on behalf of the top context; the argument buffer lives
// in shared RW, which every context may reach, so dispatch succeeds
// from an unprivileged context exactly as from the kernel.
func TestDispatch_FromUnprivilegedContext(tt *testing.T) {
	dev := flash.NewMemDevice(4, 1024)
	f := fs.New(dev)
	mgr := ctxmgr.New()
	k := NewKernel(f, mgr)

	if code := k.Dispatch(FSInit); code != status.OK {
		tt.Fatalf("FSInit: status %s", code)
	}

	ctx, err := mgr.Create()
	if err != nil {
		tt.Fatalf("Create: %v", err)
	}

	if err := mgr.Enter(ctx.ID, 0x1000); err != nil {
		tt.Fatalf("Enter: %v", err)
	}

	buf := k.Buf()
	buf.SetTag([]byte("applet"))
	buf.SetData([]byte("state"))

	if code := k.Dispatch(FSWrite); code != status.OK {
		tt.Errorf("FSWrite from context: status %s", code)
	}
}
