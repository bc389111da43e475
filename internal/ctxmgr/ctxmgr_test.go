package ctxmgr

import (
	"errors"
	"testing"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/mpu"
	"github.com/elewis/cardos/internal/status"
)

func TestCreate_AssignsStackAndReentSlots(tt *testing.T) {
	m := New()

	ctx, err := m.Create()
	if err != nil {
		tt.Fatalf("Create: %v", err)
	}

	if ctx.Stack.Base != mpu.StackBase(0) {
		tt.Errorf("stack base: want %#x, got %#x", mpu.StackBase(0), ctx.Stack.Base)
	}

	if ctx.ReentState != mpu.ReentStateBase(0) {
		tt.Errorf("reent state: want %#x, got %#x", mpu.ReentStateBase(0), ctx.ReentState)
	}

	if got := ctx.Registers[SP]; got != ctx.Stack.Base+ctx.Stack.Size {
		tt.Errorf("SP: want top of stack %#x, got %#x", ctx.Stack.Base+ctx.Stack.Size, got)
	}
}

func TestCreate_ExhaustsSlots(tt *testing.T) {
	m := New()

	for i := 0; i < config.NumContexts; i++ {
		if _, err := m.Create(); err != nil {
			tt.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := m.Create()
	if !errors.Is(err, status.ErrNoSpace) {
		tt.Errorf("Create beyond capacity: want ErrNoSpace, got %v", err)
	}
}

func TestDestroy_RecyclesSlot(tt *testing.T) {
	m := New()

	first, err := m.Create()
	if err != nil {
		tt.Fatalf("Create: %v", err)
	}

	if err := m.Destroy(first.ID); err != nil {
		tt.Fatalf("Destroy: %v", err)
	}

	second, err := m.Create()
	if err != nil {
		tt.Fatalf("Create after Destroy: %v", err)
	}

	if second.Stack.Base != first.Stack.Base {
		tt.Errorf("slot not recycled: want stack base %#x, got %#x",
			first.Stack.Base, second.Stack.Base)
	}
}

func TestEnterLeave_NestsAndRestoresPrivilege(tt *testing.T) {
	m := New()

	outer, _ := m.Create()
	inner, _ := m.Create()

	if m.Privilege() != PrivilegeKernel {
		tt.Fatal("manager should start privileged")
	}

	if err := m.Enter(outer.ID, 0x1000); err != nil {
		tt.Fatalf("Enter outer: %v", err)
	}

	if m.Privilege() != PrivilegeUser {
		tt.Error("privilege not dropped on Enter")
	}

	if err := m.Enter(inner.ID, 0x2000); err != nil {
		tt.Fatalf("Enter inner: %v", err)
	}

	if inner.Parent != outer.ID {
		tt.Errorf("inner parent: want %d, got %d", outer.ID, inner.Parent)
	}

	resumed, err := m.Leave()
	if err != nil {
		tt.Fatalf("Leave: %v", err)
	}

	if resumed == nil || resumed.ID != outer.ID {
		tt.Errorf("Leave: want outer to resume, got %v", resumed)
	}

	resumed, err = m.Leave()
	if err != nil {
		tt.Fatalf("Leave: %v", err)
	}

	if resumed != nil {
		tt.Errorf("Leave: want kernel to resume, got %v", resumed)
	}

	if m.Privilege() != PrivilegeKernel {
		tt.Error("privilege not restored after final Leave")
	}
}

func TestEnter_MPUGrantsOnlyOwnStack(tt *testing.T) {
	m := New()

	a, _ := m.Create()
	b, _ := m.Create()

	if err := m.Enter(a.ID, 0x1000); err != nil {
		tt.Fatalf("Enter: %v", err)
	}

	if err := m.CheckCallerAccess(a.Stack.Base, 4, mpu.AccessRW); err != nil {
		tt.Errorf("own stack should be writable: %v", err)
	}

	if err := m.CheckCallerAccess(b.Stack.Base, 4, mpu.AccessRW); err == nil {
		tt.Error("sibling stack should not be reachable")
	}
}

func TestFault_TerminatesContextWithTypedError(tt *testing.T) {
	m := New()

	ctx, _ := m.Create()
	if err := m.Enter(ctx.ID, 0x1000); err != nil {
		tt.Fatalf("Enter: %v", err)
	}

	cause := m.CheckCallerAccess(0x20000000, 4, mpu.AccessW) // OS-private
	if cause == nil {
		tt.Fatal("expected an access violation to use as fault cause")
	}

	fault, err := m.Fault(cause)
	if err != nil {
		tt.Fatalf("Fault: %v", err)
	}

	if !errors.Is(fault, status.ErrContextFault) {
		tt.Error("fault should match status.ErrContextFault")
	}

	var cf *Fault
	if !errors.As(fault, &cf) || cf.ID != ctx.ID {
		tt.Errorf("fault should carry the terminated context id, got %v", cf)
	}

	if m.Depth() != 0 {
		tt.Errorf("context stack should be empty after fault, depth=%d", m.Depth())
	}

	if err := m.Destroy(ctx.ID); !errors.Is(err, status.ErrNotFound) {
		tt.Errorf("context should already be destroyed, got %v", err)
	}
}

func TestEnter_RejectsReentry(tt *testing.T) {
	m := New()

	ctx, _ := m.Create()
	if err := m.Enter(ctx.ID, 0x1000); err != nil {
		tt.Fatalf("Enter: %v", err)
	}

	if err := m.Enter(ctx.ID, 0x1000); !errors.Is(err, status.ErrInvalidArgument) {
		tt.Errorf("re-entering an active context: want ErrInvalidArgument, got %v", err)
	}
}
