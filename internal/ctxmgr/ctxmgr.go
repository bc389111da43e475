// Package ctxmgr manages the unprivileged execution contexts applets
// run in: the saved register file, the private stack region, the
// per-context reentrancy slot in shared RW, and the LIFO context stack
// that tracks nested enter/leave calls. The MPU is reconfigured on
// every transition so that an unprivileged context can reach exactly
// its own stack plus the shared regions, never OS-private memory or a
// sibling's stack.
//
// Context allocation is a fixed free-list over the static stack
// reservation internal/config computes; there is no general-purpose
// kernel heap behind it. Hardening the allocator (zeroing stacks on
// free, quarantining recently destroyed slots) is an extension point,
// not implemented.
package ctxmgr

import (
	"fmt"
	"strings"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/log"
	"github.com/elewis/cardos/internal/mpu"
	"github.com/elewis/cardos/internal/status"
)

// ContextID identifies a live context. IDs are small integers assigned
// from an incrementing counter at Create; Destroy frees the context's
// stack slot, not its ID.
type ContextID uint8

// NoContext is the parent of the first context entered from the kernel.
const NoContext ContextID = 0xff

// Saved register indices, Cortex-M shaped: thirteen general-purpose
// registers, stack pointer, link register, program counter and status.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
	XPSR

	NumSavedRegisters
)

// RegisterFile is the register state saved for a suspended context and
// restored when it resumes.
type RegisterFile [NumSavedRegisters]uint32

func (rf RegisterFile) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "SP: %#08x LR: %#08x PC: %#08x xPSR: %#08x\n",
		rf[SP], rf[LR], rf[PC], rf[XPSR])

	for i := R0; i <= R12; i++ {
		fmt.Fprintf(&b, "R%-2d: %#08x ", i, rf[i])

		if (i+1)%4 == 0 {
			fmt.Fprintln(&b)
		}
	}

	return b.String()
}

func (rf RegisterFile) LogValue() log.Value {
	return log.GroupValue(
		log.String("SP", fmt.Sprintf("%#08x", rf[SP])),
		log.String("LR", fmt.Sprintf("%#08x", rf[LR])),
		log.String("PC", fmt.Sprintf("%#08x", rf[PC])),
		log.String("XPSR", fmt.Sprintf("%#08x", rf[XPSR])),
	)
}

// Privilege is the execution privilege of the CPU: kernel code runs
// privileged, applet contexts never do.
type Privilege uint8

const (
	PrivilegeKernel Privilege = iota
	PrivilegeUser
)

func (p Privilege) String() string {
	if p == PrivilegeKernel {
		return "kernel"
	}

	return "user"
}

// Context is one applet execution environment. Registers holds the
// saved state while the context is suspended; Stack is its private
// stack region; ReentState is the address of its slot in the shared RW
// reentrancy area; Parent is the context that entered it, or NoContext
// if the kernel did.
type Context struct {
	ID         ContextID
	Registers  RegisterFile
	Stack      mpu.Region
	ReentState uint32
	Parent     ContextID

	slot int
}

func (c *Context) String() string {
	return fmt.Sprintf("Context(%d,slot:%d,stack:%#08x)", c.ID, c.slot, c.Stack.Base)
}

// Fault is the typed error a misbehaving context is terminated with:
// an MPU access violation or an illegal instruction, carried to the
// caller as ContextFault.
type Fault struct {
	ID    ContextID
	cause error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("context %d fault: %s", f.ID, f.cause)
}

func (f *Fault) Is(target error) bool {
	if _, ok := target.(*Fault); ok {
		return true
	}

	return target == status.ErrContextFault
}

func (f *Fault) As(target any) bool {
	if err, ok := target.(**Fault); ok {
		*err = f
		return true
	}

	return false
}

// Unwrap exposes the underlying cause, so errors.Is can still match
// e.g. mpu.ErrAccessDenied through the fault.
func (f *Fault) Unwrap() error { return f.cause }

// Manager owns every live context and the context stack. It is a
// kernel-owned singleton with a single writer; there is no locking
// because there is no second thread of control.
type Manager struct {
	contexts map[ContextID]*Context
	slots    [config.NumContexts]ContextID // per stack slot; NoContext = free
	stack    []ContextID                   // LIFO, top is the active context
	regions  []mpu.Region                  // MPU view for the current top
	priv     Privilege
	nextID   ContextID

	log *log.Logger
}

// An OptionFn modifies the manager during initialization.
type OptionFn func(*Manager)

func WithLogger(logger *log.Logger) OptionFn {
	return func(m *Manager) { m.log = logger }
}

// New creates a manager with no live contexts. The CPU starts
// privileged with the full kernel region table, the way boot leaves it.
func New(opts ...OptionFn) *Manager {
	m := &Manager{
		contexts: make(map[ContextID]*Context),
		regions:  mpu.Table(),
		priv:     PrivilegeKernel,
		log:      log.DefaultLogger(),
	}

	for i := range m.slots {
		m.slots[i] = NoContext
	}

	for _, fn := range opts {
		fn(m)
	}

	return m
}

// Create allocates a context: a free stack slot, a reentrancy slot at
// the matching index in shared RW, and a zeroed register file with SP
// at the top of the private stack. It fails with NoSpace when every
// slot is taken.
func (m *Manager) Create() (*Context, error) {
	slot := -1

	for i, owner := range m.slots {
		if owner == NoContext {
			slot = i
			break
		}
	}

	if slot < 0 {
		return nil, fmt.Errorf("ctxmgr: all %d context slots in use: %w",
			config.NumContexts, status.ErrNoSpace)
	}

	ctx := &Context{
		ID: m.nextID,
		Stack: mpu.Region{
			Name: fmt.Sprintf("stack-%d", slot),
			Base: mpu.StackBase(slot),
			Size: config.PrivateStackSize,
			Priv: mpu.AccessRW,
		},
		ReentState: mpu.ReentStateBase(slot),
		Parent:     NoContext,
		slot:       slot,
	}

	// Stacks grow down from the top of the region.
	ctx.Registers[SP] = ctx.Stack.Base + ctx.Stack.Size

	m.slots[slot] = ctx.ID
	m.contexts[ctx.ID] = ctx
	m.nextID++

	m.log.Debug("ctxmgr: created context", "context", ctx.ID, "slot", slot)

	return ctx, nil
}

// Destroy frees a context and its stack slot. A context on the context
// stack cannot be destroyed.
func (m *Manager) Destroy(id ContextID) error {
	ctx, ok := m.contexts[id]
	if !ok {
		return fmt.Errorf("ctxmgr: no such context %d: %w", id, status.ErrNotFound)
	}

	for _, active := range m.stack {
		if active == id {
			return fmt.Errorf("ctxmgr: context %d is on the context stack: %w",
				id, status.ErrInvalidArgument)
		}
	}

	m.slots[ctx.slot] = NoContext
	delete(m.contexts, id)

	m.log.Debug("ctxmgr: destroyed context", "context", id)

	return nil
}

// Enter pushes id onto the context stack, records its parent,
// reconfigures the MPU so unprivileged code reaches exactly the shared
// regions plus id's own stack, drops privilege, and points the saved PC
// at entry. The actual jump belongs to the emulator harness or the real
// exception-return sequence; the manager's job ends at the state.
func (m *Manager) Enter(id ContextID, entry uint32) error {
	ctx, ok := m.contexts[id]
	if !ok {
		return fmt.Errorf("ctxmgr: no such context %d: %w", id, status.ErrNotFound)
	}

	for _, active := range m.stack {
		if active == id {
			return fmt.Errorf("ctxmgr: context %d is already active: %w",
				id, status.ErrInvalidArgument)
		}
	}

	if top, ok := m.Active(); ok {
		ctx.Parent = top.ID
	} else {
		ctx.Parent = NoContext
	}

	ctx.Registers[PC] = entry

	m.stack = append(m.stack, id)
	m.regions = mpu.Configure(ctx.slot)
	m.priv = PrivilegeUser

	m.log.Debug("ctxmgr: entered context",
		"context", id, "parent", ctx.Parent, "entry", fmt.Sprintf("%#08x", entry))

	return nil
}

// Leave pops the active context, reversing Enter: the MPU is
// reconfigured for the parent (or back to the full kernel table when
// the stack empties), and privilege is restored accordingly. It returns
// the context that resumes, or nil when control returns to the kernel.
// Marshalling the result into the argument buffer is the syscall
// layer's job.
func (m *Manager) Leave() (*Context, error) {
	top, ok := m.Active()
	if !ok {
		return nil, fmt.Errorf("ctxmgr: context stack is empty: %w", status.ErrInvalidArgument)
	}

	m.stack = m.stack[:len(m.stack)-1]

	resumed, ok := m.Active()
	if !ok {
		m.regions = mpu.Table()
		m.priv = PrivilegeKernel

		m.log.Debug("ctxmgr: left context, kernel resumes", "context", top.ID)

		return nil, nil
	}

	m.regions = mpu.Configure(resumed.slot)
	m.priv = PrivilegeUser

	m.log.Debug("ctxmgr: left context", "context", top.ID, "resumed", resumed.ID)

	return resumed, nil
}

// Fault terminates the active context after an MPU violation or illegal
// instruction: the context is popped and destroyed, and the returned
// *Fault carries cause to the caller as a ContextFault. The kernel
// never panics on unprivileged misbehaviour.
func (m *Manager) Fault(cause error) (*Fault, error) {
	top, ok := m.Active()
	if !ok {
		return nil, fmt.Errorf("ctxmgr: fault with empty context stack: %w", status.ErrInvalidArgument)
	}

	if _, err := m.Leave(); err != nil {
		return nil, err
	}

	if err := m.Destroy(top.ID); err != nil {
		return nil, err
	}

	fault := &Fault{ID: top.ID, cause: cause}

	m.log.Warn("ctxmgr: context terminated on fault", "context", top.ID, "cause", cause.Error())

	return fault, nil
}

// Active returns the top of the context stack.
func (m *Manager) Active() (*Context, bool) {
	if len(m.stack) == 0 {
		return nil, false
	}

	return m.contexts[m.stack[len(m.stack)-1]], true
}

// Depth returns the number of nested contexts on the context stack.
func (m *Manager) Depth() int { return len(m.stack) }

// Privilege returns the current execution privilege.
func (m *Manager) Privilege() Privilege { return m.priv }

// Regions returns the MPU region set currently in effect.
func (m *Manager) Regions() []mpu.Region { return m.regions }

// CheckCallerAccess validates that the active caller could reach
// addr..addr+length with access want under the current MPU view, at the
// current privilege. Syscall entry uses it to reject pointers outside
// caller-legal regions before touching FS state.
func (m *Manager) CheckCallerAccess(addr, length uint32, want mpu.Access) error {
	return mpu.Check(m.regions, addr, length, want, m.priv == PrivilegeKernel)
}
