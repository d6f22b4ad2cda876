// Package proc implements the kernel's process object (spec.md 4.6): PID
// allocation, the process state machine, parent/child links, and fork.
// It owns no scheduling policy of its own - package sched links and
// unlinks processes on WAITING transitions and drives the actual context
// switch; proc only guarantees the invariants the process table itself is
// responsible for (PID uniqueness, parent/child bookkeeping, one owning
// memory space per process).
package proc

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/irq"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/memspace"
	"github.com/vektor-os/vektor/kernel/signal"
	"github.com/vektor-os/vektor/kernel/sync"
)

// Pid identifies a process. Zero is never assigned.
type Pid uint32

// PidMax bounds Pid per spec.md's "PID in [1, PID_MAX)" invariant.
const PidMax = Pid(1 << 16)

// State is one node of spec.md 4.6's process state machine.
type State uint8

const (
	// Created is the state a process occupies between New() and the
	// first time it is handed to the scheduler.
	Created State = iota

	// Waiting processes are linked into the scheduler's list and are
	// eligible to be chosen as the next RUNNING process.
	Waiting

	// Running is held by at most one process at a time.
	Running

	// Blocked processes are waiting on an event other than their turn
	// to run (e.g. a future I/O wait primitive); not scheduler-visible.
	Blocked

	// Stopped processes are suspended (e.g. job-control SIGSTOP
	// semantics) without being terminated.
	Stopped

	// Terminated is the terminal state; the process table keeps the
	// entry until Reap removes it.
	Terminated
)

var errInvalidState = &kernel.Error{Module: "proc", Message: "process not in the expected state for this operation"}
var errPidExhausted = &kernel.Error{Module: "proc", Message: "no free PID available"}

// Process is the kernel's process control block.
type Process struct {
	Pid    Pid
	Parent *Process

	// OwnerID identifies the user/principal the process runs as; not
	// otherwise interpreted by this package.
	OwnerID uint32

	// Regs/Frame hold the register snapshot spec.md 4.6 names
	// (general-purpose + EIP/CS/EFLAGS/ESP/SS) taken by the trap gate's
	// common stub at the moment this process was last preempted.
	Regs  irq.Regs
	Frame irq.Frame

	UserStackTop   uintptr
	KernelStackTop uintptr

	// Space is this process's virtual address layout and page
	// directory; nil only for a process that failed construction.
	Space *memspace.Space

	// Syscalling is true if this process was preempted while executing
	// a kernel-mode syscall; sched.Switch consults it to decide whether
	// resuming returns to ring 0 or ring 3.
	Syscalling bool

	Actions signal.ActionTable
	Signals signal.Queue

	// ExitStatus is the value passed to Exit, or implied by the signal
	// that caused Kill to terminate the process.
	ExitStatus int32
	TermSignal signal.Num
	hasTermSig bool

	// Entry is the process's initial instruction pointer, recorded for
	// diagnostics; Regs/Frame (not Entry) govern where execution resumes
	// once the process has run at least once.
	Entry uintptr

	// Priority biases quantum length (spec.md 4.6: quantum = 128 +
	// Priority, clamped positive). Left at the package default of 0
	// unless the creator sets it before the process is first scheduled.
	Priority int8

	// SchedNext/SchedPrev/SchedQuanta are owned by package sched: the
	// scheduler-list node and elapsed-quantum counter spec.md 4.6
	// attributes to the process. proc never reads or writes these
	// fields itself.
	SchedNext, SchedPrev *Process
	SchedQuanta          uint32

	children []*Process
	state    State
	lock     sync.IRQSpinlock
}

var (
	tableLock sync.IRQSpinlock
	table     = make(map[Pid]*Process)
	nextPid   = Pid(1)

	// newSpaceFn, cloneSpaceFn, allocKernelStackFn and destroySpaceFn
	// wrap every point this package touches package memspace, mirroring
	// memspace's own newPageTable/frameAllocFn idiom one layer up: a
	// *memspace.Space cannot be safely constructed outside package
	// memspace in a hosted test binary (its PDT frame is a real physical
	// address), so tests override these instead of calling through to
	// memspace at all.
	newSpaceFn         = memspace.New
	cloneSpaceFn       = func(s *memspace.Space) (*memspace.Space, *kernel.Error) { return s.Clone() }
	allocKernelStackFn = func(s *memspace.Space, order mem.PageOrder) (uintptr, *kernel.Error) {
		return s.AllocKernelStack(order)
	}
	destroySpaceFn = func(s *memspace.Space) { s.Destroy() }
)

// New creates a process with a fresh memory space and kernel stack, in the
// Created state, with no parent. entry is recorded for diagnostics only.
func New(entry uintptr, ownerID uint32, stackOrder mem.PageOrder) (*Process, *kernel.Error) {
	space, err := newSpaceFn()
	if err != nil {
		return nil, err
	}

	stackTop, err := allocKernelStackFn(space, stackOrder)
	if err != nil {
		destroySpaceFn(space)
		return nil, err
	}

	p := &Process{
		OwnerID:        ownerID,
		Space:          space,
		KernelStackTop: stackTop,
		Entry:          entry,
		state:          Created,
	}

	if err := assignPid(p); err != nil {
		destroySpaceFn(space)
		return nil, err
	}
	return p, nil
}

// Fork creates a child of p: a copy-on-write clone of p's memory space (via
// memspace.Space.Clone), a fresh kernel stack, the parent's register
// snapshot (so the child resumes exactly where the parent was preempted),
// and an inherited, independent copy of the parent's signal action table.
// The child starts in Created state and is linked into p's children.
func (p *Process) Fork(stackOrder mem.PageOrder) (*Process, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	childSpace, err := cloneSpaceFn(p.Space)
	if err != nil {
		return nil, err
	}

	stackTop, err := allocKernelStackFn(childSpace, stackOrder)
	if err != nil {
		destroySpaceFn(childSpace)
		return nil, err
	}

	child := &Process{
		Parent:         p,
		OwnerID:        p.OwnerID,
		Space:          childSpace,
		KernelStackTop: stackTop,
		Regs:           p.Regs,
		Frame:          p.Frame,
		Syscalling:     p.Syscalling,
		Entry:          p.Entry,
		Priority:       p.Priority,
		Actions:        p.Actions,
		state:          Created,
	}

	if err := assignPid(child); err != nil {
		destroySpaceFn(childSpace)
		return nil, err
	}

	p.children = append(p.children, child)
	return child, nil
}

// assignPid finds an unused Pid in [1, PidMax), installs p into the process
// table under it, and sets p.Pid. Called with no lock held other than the
// caller's own (New/Fork never hold tableLock across their own calls).
func assignPid(p *Process) *kernel.Error {
	tableLock.Acquire()
	defer tableLock.Release()

	start := nextPid
	for {
		if _, taken := table[nextPid]; !taken && nextPid != 0 {
			p.Pid = nextPid
			table[nextPid] = p
			nextPid++
			if nextPid >= PidMax {
				nextPid = 1
			}
			return nil
		}
		nextPid++
		if nextPid >= PidMax {
			nextPid = 1
		}
		if nextPid == start {
			return errPidExhausted
		}
	}
}

// Lookup returns the process registered under pid, if any.
func Lookup(pid Pid) (*Process, bool) {
	tableLock.Acquire()
	defer tableLock.Release()
	p, ok := table[pid]
	return p, ok
}

// All returns every process still in the table, including TERMINATED ones
// awaiting reap. Used by the buddy allocator's OOM-killer hook to rank
// victims by resident page count.
func All() []*Process {
	tableLock.Acquire()
	defer tableLock.Release()

	procs := make([]*Process, 0, len(table))
	for _, p := range table {
		procs = append(procs, p)
	}
	return procs
}

// State returns the process's current state.
func (p *Process) State() State {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.state
}

// SetState installs s as the process's state. Per spec.md 4.6's state-set
// policy, linking into or out of the scheduler's WAITING list is the
// caller's responsibility (package sched) - this method only updates the
// field, guarded by the process's own lock.
func (p *Process) SetState(s State) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.state = s
}

// Children returns the process's live children.
func (p *Process) Children() []*Process {
	p.lock.Acquire()
	defer p.lock.Release()
	return append([]*Process(nil), p.children...)
}

// Exit transitions p to Terminated with the given exit status. Per spec.md's
// cancellation policy, p's memory space and kernel stack are not released
// here: they are reaped once the parent observes the status via Reap. The
// caller (package sched, or the gate package's HLT-exit path) is
// responsible for unlinking p from the scheduler's WAITING list beforehand
// if it was linked.
func (p *Process) Exit(status int32) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.ExitStatus = status
	p.hasTermSig = false
	p.state = Terminated
}

// Kill terminates p as the default action for an undelivered signal (spec.md
// 4.7's process_kill): p.ExitStatus carries no meaning in this path, and
// TermSignal/HasTermSignal report the cause instead.
func (p *Process) Kill(sig signal.Num) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.TermSignal = sig
	p.hasTermSig = true
	p.state = Terminated
}

// HasTermSignal reports whether p was terminated by Kill (a signal) rather
// than a voluntary Exit.
func (p *Process) HasTermSignal() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.hasTermSig
}

// Reap releases a Terminated process's memory space and removes it from the
// process table and its parent's children list. Returns errInvalidState if
// p has not terminated yet.
func Reap(p *Process) *kernel.Error {
	if p.State() != Terminated {
		return errInvalidState
	}

	destroySpaceFn(p.Space)

	tableLock.Acquire()
	delete(table, p.Pid)
	tableLock.Release()
	if parent := p.Parent; parent != nil {
		parent.lock.Acquire()
		for i, c := range parent.children {
			if c == p {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.lock.Release()
	}
	return nil
}
