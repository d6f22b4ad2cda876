package proc

import (
	"testing"

	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/memspace"
	"github.com/vektor-os/vektor/kernel/signal"
)

// withFakeSpace swaps the memspace-touching vars for fakes that never
// construct a real *memspace.Space (which would dereference an unmapped
// physical address outside a real kernel), restoring the originals on
// cleanup. Every test in this file that calls New/Fork/Reap needs it.
func withFakeSpace(t *testing.T) *int {
	t.Helper()

	destroys := new(int)

	origNew, origClone, origStack, origDestroy := newSpaceFn, cloneSpaceFn, allocKernelStackFn, destroySpaceFn

	newSpaceFn = func() (*memspace.Space, *kernel.Error) { return nil, nil }
	cloneSpaceFn = func(*memspace.Space) (*memspace.Space, *kernel.Error) { return nil, nil }
	allocKernelStackFn = func(*memspace.Space, mem.PageOrder) (uintptr, *kernel.Error) { return 0xf000, nil }
	destroySpaceFn = func(*memspace.Space) { *destroys++ }

	t.Cleanup(func() {
		newSpaceFn, cloneSpaceFn, allocKernelStackFn, destroySpaceFn = origNew, origClone, origStack, origDestroy
	})

	return destroys
}

func TestNewAssignsUniquePids(t *testing.T) {
	withFakeSpace(t)

	a, err := New(0x1000, 0, 0)
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(0x2000, 0, 0)
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	if a.Pid == 0 || b.Pid == 0 {
		t.Fatal("expected both processes to receive a nonzero PID")
	}
	if a.Pid == b.Pid {
		t.Fatalf("expected distinct PIDs, got %d twice", a.Pid)
	}
	if a.State() != Created || b.State() != Created {
		t.Fatal("expected both processes to start in Created")
	}

	if got, ok := Lookup(a.Pid); !ok || got != a {
		t.Fatal("expected Lookup(a.Pid) to return a")
	}
}

func TestForkLinksParentAndChild(t *testing.T) {
	withFakeSpace(t)

	parent, err := New(0x1000, 7, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parent.Regs.EAX = 42
	parent.Priority = 5

	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.Parent != parent {
		t.Fatal("expected child.Parent == parent")
	}
	if child.Pid == parent.Pid {
		t.Fatal("expected the child to receive a distinct PID")
	}
	if child.Regs.EAX != 42 {
		t.Fatalf("expected the child to inherit the parent's register snapshot, got EAX=%d", child.Regs.EAX)
	}
	if child.Priority != 5 {
		t.Fatal("expected the child to inherit the parent's priority")
	}
	if child.OwnerID != parent.OwnerID {
		t.Fatal("expected the child to inherit the parent's OwnerID")
	}

	children := parent.Children()
	if len(children) != 1 || children[0] != child {
		t.Fatalf("expected parent.Children() == [child], got %v", children)
	}
}

func TestExitThenReapRemovesFromTableAndParent(t *testing.T) {
	destroys := withFakeSpace(t)

	parent, err := New(0x1000, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if err := Reap(child); err != errInvalidState {
		t.Fatalf("expected Reap on a non-Terminated process to fail with errInvalidState, got %v", err)
	}

	child.Exit(7)
	if child.State() != Terminated {
		t.Fatal("expected Exit to set state Terminated")
	}
	if child.HasTermSignal() {
		t.Fatal("expected HasTermSignal false after a voluntary Exit")
	}
	if child.ExitStatus != 7 {
		t.Fatalf("expected ExitStatus 7, got %d", child.ExitStatus)
	}

	if err := Reap(child); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	if *destroys != 1 {
		t.Fatalf("expected exactly one space destroyed, got %d", *destroys)
	}
	if _, ok := Lookup(child.Pid); ok {
		t.Fatal("expected the reaped child to be gone from the process table")
	}
	if len(parent.Children()) != 0 {
		t.Fatal("expected the reaped child to be removed from the parent's children")
	}
}

func TestKillRecordsTerminatingSignal(t *testing.T) {
	withFakeSpace(t)

	p, err := New(0x1000, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Kill(signal.SIGSEGV)

	if p.State() != Terminated {
		t.Fatal("expected Kill to set state Terminated")
	}
	if !p.HasTermSignal() {
		t.Fatal("expected HasTermSignal true after Kill")
	}
	if p.TermSignal != signal.SIGSEGV {
		t.Fatalf("expected TermSignal SIGSEGV, got %v", p.TermSignal)
	}
}

func TestSetStateRoundTrips(t *testing.T) {
	withFakeSpace(t)

	p, err := New(0x1000, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.SetState(Waiting)
	if p.State() != Waiting {
		t.Fatal("expected SetState(Waiting) to stick")
	}
	p.SetState(Running)
	if p.State() != Running {
		t.Fatal("expected SetState(Running) to stick")
	}
}
