package sched

import "github.com/vektor-os/vektor/kernel/irq"

// resumeContext restores regs onto the CPU and resumes execution at
// frame.EIP. When syscalling is true the process was preempted mid
// kernel-mode syscall and resumes at ring 0 without an IRET; otherwise it
// resumes at ring 3 via IRET using frame's saved segment selectors and
// flags. Implemented in the matching .s file, alongside the trap-gate stubs
// package gate installs. Never returns.
func resumeContext(regs *irq.Regs, frame *irq.Frame, syscalling bool)
