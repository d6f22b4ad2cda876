package gate

// gateDescriptor is one 8-byte i386 IDT entry: a 32-bit handler address
// split across an offset-low/offset-high pair, the code-segment selector,
// and a type/flags byte (present, DPL, 32-bit interrupt-gate).
type gateDescriptor struct {
	offsetLow  uint16
	selector   uint16
	zero       uint8
	typeAttr   uint8
	offsetHigh uint16
}

// installIDT populates the IDT with one trap or interrupt gate per vector
// 0-47, each pointing at commonStub, and loads it into the CPU with LIDT.
// All 48 gates are installed non-present until HandleException/Init's
// per-vector registration enables the ones this kernel actually handles;
// an unhandled vector double-faults rather than running off into
// uninitialized memory. Implemented in the matching .s file.
func installIDT()

// commonStub is every gate's entry point: it saves the register snapshot
// irq.Regs/irq.Frame describe, reads the vector number and (for the two
// vectors that push one) the hardware error code off the stack, and calls
// into irq.Dispatch before restoring state and executing IRET. Implemented
// in the matching .s file.
func commonStub()
