// Package irq provides the exception/interrupt dispatch table that the CPU's
// trap gates (see package gate) consult when a fault or device interrupt
// occurs.
package irq

// ExceptionNum identifies one of the CPU's reserved exception vectors (0-31
// on x86).
type ExceptionNum uint8

const (
	// DivideByZero is raised when a DIV/IDIV instruction's divisor is zero.
	DivideByZero = ExceptionNum(0)

	// InvalidOpcode is raised when the CPU cannot decode an instruction.
	InvalidOpcode = ExceptionNum(6)

	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or PDT-entry is not present
	// or when a privilege and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler handles an exception that does not push an error code to
// the stack.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code to
// the stack.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

var (
	handlers         [32]ExceptionHandler
	handlersWithCode [32]ExceptionHandlerWithCode
)

// HandleException registers an exception handler (without an error code) for
// the given exception number.
func HandleException(num ExceptionNum, handler ExceptionHandler) {
	handlers[num] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception number.
func HandleExceptionWithCode(num ExceptionNum, handler ExceptionHandlerWithCode) {
	handlersWithCode[num] = handler
}

// Dispatch is invoked by the trap gate's common stub (package gate) whenever
// a CPU exception fires. It looks up the handler registered for num and
// invokes it, passing errorCode only to handlers registered via
// HandleExceptionWithCode. Unhandled exceptions are silently ignored by the
// dispatcher itself; callers that care about an unhandled fault (e.g. the
// default gate stub) should check IsHandled first.
func Dispatch(num ExceptionNum, errorCode uint64, frame *Frame, regs *Regs) {
	if h := handlersWithCode[num]; h != nil {
		h(errorCode, frame, regs)
		return
	}
	if h := handlers[num]; h != nil {
		h(frame, regs)
	}
}

// IsHandled reports whether a handler has been registered for num.
func IsHandled(num ExceptionNum) bool {
	return handlers[num] != nil || handlersWithCode[num] != nil
}
