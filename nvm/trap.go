// Package nvm implements the Neurlang virtual machine core: execution
// contexts, the capability manager, taint tracking, the I/O runtime and
// the tree-walking interpreter.
//
// The copy-and-patch compiler in nvm/stencil shares this package's frame
// layout so both execution strategies drive identical state.
package nvm

// MachineState is the lifecycle state of an execution context.
type MachineState uint8

const (
	Running MachineState = iota
	Halted               // HALT executed; r0 is the result
	Trapped              // structured abnormal termination; see TrapKind
)

func (s MachineState) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Trapped:
		return "trapped"
	}
	return "unknown"
}

// TrapKind identifies a structured trap. Values are part of the ABI with
// generated code: stencil epilogues store them directly into the frame.
type TrapKind uint8

const (
	TrapNone TrapKind = iota

	// Decode faults, always fatal.
	TrapInvalidOpcode
	TrapInvalidRegister
	TrapTruncatedImmediate

	// Capability faults, in fixed check order.
	TrapInvalidTag
	TrapOutOfBounds
	TrapPermissionDenied
	TrapWidened

	// Data-safety faults.
	TrapTaintViolation
	TrapDivByZero

	// The instruction budget was reached. Deliberate and retryable.
	TrapResourceExhausted

	// Explicit TRAP instruction.
	TrapBreakpoint
	TrapUser
)

func (t TrapKind) String() string {
	switch t {
	case TrapNone:
		return "none"
	case TrapInvalidOpcode:
		return "invalid-opcode"
	case TrapInvalidRegister:
		return "invalid-register"
	case TrapTruncatedImmediate:
		return "truncated-immediate"
	case TrapInvalidTag:
		return "invalid-tag"
	case TrapOutOfBounds:
		return "out-of-bounds"
	case TrapPermissionDenied:
		return "permission-denied"
	case TrapWidened:
		return "widened"
	case TrapTaintViolation:
		return "taint-violation"
	case TrapDivByZero:
		return "div-by-zero"
	case TrapResourceExhausted:
		return "resource-exhausted"
	case TrapBreakpoint:
		return "breakpoint"
	case TrapUser:
		return "user-trap"
	}
	return "unknown"
}
