package nvm

import (
	"fmt"
	"unsafe"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
)

// DefaultMemorySize is the linear memory size when Options leaves it zero.
const DefaultMemorySize = 1 << 20

// DefaultMaxInstructions bounds runaway programs when Options leaves the
// ceiling zero. The ceiling is the only cooperative cancellation point.
const DefaultMaxInstructions = 1_000_000

// Options configures one execution context. The zero value is safe and
// fails closed: unprivileged, taint violations trap.
type Options struct {
	MemorySize      uint64
	MaxInstructions uint64

	// Privileged permits CAPNEW. Capability minting from program code is
	// disabled by default; the host-side Mint API is always privileged.
	Privileged bool

	// ObserveTaint switches taint enforcement from trapping to counting.
	// Observability mode is explicit configuration, never a default.
	ObserveTaint bool

	IOPerms    *IOPermissions
	Extensions *ExtensionRegistry
	Tracer     Tracer

	// Listeners overrides how NET bind/listen acquires a listening
	// socket. The worker manager injects per-strategy factories here.
	Listeners ListenerFactory
}

// Context is one exclusively-owned execution state: register file, linear
// memory, capability table, taint labels and counters. A context is never
// shared across goroutines; the worker manager creates one per worker.
type Context struct {
	Frame  Frame
	Memory []byte

	// pc is an instruction index into the decoded program.
	PC uint64

	State    MachineState
	TrapKind TrapKind

	// Capability table. Entry 0 is the ambient data capability minted at
	// load time. caps holds the architectural form, shadow the unpacked
	// form shared with generated code.
	caps   []ir.FatPointer
	shadow []CapEntry

	maxInstructions uint64
	privileged      bool
	observeTaint    bool

	// TaintViolations counts observed (non-trapping) taint violations.
	// Owned per run; never process-global.
	TaintViolations uint64

	io     *IORuntime
	ext    *ExtensionRegistry
	tracer Tracer

	// lastStore tracks the most recent memory write for trace capture.
	lastStoreAddr uint64
	lastStoreLen  uint64
}

// NewContext builds a context for one run of prog.
func NewContext(prog *ir.Program, opts Options) (*Context, error) {
	memSize := opts.MemorySize
	if memSize == 0 {
		memSize = DefaultMemorySize
	}
	maxInstr := opts.MaxInstructions
	if maxInstr == 0 {
		maxInstr = DefaultMaxInstructions
	}
	if uint64(len(prog.Data))+ir.DataBase > memSize {
		return nil, fmt.Errorf("data section (%d bytes at %#x) exceeds memory size %d", len(prog.Data), ir.DataBase, memSize)
	}

	ctx := &Context{
		Memory:          make([]byte, memSize),
		PC:              uint64(prog.Entry),
		State:           Running,
		maxInstructions: maxInstr,
		privileged:      opts.Privileged,
		observeTaint:    opts.ObserveTaint,
		ext:             opts.Extensions,
		tracer:          opts.Tracer,
	}
	copy(ctx.Memory[ir.DataBase:], prog.Data)

	perms := opts.IOPerms
	if perms == nil {
		perms = DenyAllIO()
	}
	ctx.io = NewIORuntime(perms, opts.Listeners)

	ctx.Frame.MemBase = uintptr(unsafe.Pointer(&ctx.Memory[0]))
	ctx.Frame.MemLen = memSize
	ctx.Frame.Budget = int64(maxInstr)

	// Ambient data capability over all of linear memory. Minted by the
	// host, so the privileged check does not apply.
	ambient := ir.NewFatPointer(0, uint32(memSize), ir.PermRead|ir.PermWrite|ir.PermCap)
	ctx.appendCap(ambient)

	log.Debug(log.VmMonitoring, "context created", "mem", memSize, "maxInstr", maxInstr, "privileged", opts.Privileged)
	return ctx, nil
}

// Reg reads a register; the zero register always reads 0.
func (ctx *Context) Reg(idx byte) uint64 {
	return ctx.Frame.Regs[idx]
}

// SetReg writes a register, discarding writes to the zero register.
func (ctx *Context) SetReg(idx byte, val uint64) {
	if idx == ir.RegZero {
		ctx.Frame.Discard = val
		return
	}
	ctx.Frame.Regs[idx] = val
}

// RegTaint reads a register's taint label.
func (ctx *Context) RegTaint(idx byte) ir.TaintLevel {
	return ir.TaintLevel(ctx.Frame.Taint[idx])
}

// SetRegTaint writes a register's taint label.
func (ctx *Context) SetRegTaint(idx byte, level ir.TaintLevel) {
	if idx == ir.RegZero {
		ctx.Frame.TaintDiscard = uint8(level)
		return
	}
	ctx.Frame.Taint[idx] = uint8(level)
}

// Executed returns the number of instructions charged so far.
func (ctx *Context) Executed() uint64 {
	remaining := ctx.Frame.Budget
	if remaining < 0 {
		remaining = 0
	}
	return ctx.maxInstructions - uint64(remaining)
}

// IO exposes the context's fd table and runtime.
func (ctx *Context) IO() *IORuntime {
	return ctx.io
}

// Close releases host resources (open fds, sockets).
func (ctx *Context) Close() {
	ctx.io.CloseAll()
}

func (ctx *Context) trap(kind TrapKind) {
	ctx.State = Trapped
	ctx.TrapKind = kind
	ctx.Frame.Trap = uint64(kind)
}

func (ctx *Context) halt() {
	ctx.State = Halted
	ctx.Frame.Halt = 1
}

// ApplyFrame folds generated-code results back into the context after a
// compiled run: trap, halt flag and the executed-instruction count are
// already in the frame; this derives the Go-visible state from them.
func (ctx *Context) ApplyFrame() {
	switch {
	case ctx.Frame.Trap != 0:
		ctx.trap(TrapKind(ctx.Frame.Trap))
	case ctx.Frame.Halt != 0:
		ctx.State = Halted
	}
}
