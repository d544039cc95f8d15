package nvm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
	"runtime"
	"time"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
)

// Interp is the tree-walking execution strategy. It owns a decoded
// program and a context and advances one instruction per Step.
type Interp struct {
	ctx  *Context
	prog *ir.Program
	seq  uint64
}

// NewInterp wraps ctx for interpreting prog. The context must have been
// created from the same program.
func NewInterp(prog *ir.Program, ctx *Context) *Interp {
	return &Interp{ctx: ctx, prog: prog}
}

// Run steps until the context leaves Running.
func (vm *Interp) Run() {
	ctx := vm.ctx
	for ctx.State == Running {
		vm.Step()
	}
	if ctx.tracer != nil {
		ctx.tracer.Finish(ctx.State, ctx.TrapKind, ctx.Reg(ir.RegR0))
	}
	log.Debug(log.VmMonitoring, "run finished", "state", ctx.State.String(), "trap", ctx.TrapKind.String(), "executed", ctx.Executed(), "r0", ctx.Reg(ir.RegR0))
}

// Step executes one instruction. Each step charges one unit of the
// instruction budget before any effect; exhaustion is a deliberate trap.
func (vm *Interp) Step() {
	ctx := vm.ctx
	if ctx.PC >= uint64(len(vm.prog.Instructions)) {
		// Falling off the end of the code terminates cleanly, and
		// charges nothing: no instruction is executed, so halting here
		// must agree with compiled code even on an exactly-spent budget.
		ctx.halt()
		return
	}
	ctx.Frame.Budget--
	if ctx.Frame.Budget < 0 {
		ctx.trap(TrapResourceExhausted)
		return
	}
	in := vm.prog.Instructions[ctx.PC]
	next := ctx.PC + 1

	switch in.Opcode {
	case ir.ALU:
		op := ir.AluOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		ctx.SetReg(in.Rd, aluApply(op, ctx.Reg(in.Rs1), ctx.Reg(in.Rs2)))
		ctx.propagateBinary(in.Rd, in.Rs1, in.Rs2)

	case ir.ALUI:
		op := ir.AluOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		ctx.SetReg(in.Rd, aluApply(op, ctx.Reg(in.Rs1), in.Imm))
		ctx.propagateUnary(in.Rd, in.Rs1)

	case ir.MULDIV:
		op := ir.MulDivOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		a, b := ctx.Reg(in.Rs1), ctx.Reg(in.Rs2)
		var res uint64
		switch op {
		case ir.MulDivMul:
			res = a * b
		case ir.MulDivMulH:
			res, _ = bits.Mul64(a, b)
		case ir.MulDivDiv:
			if b == 0 {
				ctx.trap(TrapDivByZero)
				return
			}
			res = a / b
		case ir.MulDivMod:
			if b == 0 {
				ctx.trap(TrapDivByZero)
				return
			}
			res = a % b
		}
		ctx.SetReg(in.Rd, res)
		ctx.propagateBinary(in.Rd, in.Rs1, in.Rs2)

	case ir.LOAD:
		width := ir.MemWidth(in.Mode)
		if !width.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		addr := ctx.Reg(in.Rs1) + in.Imm
		size := width.ByteSize()
		if kind := ctx.CheckCap(uint64(in.Rs2), addr, size, ir.PermRead); kind != TrapNone {
			ctx.trap(kind)
			return
		}
		ctx.SetReg(in.Rd, loadLE(ctx.Memory[addr:], size))
		ctx.propagateUnary(in.Rd, in.Rs1)

	case ir.STORE:
		width := ir.MemWidth(in.Mode)
		if !width.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		addr := ctx.Reg(in.Rs1) + in.Imm
		size := width.ByteSize()
		if kind := ctx.CheckCap(uint64(in.Rs2), addr, size, ir.PermWrite); kind != TrapNone {
			ctx.trap(kind)
			return
		}
		storeLE(ctx.Memory[addr:], size, ctx.Reg(in.Rd))
		ctx.lastStoreAddr, ctx.lastStoreLen = addr, size

	case ir.ATOMIC:
		op := ir.AtomicOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		// Atomics address through the ambient data capability.
		addr := ctx.Reg(in.Rs1) + in.Imm
		if kind := ctx.CheckCap(0, addr, 8, ir.PermRead|ir.PermWrite); kind != TrapNone {
			ctx.trap(kind)
			return
		}
		old := binary.LittleEndian.Uint64(ctx.Memory[addr:])
		val := ctx.Reg(in.Rs2)
		switch op {
		case ir.AtomicCas:
			if old == ctx.Reg(in.Rd) {
				binary.LittleEndian.PutUint64(ctx.Memory[addr:], val)
			}
		case ir.AtomicXchg:
			binary.LittleEndian.PutUint64(ctx.Memory[addr:], val)
		case ir.AtomicAdd:
			binary.LittleEndian.PutUint64(ctx.Memory[addr:], old+val)
		case ir.AtomicAnd:
			binary.LittleEndian.PutUint64(ctx.Memory[addr:], old&val)
		case ir.AtomicOr:
			binary.LittleEndian.PutUint64(ctx.Memory[addr:], old|val)
		case ir.AtomicXor:
			binary.LittleEndian.PutUint64(ctx.Memory[addr:], old^val)
		case ir.AtomicMin:
			if val < old {
				binary.LittleEndian.PutUint64(ctx.Memory[addr:], val)
			}
		case ir.AtomicMax:
			if val > old {
				binary.LittleEndian.PutUint64(ctx.Memory[addr:], val)
			}
		}
		ctx.SetReg(in.Rd, old)
		ctx.propagateBinary(in.Rd, in.Rs1, in.Rs2)
		ctx.lastStoreAddr, ctx.lastStoreLen = addr, 8

	case ir.BRANCH:
		cond := ir.BranchCond(in.Mode)
		if !cond.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		if branchTaken(cond, ctx.Reg(in.Rs1), ctx.Reg(in.Rs2)) {
			next = ctx.PC + uint64(in.SImm())
		}

	case ir.CALL:
		// The return address is host-generated, so lr is clean.
		ctx.SetReg(ir.RegLR, ctx.PC+1)
		ctx.SetRegTaint(ir.RegLR, ir.TaintClean)
		if in.HasImm {
			next = ctx.PC + uint64(in.SImm())
		} else {
			next = ctx.Reg(in.Rs1)
		}

	case ir.RET:
		next = ctx.Reg(ir.RegLR)

	case ir.JUMP:
		if in.HasImm {
			next = ctx.PC + uint64(in.SImm())
		} else {
			next = ctx.Reg(in.Rs1)
		}

	case ir.CAPNEW:
		idx, err := ctx.MintChecked(ctx.Reg(in.Rs1), uint32(ctx.Reg(in.Rs2)), byte(in.Imm))
		if errors.Is(err, ErrUnprivileged) {
			ctx.trap(TrapPermissionDenied)
			return
		}
		if err != nil {
			ctx.trap(TrapOutOfBounds)
			return
		}
		ctx.SetReg(in.Rd, idx)
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.CAPREST:
		newLength := uint32(in.Imm)
		newPerms := byte(in.Imm >> 32)
		idx, err := ctx.Restrict(uint64(in.Rs2), ctx.Reg(in.Rs1), newLength, newPerms)
		if errors.Is(err, ErrBadCapIndex) {
			ctx.trap(TrapInvalidTag)
			return
		}
		if err != nil {
			ctx.trap(TrapWidened)
			return
		}
		ctx.SetReg(in.Rd, idx)
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.CAPQUERY:
		val, err := ctx.Query(uint64(in.Rs2), in.Mode)
		if err != nil {
			ctx.trap(TrapInvalidTag)
			return
		}
		ctx.SetReg(in.Rd, val)
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.SPAWN, ir.JOIN, ir.CHAN:
		// Single execution context per worker; concurrency opcodes
		// resolve to nothing.
		ctx.SetReg(in.Rd, 0)

	case ir.FENCE:
		// Single-goroutine memory model; ordering is already sequential.

	case ir.YIELD:
		runtime.Gosched()

	case ir.TAINT:
		level := ir.TaintUserInput
		if in.HasImm {
			level = ir.TaintLevel(in.Imm)
		}
		ctx.SetRegTaint(in.Rd, level)

	case ir.SANITIZE:
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.FILE:
		if !vm.stepFile(in) {
			return
		}

	case ir.NET:
		if !vm.stepNet(in) {
			return
		}

	case ir.NETSETOPT:
		opt := ir.NetOption(in.Mode)
		if !opt.Valid() {
			ctx.SetReg(in.Rd, ioErr)
			break
		}
		if err := ctx.io.NetSetopt(ctx.Reg(in.Rs1), byte(opt), ctx.Reg(in.Rs2)); err != nil {
			ctx.SetReg(in.Rd, ioErr)
		} else {
			ctx.SetReg(in.Rd, 0)
		}

	case ir.IO:
		if !vm.stepConsole(in) {
			return
		}

	case ir.TIME:
		switch ir.TimeOp(in.Mode) {
		case ir.TimeNow:
			ctx.SetReg(in.Rd, uint64(time.Now().Unix()))
		case ir.TimeSleep:
			time.Sleep(time.Duration(ctx.Reg(in.Rs1)) * time.Millisecond)
			ctx.SetReg(in.Rd, 0)
		case ir.TimeMonotonic:
			ctx.SetReg(in.Rd, uint64(time.Now().UnixNano()))
		default:
			ctx.SetReg(in.Rd, 0)
		}
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.FPU:
		op := ir.FpuOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		ctx.SetReg(in.Rd, fpuApply(op, ctx.Reg(in.Rs1), ctx.Reg(in.Rs2)))
		ctx.propagateBinary(in.Rd, in.Rs1, in.Rs2)

	case ir.RAND:
		switch ir.RandOp(in.Mode) {
		case ir.RandBytes:
			addr := ctx.Reg(in.Rs1)
			length := ctx.Reg(in.Rs2)
			if kind := ctx.CheckCap(0, addr, length, ir.PermWrite); kind != TrapNone {
				ctx.trap(kind)
				return
			}
			rand.Read(ctx.Memory[addr : addr+length])
			ctx.SetReg(in.Rd, length)
		case ir.RandU64:
			var buf [8]byte
			rand.Read(buf[:])
			ctx.SetReg(in.Rd, binary.LittleEndian.Uint64(buf[:]))
		default:
			ctx.SetReg(in.Rd, ioErr)
		}
		ctx.SetRegTaint(in.Rd, ir.TaintClean)

	case ir.BITS:
		op := ir.BitsOp(in.Mode)
		if !op.Valid() {
			ctx.trap(TrapInvalidOpcode)
			return
		}
		src := ctx.Reg(in.Rs1)
		var res uint64
		switch op {
		case ir.BitsPopcount:
			res = uint64(bits.OnesCount64(src))
		case ir.BitsClz:
			res = uint64(bits.LeadingZeros64(src))
		case ir.BitsCtz:
			res = uint64(bits.TrailingZeros64(src))
		case ir.BitsBswap:
			res = bits.ReverseBytes64(src)
		}
		ctx.SetReg(in.Rd, res)
		ctx.propagateUnary(in.Rd, in.Rs1)

	case ir.MOV:
		if in.HasImm {
			ctx.SetReg(in.Rd, in.Imm)
			ctx.SetRegTaint(in.Rd, ir.TaintClean)
		} else {
			ctx.SetReg(in.Rd, ctx.Reg(in.Rs1))
			ctx.propagateUnary(in.Rd, in.Rs1)
		}

	case ir.TRAP:
		if in.Mode == 0 {
			ctx.trap(TrapBreakpoint)
		} else {
			ctx.trap(TrapUser)
		}
		return

	case ir.NOP:

	case ir.HALT:
		ctx.halt()
		return

	case ir.EXTCALL:
		if !ctx.taintGate("ext.call", extCallArgRegs...) {
			return
		}
		id := uint32(in.Imm)
		args := make([]uint64, len(extCallArgRegs))
		for i, r := range extCallArgRegs {
			args[i] = ctx.Reg(r)
		}
		h, ok := ctx.ext.Lookup(id)
		if !ok {
			log.Debug(log.VmMonitoring, "unresolved extension", "id", id)
			ctx.SetReg(ir.RegR0, ioErr)
			break
		}
		val, taint, err := h(args)
		if err != nil {
			log.Debug(log.VmMonitoring, "extension failed", "id", id, "err", err)
			ctx.SetReg(ir.RegR0, ioErr)
			break
		}
		ctx.SetReg(ir.RegR0, val)
		ctx.SetRegTaint(ir.RegR0, taint)

	default:
		ctx.trap(TrapInvalidOpcode)
		return
	}

	ctx.PC = next
	if ctx.tracer != nil {
		vm.seq++
		ctx.tracer.Step(TraceStep{
			Seq:         vm.seq,
			PC:          ctx.PC,
			Opcode:      in.Opcode,
			Mnemonic:    ir.OpcodeName(in.Opcode),
			Rd:          in.Rd,
			Result:      ctx.Reg(in.Rd),
			ResultTaint: ctx.RegTaint(in.Rd),
		})
	}
}

// ioErr is the in-band failure value of I/O and extension results.
const ioErr = ^uint64(0)

func aluApply(op ir.AluOp, a, b uint64) uint64 {
	switch op {
	case ir.AluAdd:
		return a + b
	case ir.AluSub:
		return a - b
	case ir.AluAnd:
		return a & b
	case ir.AluOr:
		return a | b
	case ir.AluXor:
		return a ^ b
	case ir.AluShl:
		return a << (b & 63)
	case ir.AluShr:
		return a >> (b & 63)
	case ir.AluSar:
		return uint64(int64(a) >> (b & 63))
	}
	return 0
}

func branchTaken(cond ir.BranchCond, a, b uint64) bool {
	switch cond {
	case ir.BranchAlways:
		return true
	case ir.BranchEq:
		return a == b
	case ir.BranchNe:
		return a != b
	case ir.BranchLt:
		return int64(a) < int64(b)
	case ir.BranchLe:
		return int64(a) <= int64(b)
	case ir.BranchGt:
		return int64(a) > int64(b)
	case ir.BranchGe:
		return int64(a) >= int64(b)
	case ir.BranchLtu:
		return a < b
	}
	return false
}

func fpuApply(op ir.FpuOp, ab, bb uint64) uint64 {
	a := math.Float64frombits(ab)
	b := math.Float64frombits(bb)
	switch op {
	case ir.FpuAdd:
		return math.Float64bits(a + b)
	case ir.FpuSub:
		return math.Float64bits(a - b)
	case ir.FpuMul:
		return math.Float64bits(a * b)
	case ir.FpuDiv:
		return math.Float64bits(a / b)
	case ir.FpuSqrt:
		return math.Float64bits(math.Sqrt(a))
	case ir.FpuAbs:
		return math.Float64bits(math.Abs(a))
	case ir.FpuFloor:
		return math.Float64bits(math.Floor(a))
	case ir.FpuCeil:
		return math.Float64bits(math.Ceil(a))
	case ir.FpuCmpEq:
		return b2u(a == b)
	case ir.FpuCmpNe:
		return b2u(a != b)
	case ir.FpuCmpLt:
		return b2u(a < b)
	case ir.FpuCmpLe:
		return b2u(a <= b)
	case ir.FpuCmpGt:
		return b2u(a > b)
	case ir.FpuCmpGe:
		return b2u(a >= b)
	}
	return 0
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func loadLE(buf []byte, size uint64) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}

func storeLE(buf []byte, size, val uint64) {
	switch size {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	default:
		binary.LittleEndian.PutUint64(buf, val)
	}
}
