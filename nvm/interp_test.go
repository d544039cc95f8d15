package nvm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/neurlang-sub001/ir"
)

func ins(op, mode, rd, rs1, rs2 byte) ir.Instruction {
	return ir.Instruction{Opcode: op, Mode: mode, Rd: rd, Rs1: rs1, Rs2: rs2}
}

func insImm(op, mode, rd, rs1, rs2 byte, imm uint64) ir.Instruction {
	return ir.Instruction{Opcode: op, Mode: mode, Rd: rd, Rs1: rs1, Rs2: rs2, HasImm: true, Imm: imm}
}

func runProgram(t *testing.T, opts Options, instrs ...ir.Instruction) *Context {
	t.Helper()
	prog := ir.Assemble(0, nil, instrs...)
	ctx, err := NewContext(prog, opts)
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	NewInterp(prog, ctx).Run()
	return ctx
}

func TestInterpArithmetic(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 3),
		insImm(ir.MOV, 0, 2, 0, 0, 5),
		ins(ir.ALU, byte(ir.AluAdd), ir.RegR0, 1, 2),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 8, ctx.Reg(ir.RegR0))
}

func TestInterpZeroRegister(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, ir.RegZero, 0, 0, 0xFFFF),
		ins(ir.MOV, 0, 1, ir.RegZero, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 0, ctx.Reg(ir.RegZero))
	assert.EqualValues(t, 0, ctx.Reg(1))
}

func TestInterpBudgetExhaustion(t *testing.T) {
	ctx := runProgram(t, Options{MaxInstructions: 2},
		ins(ir.NOP, 0, 0, 0, 0),
		ins(ir.NOP, 0, 0, 0, 0),
		ins(ir.NOP, 0, 0, 0, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapResourceExhausted, ctx.TrapKind)
	assert.EqualValues(t, 2, ctx.Executed())
}

func TestInterpFallOffEndHalts(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, ir.RegR0, 0, 0, 1),
	)
	assert.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 1, ctx.Reg(ir.RegR0))
}

// Falling off the end with the budget exactly spent halts cleanly:
// the end-of-code check charges nothing.
func TestInterpFallOffEndExactBudget(t *testing.T) {
	ctx := runProgram(t, Options{MaxInstructions: 1},
		ins(ir.NOP, 0, 0, 0, 0),
	)
	assert.Equal(t, Halted, ctx.State)
	assert.Equal(t, TrapNone, ctx.TrapKind)
	assert.EqualValues(t, 1, ctx.Executed())
}

// The return address is host-generated, so a call overwrites any taint
// previously sitting on lr.
func TestInterpCallClearsLinkTaint(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.TAINT, 0, ir.RegLR, 0, 0, uint64(ir.TaintNetworkData)),
		insImm(ir.CALL, 0, 0, 0, 0, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.Equal(t, ir.TaintClean, ctx.RegTaint(ir.RegLR))
	assert.EqualValues(t, 2, ctx.Reg(ir.RegLR))
}

func TestInterpLoadStoreRoundtrip(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0x2000),
		insImm(ir.MOV, 0, 2, 0, 0, 0xCAFEBABE),
		ins(ir.STORE, byte(ir.MemWord), 2, 1, 0),
		ins(ir.LOAD, byte(ir.MemWord), 3, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 0xCAFEBABE, ctx.Reg(3))
}

// A bad capability index traps InvalidTag even when the address would
// also be far out of bounds: tag validity is checked first.
func TestInterpFaultOrderingTagFirst(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0xFFFF_FFFF),
		ins(ir.LOAD, byte(ir.MemDouble), 2, 1, 9),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapInvalidTag, ctx.TrapKind)
}

func TestInterpLoadOutOfBounds(t *testing.T) {
	ctx := runProgram(t, Options{MemorySize: 1 << 16},
		insImm(ir.MOV, 0, 1, 0, 0, 1<<16),
		ins(ir.LOAD, byte(ir.MemByte), 2, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapOutOfBounds, ctx.TrapKind)
}

func TestInterpLoadThroughWriteOnlyCap(t *testing.T) {
	prog := ir.Assemble(0, nil,
		insImm(ir.MOV, 0, 1, 0, 0, 0x2000),
		ins(ir.LOAD, byte(ir.MemByte), 2, 1, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	ctx, err := NewContext(prog, Options{})
	require.NoError(t, err)
	defer ctx.Close()
	idx, err := ctx.Mint(0x2000, 64, ir.PermWrite)
	require.NoError(t, err)
	require.EqualValues(t, 1, idx)

	NewInterp(prog, ctx).Run()
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapPermissionDenied, ctx.TrapKind)
}

func TestInterpCapRestrictNarrows(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0x2000),
		insImm(ir.CAPREST, 0, 2, 1, 0, uint64(ir.PermRead)<<32|64),
		ins(ir.CAPQUERY, 1, 3, 0, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 1, ctx.Reg(2))
	assert.EqualValues(t, 64, ctx.Reg(3))
}

// Restricting may only shrink: a larger length or extra permission bits
// trap Widened and derive nothing.
func TestInterpCapRestrictRejectsWidening(t *testing.T) {
	narrow := func(t *testing.T) *Context {
		t.Helper()
		prog := ir.Assemble(0, nil)
		ctx, err := NewContext(prog, Options{})
		require.NoError(t, err)
		t.Cleanup(ctx.Close)
		idx, err := ctx.Mint(0x2000, 16, ir.PermRead)
		require.NoError(t, err)
		require.EqualValues(t, 1, idx)
		return ctx
	}

	t.Run("longer bounds", func(t *testing.T) {
		ctx := narrow(t)
		_, err := ctx.Restrict(1, 0x2000, 64, ir.PermRead)
		assert.ErrorIs(t, err, ErrWidened)
	})
	t.Run("extra perms", func(t *testing.T) {
		ctx := narrow(t)
		_, err := ctx.Restrict(1, 0x2000, 8, ir.PermRead|ir.PermWrite)
		assert.ErrorIs(t, err, ErrWidened)
	})
	t.Run("trap from program code", func(t *testing.T) {
		ctx := runProgram(t, Options{},
			insImm(ir.MOV, 0, 1, 0, 0, 0),
			insImm(ir.CAPREST, 0, 2, 1, 0, uint64(ir.PermRead|ir.PermExec)<<32|8),
			ins(ir.HALT, 0, 0, 0, 0),
		)
		assert.Equal(t, Trapped, ctx.State)
		assert.Equal(t, TrapWidened, ctx.TrapKind)
	})
}

func TestInterpCapNewRequiresPrivilege(t *testing.T) {
	mint := []ir.Instruction{
		insImm(ir.MOV, 0, 1, 0, 0, 0x3000),
		insImm(ir.MOV, 0, 2, 0, 0, 32),
		insImm(ir.CAPNEW, 0, 3, 1, 2, uint64(ir.PermRead)),
		ins(ir.HALT, 0, 0, 0, 0),
	}

	ctx := runProgram(t, Options{}, mint...)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapPermissionDenied, ctx.TrapKind)

	ctx = runProgram(t, Options{Privileged: true}, mint...)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 1, ctx.Reg(3))
}

func TestInterpDivByZero(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 10),
		ins(ir.MULDIV, byte(ir.MulDivDiv), 2, 1, ir.RegZero),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapDivByZero, ctx.TrapKind)
}

func TestInterpBranchLoop(t *testing.T) {
	// sum = 5+4+3+2+1
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0),
		insImm(ir.MOV, 0, 2, 0, 0, 5),
		ins(ir.ALU, byte(ir.AluAdd), 1, 1, 2),
		insImm(ir.ALUI, byte(ir.AluSub), 2, 2, 0, 1),
		insImm(ir.BRANCH, byte(ir.BranchNe), 0, 2, ir.RegZero, ^uint64(1)), // -2
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 15, ctx.Reg(1))
}

func TestInterpCallRet(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.CALL, 0, 0, 0, 0, 3),
		insImm(ir.MOV, 0, ir.RegR0, 0, 0, 99),
		ins(ir.HALT, 0, 0, 0, 0),
		insImm(ir.MOV, 0, 1, 0, 0, 7),
		ins(ir.RET, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 99, ctx.Reg(ir.RegR0))
	assert.EqualValues(t, 7, ctx.Reg(1))
}

func TestInterpTaintPropagation(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 4),
		insImm(ir.TAINT, 0, 1, 0, 0, uint64(ir.TaintNetworkData)),
		insImm(ir.MOV, 0, 2, 0, 0, 3),
		ins(ir.ALU, byte(ir.AluAdd), 3, 1, 2),
		ins(ir.MOV, 0, 4, 3, 0),
		ins(ir.SANITIZE, 0, 4, 0, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.Equal(t, ir.TaintNetworkData, ctx.RegTaint(1))
	assert.Equal(t, ir.TaintClean, ctx.RegTaint(2))
	assert.Equal(t, ir.TaintNetworkData, ctx.RegTaint(3))
	assert.Equal(t, ir.TaintClean, ctx.RegTaint(4))
	// Immediate loads are clean by definition.
	assert.EqualValues(t, 7, ctx.Reg(3))
}

func TestInterpTaintGateTraps(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.TAINT, 0, 1, 0, 0, uint64(ir.TaintFileData)),
		insImm(ir.EXTCALL, 0, 0, 0, 0, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapTaintViolation, ctx.TrapKind)
}

func TestInterpTaintGateObserves(t *testing.T) {
	ctx := runProgram(t, Options{ObserveTaint: true},
		insImm(ir.TAINT, 0, 1, 0, 0, uint64(ir.TaintFileData)),
		insImm(ir.EXTCALL, 0, 0, 0, 0, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 1, ctx.TaintViolations)
	// No registry bound: the call itself fails in-band.
	assert.Equal(t, ioErr, ctx.Reg(ir.RegR0))
}

func TestInterpExtCall(t *testing.T) {
	reg := NewExtensionRegistry()
	reg.Register(7, func(args []uint64) (uint64, ir.TaintLevel, error) {
		return args[0] + args[1], ir.TaintFileData, nil
	})
	ctx := runProgram(t, Options{Extensions: reg},
		insImm(ir.MOV, 0, 1, 0, 0, 40),
		insImm(ir.MOV, 0, 2, 0, 0, 2),
		insImm(ir.EXTCALL, 0, 0, 0, 0, 7),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 42, ctx.Reg(ir.RegR0))
	assert.Equal(t, ir.TaintFileData, ctx.RegTaint(ir.RegR0))
}

func TestInterpExtCallUnknownIDFailsInBand(t *testing.T) {
	ctx := runProgram(t, Options{Extensions: NewExtensionRegistry()},
		insImm(ir.EXTCALL, 0, 0, 0, 0, 0xDEAD),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.Equal(t, ioErr, ctx.Reg(ir.RegR0))
}

func TestInterpAtomicAdd(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0x2000),
		insImm(ir.MOV, 0, 2, 0, 0, 11),
		insImm(ir.MOV, 0, 3, 0, 0, 31),
		ins(ir.STORE, byte(ir.MemDouble), 2, 1, 0),
		ins(ir.ATOMIC, byte(ir.AtomicAdd), 4, 1, 3),
		ins(ir.LOAD, byte(ir.MemDouble), 5, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 11, ctx.Reg(4)) // previous value
	assert.EqualValues(t, 42, ctx.Reg(5))
}

func TestInterpInvalidOpcodeTraps(t *testing.T) {
	ctx := runProgram(t, Options{},
		ins(ir.ALU, 0xFF, 1, 2, 3),
	)
	assert.Equal(t, Trapped, ctx.State)
	assert.Equal(t, TrapInvalidOpcode, ctx.TrapKind)
}

func TestInterpBitsOps(t *testing.T) {
	ctx := runProgram(t, Options{},
		insImm(ir.MOV, 0, 1, 0, 0, 0xFF00),
		ins(ir.BITS, byte(ir.BitsPopcount), 2, 1, 0),
		ins(ir.BITS, byte(ir.BitsCtz), 3, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	require.Equal(t, Halted, ctx.State)
	assert.EqualValues(t, 8, ctx.Reg(2))
	assert.EqualValues(t, 8, ctx.Reg(3))
}

func TestMintOutsideMemoryFails(t *testing.T) {
	prog := ir.Assemble(0, nil)
	ctx, err := NewContext(prog, Options{MemorySize: 1 << 16})
	require.NoError(t, err)
	defer ctx.Close()
	_, err = ctx.Mint(1<<16-8, 64, ir.PermRead)
	assert.True(t, errors.Is(err, ErrRegionOutOfRange))
}
