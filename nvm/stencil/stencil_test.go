package stencil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

func ins(op, mode, rd, rs1, rs2 byte) ir.Instruction {
	return ir.Instruction{Opcode: op, Mode: mode, Rd: rd, Rs1: rs1, Rs2: rs2}
}

func insImm(op, mode, rd, rs1, rs2 byte, imm uint64) ir.Instruction {
	return ir.Instruction{Opcode: op, Mode: mode, Rd: rd, Rs1: rs1, Rs2: rs2, HasImm: true, Imm: imm}
}

// sumProgram computes 5+4+3+2+1 into r1 with a backward branch, storing
// the result at 0x2000 before halting.
func sumProgram() *ir.Program {
	return ir.Assemble(0, nil,
		insImm(ir.MOV, 0, 1, 0, 0, 0),
		insImm(ir.MOV, 0, 2, 0, 0, 5),
		ins(ir.ALU, byte(ir.AluAdd), 1, 1, 2),
		insImm(ir.ALUI, byte(ir.AluSub), 2, 2, 0, 1),
		insImm(ir.BRANCH, byte(ir.BranchNe), 0, 2, ir.RegZero, ^uint64(1)), // -2
		insImm(ir.MOV, 0, 3, 0, 0, 0x2000),
		ins(ir.STORE, byte(ir.MemDouble), 1, 3, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
}

func TestCompileProducesJumpTable(t *testing.T) {
	prog := sumProgram()
	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	require.Len(t, c.JumpTable, len(prog.Instructions))
	for i := 1; i < len(c.JumpTable); i++ {
		assert.Less(t, c.JumpTable[i-1], c.JumpTable[i])
	}
	assert.Equal(t, c.JumpTable[prog.Entry], c.EntryOff)
}

// Every placeholder must be patched; an unpatched one would leak the
// 0xDEADBEEF pattern into executable bytes as a displacement.
func TestCompileLeavesNoPlaceholders(t *testing.T) {
	c, err := Compile(sumProgram(), Config{})
	require.NoError(t, err)
	marker := []byte{0xEF, 0xBE, 0xAD, 0xDE}
	assert.NotContains(t, string(c.Code), string(marker))
}

func TestCompileUnsupportedOpcodeFailsClosed(t *testing.T) {
	prog := ir.Assemble(0, nil,
		insImm(ir.EXTCALL, 0, 0, 0, 0, 1),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	_, err := Compile(prog, Config{})
	require.ErrorIs(t, err, ErrUnsupportedOpcode)
}

func TestCompileBufferOverflow(t *testing.T) {
	_, err := Compile(sumProgram(), Config{MaxCodeSize: 16})
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(ir.ALU))
	assert.True(t, Supported(ir.BRANCH))
	assert.False(t, Supported(ir.FILE))
	assert.False(t, Supported(ir.NET))
	assert.False(t, Supported(ir.EXTCALL))
}

func TestCompiledCodecRoundtrip(t *testing.T) {
	c, err := Compile(sumProgram(), Config{})
	require.NoError(t, err)
	blob, err := c.MarshalBinary()
	require.NoError(t, err)

	var back Compiled
	require.NoError(t, back.UnmarshalBinary(blob))
	assert.Equal(t, c.EntryOff, back.EntryOff)
	assert.Equal(t, c.JumpTable, back.JumpTable)
	assert.Equal(t, c.Code, back.Code)

	assert.Error(t, new(Compiled).UnmarshalBinary([]byte{1, 2, 3}))
}

func TestDisassemble(t *testing.T) {
	c, err := Compile(sumProgram(), Config{})
	require.NoError(t, err)
	out := Disassemble(c.Code)
	require.NotEmpty(t, out)
	assert.True(t, strings.Contains(strings.ToLower(out), "mov"))
}

func runInterp(t *testing.T, prog *ir.Program) *nvm.Context {
	t.Helper()
	ctx, err := nvm.NewContext(prog, nvm.Options{})
	require.NoError(t, err)
	t.Cleanup(ctx.Close)
	nvm.NewInterp(prog, ctx).Run()
	return ctx
}

func TestSandboxMatchesInterpreter(t *testing.T) {
	prog := sumProgram()
	want := runInterp(t, prog)

	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	assert.Equal(t, want.State, ctx.State)
	assert.Equal(t, want.Frame.Regs, ctx.Frame.Regs)
	assert.Equal(t, want.Frame.Taint, ctx.Frame.Taint)
	assert.Equal(t, want.Memory[0x2000:0x2008], ctx.Memory[0x2000:0x2008])
	assert.EqualValues(t, 15, ctx.Frame.Regs[1])
}

func TestSandboxTrapsOutOfBounds(t *testing.T) {
	prog := ir.Assemble(0, nil,
		insImm(ir.MOV, 0, 1, 0, 0, 1<<30),
		ins(ir.LOAD, byte(ir.MemDouble), 2, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	assert.Equal(t, nvm.Trapped, ctx.State)
	assert.Equal(t, nvm.TrapOutOfBounds, ctx.TrapKind)
}

// A loop whose back edge is a register-form jump resolves through the
// jump table and can land on any instruction; every landing must still
// pass a budget prologue or the loop would spin forever.
func TestSandboxIndirectLoopBudget(t *testing.T) {
	prog := ir.Assemble(0, nil,
		insImm(ir.MOV, 0, 2, 0, 0, 3),
		ins(ir.NOP, 0, 0, 0, 0),
		ins(ir.NOP, 0, 0, 0, 0),
		ins(ir.JUMP, 0, 0, 2, 0), // pc <- r2, a tight self-loop
	)
	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{MaxInstructions: 1000})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	assert.Equal(t, nvm.Trapped, ctx.State)
	assert.Equal(t, nvm.TrapResourceExhausted, ctx.TrapKind)
}

// Running off the end of the code with the budget exactly spent is a
// clean halt in both engines: no further instruction executes, so
// nothing is charged.
func TestSandboxFallOffEndExactBudget(t *testing.T) {
	prog := ir.Assemble(0, nil,
		ins(ir.NOP, 0, 0, 0, 0),
	)
	ictx, err := nvm.NewContext(prog, nvm.Options{MaxInstructions: 1})
	require.NoError(t, err)
	defer ictx.Close()
	nvm.NewInterp(prog, ictx).Run()

	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{MaxInstructions: 1})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	assert.Equal(t, nvm.Halted, ictx.State)
	assert.Equal(t, nvm.Halted, ctx.State)
	assert.Equal(t, nvm.TrapNone, ictx.TrapKind)
	assert.Equal(t, nvm.TrapNone, ctx.TrapKind)
}

func TestSandboxAtomicMatchesInterpreter(t *testing.T) {
	prog := ir.Assemble(0, nil,
		insImm(ir.MOV, 0, 1, 0, 0, 0x2000),
		insImm(ir.MOV, 0, 2, 0, 0, 11),
		insImm(ir.MOV, 0, 3, 0, 0, 31),
		ins(ir.STORE, byte(ir.MemDouble), 2, 1, 0),
		ins(ir.ATOMIC, byte(ir.AtomicAdd), 4, 1, 3),
		ins(ir.ATOMIC, byte(ir.AtomicMax), 5, 1, 2),
		ins(ir.LOAD, byte(ir.MemDouble), 6, 1, 0),
		ins(ir.HALT, 0, 0, 0, 0),
	)
	want := runInterp(t, prog)

	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	require.Equal(t, nvm.Halted, ctx.State)
	assert.Equal(t, want.Frame.Regs, ctx.Frame.Regs)
	assert.Equal(t, want.Memory[0x2000:0x2008], ctx.Memory[0x2000:0x2008])
	assert.EqualValues(t, 42, ctx.Frame.Regs[6])
}

func TestSandboxBudgetExhaustion(t *testing.T) {
	// Tight infinite loop: jump back to self.
	prog := ir.Assemble(0, nil,
		insImm(ir.JUMP, 0, 0, 0, 0, 0),
	)
	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{MaxInstructions: 1000})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, SandboxExecutor{}.Run(c, ctx))

	assert.Equal(t, nvm.Trapped, ctx.State)
	assert.Equal(t, nvm.TrapResourceExhausted, ctx.TrapKind)
}

func TestNativeExecutor(t *testing.T) {
	if !NativeSupported() {
		t.Skip("native execution requires linux/amd64")
	}
	prog := sumProgram()
	c, err := Compile(prog, Config{})
	require.NoError(t, err)
	ctx, err := nvm.NewContext(prog, nvm.Options{})
	require.NoError(t, err)
	defer ctx.Close()
	require.NoError(t, NativeExecutor{}.Run(c, ctx))

	assert.Equal(t, nvm.Halted, ctx.State)
	assert.EqualValues(t, 15, ctx.Frame.Regs[1])
}

func TestBuildELF(t *testing.T) {
	img, err := BuildELF(sumProgram(), AOTConfig{})
	require.NoError(t, err)
	require.Greater(t, len(img), elfHeaderLen+2*phdrLen)
	assert.True(t, bytes.HasPrefix(img, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1}))
	// e_machine x86-64
	assert.Equal(t, byte(0x3E), img[18])
}
