// Package stencil compiles decoded programs to x86-64 machine code by
// copy-and-patch: every supported opcode form has a precompiled byte
// template with placeholder slots, and compilation copies the template
// and patches register offsets, immediates and branch displacements.
//
// Generated code receives the frame base in RDI and keeps all guest
// state in the frame: register file, taint labels, budget, trap and
// halt flags, and the pointers it needs (linear memory, jump table,
// capability shadow). RAX, RCX and RDX are scratch; RDI is never
// written, so the frame stays addressable for the whole run.
package stencil

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// slotKind identifies what a placeholder in a template gets patched with.
type slotKind uint8

const (
	slotRd       slotKind = iota // disp32: frame offset of rd as a write target
	slotRdRead                   // disp32: frame offset of rd as a read source
	slotRs1                      // disp32: frame offset of rs1
	slotRs2                      // disp32: frame offset of rs2
	slotTaintRd                  // disp32: taint offset of rd as a write target
	slotTaintRs1                 // disp32: taint offset of rs1
	slotTaintRs2                 // disp32: taint offset of rs2
	slotCapIdx                   // imm32: capability table index (rs2 field)
	slotCapOff                   // imm32: capability index * CapEntrySize
	slotImm64                    // imm64: instruction immediate
	slotRetIdx                   // imm32: return instruction index (CALL)
	slotTaintLvl                 // imm8: taint level (TAINT)
	slotRel32                    // rel32: branch displacement, resolved at link
)

// placeholder bit patterns, recognizable in unpatched dumps.
const (
	placeholder32 = 0xDEADBEEF
	placeholder64 = 0xDEADBEEFDEADBEEF
	placeholder8  = 0xDB
)

type slotRef struct {
	kind slotKind
	off  int
}

type template struct {
	code  []byte
	slots []slotRef
}

// trapSeqLen is the byte length of trapRet/haltRet, used as the rel8
// skip distance of the guarding conditional jumps.
const trapSeqLen = 12

// asm builds one template.
type asm struct {
	t template
}

func (a *asm) raw(b ...byte) {
	a.t.code = append(a.t.code, b...)
}

func (a *asm) u32(v uint32) {
	a.t.code = binary.LittleEndian.AppendUint32(a.t.code, v)
}

func (a *asm) slot32(k slotKind) {
	a.t.slots = append(a.t.slots, slotRef{kind: k, off: len(a.t.code)})
	a.u32(placeholder32)
}

func (a *asm) slot64(k slotKind) {
	a.t.slots = append(a.t.slots, slotRef{kind: k, off: len(a.t.code)})
	a.t.code = binary.LittleEndian.AppendUint64(a.t.code, placeholder64)
}

func (a *asm) slot8(k slotKind) {
	a.t.slots = append(a.t.slots, slotRef{kind: k, off: len(a.t.code)})
	a.raw(placeholder8)
}

// mov rax, [rdi+disp32]
func (a *asm) loadRax(k slotKind) { a.raw(0x48, 0x8B, 0x87); a.slot32(k) }

// mov rcx, [rdi+disp32]
func (a *asm) loadRcx(k slotKind) { a.raw(0x48, 0x8B, 0x8F); a.slot32(k) }

// mov rax, [rdi+off] with a fixed frame offset
func (a *asm) loadRaxAt(off uint32) { a.raw(0x48, 0x8B, 0x87); a.u32(off) }

// mov rcx, [rdi+off]
func (a *asm) loadRcxAt(off uint32) { a.raw(0x48, 0x8B, 0x8F); a.u32(off) }

// mov rdx, [rdi+off]
func (a *asm) loadRdxAt(off uint32) { a.raw(0x48, 0x8B, 0x97); a.u32(off) }

// mov [rdi+disp32], rax
func (a *asm) storeRax(k slotKind) { a.raw(0x48, 0x89, 0x87); a.slot32(k) }

// mov qword [rdi+off], imm32 then ret; the generated-code trap exit.
func (a *asm) trapRet(kind nvm.TrapKind) {
	a.raw(0x48, 0xC7, 0x87)
	a.u32(nvm.FrameTrapOff)
	a.u32(uint32(kind))
	a.raw(0xC3)
}

// mov qword [rdi+FrameHaltOff], 1 then ret; the clean exit.
func (a *asm) haltRet() {
	a.raw(0x48, 0xC7, 0x87)
	a.u32(nvm.FrameHaltOff)
	a.u32(1)
	a.raw(0xC3)
}

// taintMax stores max(taint rs1, taint rs2) into taint rd.
func (a *asm) taintMax() {
	a.raw(0x8A, 0x87) // mov al, [rdi+d32]
	a.slot32(slotTaintRs1)
	a.raw(0x8A, 0x8F) // mov cl, [rdi+d32]
	a.slot32(slotTaintRs2)
	a.raw(0x38, 0xC8) // cmp al, cl
	a.raw(0x73, 0x02) // jae +2
	a.raw(0x88, 0xC8) // mov al, cl
	a.raw(0x88, 0x87) // mov [rdi+d32], al
	a.slot32(slotTaintRd)
}

// taintCopy stores taint rs1 into taint rd.
func (a *asm) taintCopy() {
	a.raw(0x8A, 0x87)
	a.slot32(slotTaintRs1)
	a.raw(0x88, 0x87)
	a.slot32(slotTaintRd)
}

// taintClear zeroes taint rd.
func (a *asm) taintClear() {
	a.raw(0xC6, 0x87) // mov byte [rdi+d32], 0
	a.slot32(slotTaintRd)
	a.raw(0x00)
}

// capCheck validates the address in RAX against the capability named by
// the slotCapIdx/slotCapOff placeholders: tag, lower bound, upper bound
// and permissions, in that order, each guarding its own trap exit.
// Clobbers RCX and RDX; leaves the address in RAX and the capability
// entry pointer in RCX.
func (a *asm) capCheck(size uint32, perms byte) {
	a.capCheckAt(size, perms, -1)
}

// capCheckAt is capCheck with the capability index baked in when
// fixedIdx >= 0. Atomics always address through the ambient data
// capability, so their templates carry no index slots.
func (a *asm) capCheckAt(size uint32, perms byte, fixedIdx int) {
	// cmp qword [rdi+FrameCapCountOff], idx / ja ok
	a.raw(0x48, 0x81, 0xBF)
	a.u32(nvm.FrameCapCountOff)
	if fixedIdx >= 0 {
		a.u32(uint32(fixedIdx))
	} else {
		a.slot32(slotCapIdx)
	}
	a.raw(0x77, trapSeqLen)
	a.trapRet(nvm.TrapInvalidTag)
	// rcx = capBase + idx*32
	a.loadRcxAt(nvm.FrameCapBaseOff)
	a.raw(0x48, 0x81, 0xC1)
	if fixedIdx >= 0 {
		a.u32(uint32(fixedIdx) * nvm.CapEntrySize)
	} else {
		a.slot32(slotCapOff)
	}
	// cmp byte [rcx+16], ValidTag / je ok
	a.raw(0x80, 0x79, 0x10, ir.ValidTag)
	a.raw(0x74, trapSeqLen)
	a.trapRet(nvm.TrapInvalidTag)
	// cmp rax, [rcx] / jae ok
	a.raw(0x48, 0x3B, 0x01)
	a.raw(0x73, trapSeqLen)
	a.trapRet(nvm.TrapOutOfBounds)
	// rdx = rax + size; carry means wraparound
	a.raw(0x48, 0x89, 0xC2)
	a.raw(0x48, 0x81, 0xC2)
	a.u32(size)
	a.raw(0x73, trapSeqLen) // jnc ok
	a.trapRet(nvm.TrapOutOfBounds)
	// cmp rdx, [rcx+8] / jbe ok
	a.raw(0x48, 0x3B, 0x51, 0x08)
	a.raw(0x76, trapSeqLen)
	a.trapRet(nvm.TrapOutOfBounds)
	// Every requested permission bit must be present, not just one.
	a.raw(0x8A, 0x51, 0x11)  // mov dl, [rcx+17]
	a.raw(0x80, 0xE2, perms) // and dl, perms
	a.raw(0x80, 0xFA, perms) // cmp dl, perms
	a.raw(0x74, trapSeqLen)  // je ok
	a.trapRet(nvm.TrapPermissionDenied)
}

// addImm64 adds the instruction immediate (via RCX) to RAX. Patched with
// zero when the instruction carries no immediate.
func (a *asm) addImm64() {
	a.raw(0x48, 0xB9) // mov rcx, imm64
	a.slot64(slotImm64)
	a.raw(0x48, 0x01, 0xC8) // add rax, rcx
}

// jumpIndirect transfers control to the instruction index in RAX via the
// jump table. An index at or past the end halts (fall-off-end).
func (a *asm) jumpIndirect() {
	// cmp rax, [rdi+FrameJumpTableLenOff] / jb ok
	a.raw(0x48, 0x3B, 0x87)
	a.u32(nvm.FrameJumpTableLenOff)
	a.raw(0x72, trapSeqLen)
	a.haltRet()
	// rax = codeBase + jumpTable[rax]
	a.loadRcxAt(nvm.FrameJumpTableOff)
	a.raw(0x48, 0x8B, 0x04, 0xC1) // mov rax, [rcx+rax*8]
	a.raw(0x48, 0x03, 0x87)       // add rax, [rdi+d32]
	a.u32(nvm.FrameCodeBaseOff)
	a.raw(0xFF, 0xE0) // jmp rax
}

// setLR writes the return instruction index into lr and marks it clean.
func (a *asm) setLR() {
	a.raw(0x48, 0xC7, 0x87) // mov qword [rdi+lr], imm32
	a.u32(uint32(8 * ir.RegLR))
	a.slot32(slotRetIdx)
	a.raw(0xC6, 0x87) // mov byte [rdi+taint lr], 0
	a.u32(uint32(nvm.FrameTaintOff + ir.RegLR))
	a.raw(0x00)
}

var aluBytes = map[ir.AluOp][]byte{
	ir.AluAdd: {0x48, 0x01, 0xC8}, // add rax, rcx
	ir.AluSub: {0x48, 0x29, 0xC8},
	ir.AluAnd: {0x48, 0x21, 0xC8},
	ir.AluOr:  {0x48, 0x09, 0xC8},
	ir.AluXor: {0x48, 0x31, 0xC8},
	ir.AluShl: {0x48, 0xD3, 0xE0}, // shl rax, cl
	ir.AluShr: {0x48, 0xD3, 0xE8},
	ir.AluSar: {0x48, 0xD3, 0xF8},
}

var branchJcc = map[ir.BranchCond][]byte{
	ir.BranchEq:  {0x0F, 0x84},
	ir.BranchNe:  {0x0F, 0x85},
	ir.BranchLt:  {0x0F, 0x8C},
	ir.BranchLe:  {0x0F, 0x8E},
	ir.BranchGt:  {0x0F, 0x8F},
	ir.BranchGe:  {0x0F, 0x8D},
	ir.BranchLtu: {0x0F, 0x82},
}

var bitsBytes = map[ir.BitsOp][]byte{
	ir.BitsPopcount: {0xF3, 0x48, 0x0F, 0xB8, 0xC0}, // popcnt rax, rax
	ir.BitsClz:      {0xF3, 0x48, 0x0F, 0xBD, 0xC0}, // lzcnt rax, rax
	ir.BitsCtz:      {0xF3, 0x48, 0x0F, 0xBC, 0xC0}, // tzcnt rax, rax
	ir.BitsBswap:    {0x48, 0x0F, 0xC8},             // bswap rax
}

// templateKey selects one template form: opcode, mode and whether the
// instruction carries an immediate word.
type templateKey struct {
	op     byte
	mode   byte
	hasImm bool
}

var (
	tmplMu    sync.Mutex
	tmplCache = map[templateKey]*template{}
)

// ErrUnsupportedOpcode marks an opcode with no stencil. Compilation
// fails closed; the caller falls back to the interpreter.
var ErrUnsupportedOpcode = fmt.Errorf("opcode has no stencil")

// Supported reports whether an opcode class has stencil templates.
func Supported(op byte) bool {
	switch op {
	case ir.ALU, ir.ALUI, ir.MULDIV, ir.LOAD, ir.STORE, ir.ATOMIC,
		ir.BRANCH, ir.CALL, ir.RET, ir.JUMP, ir.TAINT, ir.SANITIZE,
		ir.BITS, ir.MOV, ir.TRAP, ir.NOP, ir.FENCE, ir.HALT:
		return true
	}
	return false
}

func templateFor(in ir.Instruction) (*template, error) {
	key := templateKey{op: in.Opcode, mode: in.Mode, hasImm: in.HasImm}
	tmplMu.Lock()
	defer tmplMu.Unlock()
	if t, ok := tmplCache[key]; ok {
		return t, nil
	}
	t, err := buildTemplate(key)
	if err != nil {
		return nil, err
	}
	tmplCache[key] = t
	return t, nil
}

func buildTemplate(key templateKey) (*template, error) {
	a := &asm{}
	switch key.op {
	case ir.ALU:
		op := ir.AluOp(key.mode)
		if !op.Valid() {
			return nil, fmt.Errorf("%w: alu mode %d", ErrUnsupportedOpcode, key.mode)
		}
		a.loadRax(slotRs1)
		a.loadRcx(slotRs2)
		a.raw(aluBytes[op]...)
		a.storeRax(slotRd)
		a.taintMax()

	case ir.ALUI:
		op := ir.AluOp(key.mode)
		if !op.Valid() {
			return nil, fmt.Errorf("%w: alui mode %d", ErrUnsupportedOpcode, key.mode)
		}
		a.loadRax(slotRs1)
		a.raw(0x48, 0xB9) // mov rcx, imm64
		a.slot64(slotImm64)
		a.raw(aluBytes[op]...)
		a.storeRax(slotRd)
		a.taintCopy()

	case ir.MULDIV:
		if err := buildMulDiv(a, ir.MulDivOp(key.mode)); err != nil {
			return nil, err
		}

	case ir.LOAD:
		if err := buildLoad(a, ir.MemWidth(key.mode)); err != nil {
			return nil, err
		}

	case ir.STORE:
		if err := buildStore(a, ir.MemWidth(key.mode)); err != nil {
			return nil, err
		}

	case ir.ATOMIC:
		if err := buildAtomic(a, ir.AtomicOp(key.mode)); err != nil {
			return nil, err
		}

	case ir.BRANCH:
		cond := ir.BranchCond(key.mode)
		if !cond.Valid() {
			return nil, fmt.Errorf("%w: branch cond %d", ErrUnsupportedOpcode, key.mode)
		}
		if cond == ir.BranchAlways {
			a.raw(0xE9)
			a.slot32(slotRel32)
			break
		}
		a.loadRax(slotRs1)
		a.loadRcx(slotRs2)
		a.raw(0x48, 0x39, 0xC8) // cmp rax, rcx
		a.raw(branchJcc[cond]...)
		a.slot32(slotRel32)

	case ir.CALL:
		a.setLR()
		if key.hasImm {
			a.raw(0xE9)
			a.slot32(slotRel32)
		} else {
			a.loadRax(slotRs1)
			a.jumpIndirect()
		}

	case ir.RET:
		a.loadRaxAt(uint32(8 * ir.RegLR))
		a.jumpIndirect()

	case ir.JUMP:
		if key.hasImm {
			a.raw(0xE9)
			a.slot32(slotRel32)
		} else {
			a.loadRax(slotRs1)
			a.jumpIndirect()
		}

	case ir.TAINT:
		a.raw(0xC6, 0x87) // mov byte [rdi+d32], level
		a.slot32(slotTaintRd)
		a.slot8(slotTaintLvl)

	case ir.SANITIZE:
		a.taintClear()

	case ir.BITS:
		op := ir.BitsOp(key.mode)
		if !op.Valid() {
			return nil, fmt.Errorf("%w: bits mode %d", ErrUnsupportedOpcode, key.mode)
		}
		a.loadRax(slotRs1)
		a.raw(bitsBytes[op]...)
		a.storeRax(slotRd)
		a.taintCopy()

	case ir.MOV:
		if key.hasImm {
			a.raw(0x48, 0xB8) // mov rax, imm64
			a.slot64(slotImm64)
			a.storeRax(slotRd)
			a.taintClear()
		} else {
			a.loadRax(slotRs1)
			a.storeRax(slotRd)
			a.taintCopy()
		}

	case ir.TRAP:
		if key.mode == 0 {
			a.trapRet(nvm.TrapBreakpoint)
		} else {
			a.trapRet(nvm.TrapUser)
		}

	case ir.NOP, ir.FENCE:
		a.raw(0x90)

	case ir.HALT:
		a.haltRet()

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, ir.OpcodeName(key.op))
	}
	return &a.t, nil
}

func buildMulDiv(a *asm, op ir.MulDivOp) error {
	if !op.Valid() {
		return fmt.Errorf("%w: muldiv mode %d", ErrUnsupportedOpcode, byte(op))
	}
	a.loadRax(slotRs1)
	a.loadRcx(slotRs2)
	switch op {
	case ir.MulDivMul:
		a.raw(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
	case ir.MulDivMulH:
		a.raw(0x48, 0xF7, 0xE1) // mul rcx
		a.raw(0x48, 0x89, 0xD0) // mov rax, rdx
	case ir.MulDivDiv, ir.MulDivMod:
		a.raw(0x48, 0x85, 0xC9) // test rcx, rcx
		a.raw(0x75, trapSeqLen) // jnz ok
		a.trapRet(nvm.TrapDivByZero)
		a.raw(0x31, 0xD2)       // xor edx, edx
		a.raw(0x48, 0xF7, 0xF1) // div rcx
		if op == ir.MulDivMod {
			a.raw(0x48, 0x89, 0xD0) // mov rax, rdx
		}
	}
	a.storeRax(slotRd)
	a.taintMax()
	return nil
}

func buildLoad(a *asm, width ir.MemWidth) error {
	if !width.Valid() {
		return fmt.Errorf("%w: load width %d", ErrUnsupportedOpcode, byte(width))
	}
	a.loadRax(slotRs1)
	a.addImm64()
	a.capCheck(uint32(width.ByteSize()), ir.PermRead)
	a.loadRdxAt(nvm.FrameMemBaseOff)
	switch width {
	case ir.MemByte:
		a.raw(0x48, 0x0F, 0xB6, 0x04, 0x02) // movzx rax, byte [rdx+rax]
	case ir.MemHalf:
		a.raw(0x48, 0x0F, 0xB7, 0x04, 0x02) // movzx rax, word [rdx+rax]
	case ir.MemWord:
		a.raw(0x8B, 0x04, 0x02) // mov eax, [rdx+rax]
	case ir.MemDouble:
		a.raw(0x48, 0x8B, 0x04, 0x02) // mov rax, [rdx+rax]
	}
	a.storeRax(slotRd)
	a.taintCopy()
	return nil
}

func buildStore(a *asm, width ir.MemWidth) error {
	if !width.Valid() {
		return fmt.Errorf("%w: store width %d", ErrUnsupportedOpcode, byte(width))
	}
	a.loadRax(slotRs1)
	a.addImm64()
	a.capCheck(uint32(width.ByteSize()), ir.PermWrite)
	a.loadRcx(slotRdRead)
	a.loadRdxAt(nvm.FrameMemBaseOff)
	a.raw(0x48, 0x01, 0xC2) // add rdx, rax
	switch width {
	case ir.MemByte:
		a.raw(0x88, 0x0A) // mov [rdx], cl
	case ir.MemHalf:
		a.raw(0x66, 0x89, 0x0A)
	case ir.MemWord:
		a.raw(0x89, 0x0A)
	case ir.MemDouble:
		a.raw(0x48, 0x89, 0x0A)
	}
	return nil
}

func buildAtomic(a *asm, op ir.AtomicOp) error {
	if !op.Valid() {
		return fmt.Errorf("%w: atomic mode %d", ErrUnsupportedOpcode, byte(op))
	}
	a.loadRax(slotRs1)
	a.addImm64()
	a.capCheckAt(8, ir.PermRead|ir.PermWrite, 0)
	a.loadRdxAt(nvm.FrameMemBaseOff)
	a.raw(0x48, 0x01, 0xC2) // add rdx, rax; rdx = host address
	a.raw(0x48, 0x8B, 0x02) // mov rax, [rdx]; previous value
	a.loadRcx(slotRs2)
	switch op {
	case ir.AtomicCas:
		a.raw(0x48, 0x3B, 0x87) // cmp rax, [rdi+rd]
		a.slot32(slotRdRead)
		a.raw(0x75, 0x03)       // jne +3
		a.raw(0x48, 0x89, 0x0A) // mov [rdx], rcx
	case ir.AtomicXchg:
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicAdd:
		a.raw(0x48, 0x01, 0xC1) // add rcx, rax
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicAnd:
		a.raw(0x48, 0x21, 0xC1)
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicOr:
		a.raw(0x48, 0x09, 0xC1)
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicXor:
		a.raw(0x48, 0x31, 0xC1)
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicMin:
		a.raw(0x48, 0x39, 0xC1) // cmp rcx, rax
		a.raw(0x73, 0x03)       // jae +3
		a.raw(0x48, 0x89, 0x0A)
	case ir.AtomicMax:
		a.raw(0x48, 0x39, 0xC1)
		a.raw(0x76, 0x03) // jbe +3
		a.raw(0x48, 0x89, 0x0A)
	}
	a.storeRax(slotRd)
	a.taintMax()
	return nil
}

// budgetCheck emits the per-block budget charge: subtract the block's
// instruction count and trap on exhaustion.
func budgetCheck(code []byte, cost uint32) []byte {
	code = append(code, 0x48, 0x81, 0xAF) // sub qword [rdi+d32], imm32
	code = binary.LittleEndian.AppendUint32(code, nvm.FrameBudgetOff)
	code = binary.LittleEndian.AppendUint32(code, cost)
	code = append(code, 0x79, trapSeqLen) // jns ok
	code = append(code, 0x48, 0xC7, 0x87)
	code = binary.LittleEndian.AppendUint32(code, nvm.FrameTrapOff)
	code = binary.LittleEndian.AppendUint32(code, uint32(nvm.TrapResourceExhausted))
	code = append(code, 0xC3)
	return code
}

// haltStub is the shared fall-off-end exit appended after the last block.
func haltStub(code []byte) []byte {
	code = append(code, 0x48, 0xC7, 0x87)
	code = binary.LittleEndian.AppendUint32(code, nvm.FrameHaltOff)
	code = binary.LittleEndian.AppendUint32(code, 1)
	code = append(code, 0xC3)
	return code
}
