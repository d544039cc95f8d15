package stencil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

var (
	// ErrBufferOverflow means the generated code outgrew the configured
	// ceiling.
	ErrBufferOverflow = errors.New("generated code exceeds buffer limit")
	// ErrRelocationOverflow means a branch displacement does not fit in
	// a rel32 field.
	ErrRelocationOverflow = errors.New("branch displacement exceeds rel32 range")
)

// DefaultMaxCodeSize bounds generated code when Config leaves it zero.
const DefaultMaxCodeSize = 4 << 20

type Config struct {
	MaxCodeSize int
}

// Compiled is one program's generated code, position-independent: all
// absolute addresses are loaded from the frame at run time, so the same
// bytes execute natively, under the sandbox, or inside an AOT image.
type Compiled struct {
	Code []byte
	// JumpTable maps instruction index to code offset, for RET and
	// indirect jumps. The final entry-count is FrameJumpTableLen.
	JumpTable []uint64
	// EntryOff is the code offset of the program's entry instruction.
	EntryOff uint64
}

type reloc struct {
	codeOff int    // offset of the rel32 field
	target  uint64 // target instruction index
}

// Compile translates a decoded program by stencil copy-and-patch. An
// opcode without a stencil fails the whole compilation with
// ErrUnsupportedOpcode: execution strategy selection must fall back, the
// compiler never emits partial programs.
func Compile(prog *ir.Program, cfg Config) (*Compiled, error) {
	maxCode := cfg.MaxCodeSize
	if maxCode == 0 {
		maxCode = DefaultMaxCodeSize
	}
	n := len(prog.Instructions)
	if int(prog.Entry) > n {
		return nil, fmt.Errorf("entry %d outside program of %d instructions", prog.Entry, n)
	}

	leaders := findLeaders(prog.Instructions)

	var (
		code   []byte
		relocs []reloc
	)
	jumpTable := make([]uint64, n)

	for i, in := range prog.Instructions {
		// Jump-table entries and branch targets land on the block's
		// budget prologue so re-entering a block always charges it.
		jumpTable[i] = uint64(len(code))
		if leaders[i] {
			code = budgetCheck(code, blockCost(prog.Instructions, leaders, i))
		}

		t, err := templateFor(in)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, ir.OpcodeName(in.Opcode), err)
		}
		base := len(code)
		if base+len(t.code) > maxCode {
			return nil, fmt.Errorf("%w: %d bytes at instruction %d", ErrBufferOverflow, base+len(t.code), i)
		}
		code = append(code, t.code...)

		for _, s := range t.slots {
			off := base + s.off
			switch s.kind {
			case slotRel32:
				relocs = append(relocs, reloc{codeOff: off, target: uint64(i) + uint64(in.SImm())})
			case slotTaintLvl:
				level := ir.TaintUserInput
				if in.HasImm {
					level = ir.TaintLevel(in.Imm)
				}
				code[off] = byte(level)
			case slotImm64:
				binary.LittleEndian.PutUint64(code[off:], in.Imm)
			default:
				binary.LittleEndian.PutUint32(code[off:], slotValue32(s.kind, in, i))
			}
		}
	}

	endOff := uint64(len(code))
	code = haltStub(code)
	if len(code) > maxCode {
		return nil, fmt.Errorf("%w: %d bytes", ErrBufferOverflow, len(code))
	}

	for _, r := range relocs {
		targetOff := endOff
		if r.target < uint64(n) {
			targetOff = jumpTable[r.target]
		}
		disp := int64(targetOff) - int64(r.codeOff+4)
		if disp > math.MaxInt32 || disp < math.MinInt32 {
			return nil, fmt.Errorf("%w: %d", ErrRelocationOverflow, disp)
		}
		binary.LittleEndian.PutUint32(code[r.codeOff:], uint32(int32(disp)))
	}

	entryOff := endOff
	if int(prog.Entry) < n {
		entryOff = jumpTable[prog.Entry]
	}
	log.Debug(log.JitMonitoring, "compiled", "instructions", n, "bytes", len(code), "entry", entryOff)
	return &Compiled{Code: code, JumpTable: jumpTable, EntryOff: entryOff}, nil
}

// slotValue32 resolves a 32-bit placeholder for one instruction. Writes
// to the zero register are redirected to the frame's discard fields.
func slotValue32(k slotKind, in ir.Instruction, idx int) uint32 {
	switch k {
	case slotRd:
		if in.Rd == ir.RegZero {
			return nvm.FrameDiscardOff
		}
		return uint32(8 * in.Rd)
	case slotRdRead:
		return uint32(8 * in.Rd)
	case slotRs1:
		return uint32(8 * in.Rs1)
	case slotRs2:
		return uint32(8 * in.Rs2)
	case slotTaintRd:
		if in.Rd == ir.RegZero {
			return nvm.FrameTaintDiscardOff
		}
		return uint32(nvm.FrameTaintOff + int(in.Rd))
	case slotTaintRs1:
		return uint32(nvm.FrameTaintOff + int(in.Rs1))
	case slotTaintRs2:
		return uint32(nvm.FrameTaintOff + int(in.Rs2))
	case slotCapIdx:
		return uint32(in.Rs2)
	case slotCapOff:
		return uint32(in.Rs2) * nvm.CapEntrySize
	case slotRetIdx:
		return uint32(idx + 1)
	}
	return 0
}

// findLeaders marks basic-block entry points: instruction 0, branch and
// call targets, and instructions following a control transfer.
func findLeaders(ins []ir.Instruction) []bool {
	leaders := make([]bool, len(ins))
	if len(ins) == 0 {
		return leaders
	}
	leaders[0] = true
	for i, in := range ins {
		switch in.Opcode {
		case ir.BRANCH, ir.CALL, ir.JUMP:
			if in.HasImm {
				if t := uint64(i) + uint64(in.SImm()); t < uint64(len(ins)) {
					leaders[t] = true
				}
			} else {
				// Register-form transfers (and RET below) resolve
				// through the jump table at run time and can land on
				// any instruction. Every index is then a potential
				// block entry and must charge budget, or a loop whose
				// back edge is indirect would never trap exhaustion.
				for j := range leaders {
					leaders[j] = true
				}
				return leaders
			}
			if i+1 < len(ins) {
				leaders[i+1] = true
			}
		case ir.RET:
			for j := range leaders {
				leaders[j] = true
			}
			return leaders
		case ir.TRAP, ir.HALT:
			if i+1 < len(ins) {
				leaders[i+1] = true
			}
		}
	}
	return leaders
}

// blockCost counts the instructions of the block starting at leader i.
func blockCost(ins []ir.Instruction, leaders []bool, i int) uint32 {
	cost := uint32(1)
	for j := i + 1; j < len(ins) && !leaders[j]; j++ {
		cost++
	}
	return cost
}
