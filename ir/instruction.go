package ir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Decode failures. The interpreter and the JIT must treat these
// identically: a malformed word is always a fatal trap, never retried.
var (
	ErrInvalidOpcode      = errors.New("invalid opcode")
	ErrInvalidRegister    = errors.New("invalid register")
	ErrTruncatedImmediate = errors.New("truncated immediate")
)

// InstructionSize is the size of one instruction word in bytes. An
// immediate, when present, occupies the following word of the same size.
const InstructionSize = 8

// flagHasImm marks an instruction word that is followed by an 8-byte
// little-endian immediate word.
const flagHasImm = 0x01

// Instruction is one decoded instruction word.
//
// Word layout, little-endian:
//
//	byte 0    opcode class
//	byte 1    mode
//	byte 2    rd
//	byte 3    rs1
//	byte 4    rs2
//	byte 5    flags (bit0: immediate word follows)
//	bytes 6-7 reserved, ignored
type Instruction struct {
	Opcode byte
	Mode   byte
	Rd     byte
	Rs1    byte
	Rs2    byte
	HasImm bool
	Imm    uint64
}

// Size returns the encoded size in bytes, including the immediate word.
func (in Instruction) Size() uint64 {
	if in.HasImm {
		return 2 * InstructionSize
	}
	return InstructionSize
}

// SImm returns the immediate reinterpreted as a signed value. Branch,
// call and jump displacements are signed instruction-index offsets.
func (in Instruction) SImm() int64 {
	return int64(in.Imm)
}

// Encode appends the instruction's word(s) to dst.
func (in Instruction) Encode(dst []byte) []byte {
	var flags byte
	if in.HasImm {
		flags = flagHasImm
	}
	dst = append(dst, in.Opcode, in.Mode, in.Rd, in.Rs1, in.Rs2, flags, 0, 0)
	if in.HasImm {
		dst = binary.LittleEndian.AppendUint64(dst, in.Imm)
	}
	return dst
}

// Decode parses one instruction starting at buf[0]. buf must hold at
// least one full word; the caller guarantees 8-byte alignment.
func Decode(buf []byte) (Instruction, error) {
	if len(buf) < InstructionSize {
		return Instruction{}, ErrTruncatedImmediate
	}
	in := Instruction{
		Opcode: buf[0],
		Mode:   buf[1],
		Rd:     buf[2],
		Rs1:    buf[3],
		Rs2:    buf[4],
	}
	if in.Opcode > MaxOpcode {
		return Instruction{}, fmt.Errorf("%w: %#x", ErrInvalidOpcode, in.Opcode)
	}
	if in.Rd >= NumRegisters || in.Rs1 >= NumRegisters || in.Rs2 >= NumRegisters {
		return Instruction{}, fmt.Errorf("%w: rd=%d rs1=%d rs2=%d", ErrInvalidRegister, in.Rd, in.Rs1, in.Rs2)
	}
	if buf[5]&flagHasImm != 0 {
		if len(buf) < 2*InstructionSize {
			return Instruction{}, fmt.Errorf("%w at opcode %s", ErrTruncatedImmediate, OpcodeName(in.Opcode))
		}
		in.HasImm = true
		in.Imm = binary.LittleEndian.Uint64(buf[InstructionSize : 2*InstructionSize])
	}
	return in, nil
}

// DecodeAll decodes a full code section into an instruction slice.
// Control flow operates on instruction indexes into that slice, not on
// byte offsets.
func DecodeAll(code []byte) ([]Instruction, error) {
	if len(code)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: code length %d not 8-byte aligned", ErrTruncatedImmediate, len(code))
	}
	var out []Instruction
	for off := 0; off < len(code); {
		in, err := Decode(code[off:])
		if err != nil {
			return nil, fmt.Errorf("at offset %d: %w", off, err)
		}
		out = append(out, in)
		off += int(in.Size())
	}
	return out, nil
}

func (in Instruction) String() string {
	var b strings.Builder
	b.WriteString(OpcodeName(in.Opcode))
	switch in.Opcode {
	case ALU, MULDIV, ATOMIC:
		fmt.Fprintf(&b, " %s, %s, %s", RegisterName(in.Rd), RegisterName(in.Rs1), RegisterName(in.Rs2))
	case ALUI, LOAD, STORE:
		fmt.Fprintf(&b, " %s, %s, %d", RegisterName(in.Rd), RegisterName(in.Rs1), in.SImm())
	case BRANCH:
		fmt.Fprintf(&b, " %s, %s, %d", RegisterName(in.Rs1), RegisterName(in.Rs2), in.SImm())
	case MOV:
		if in.HasImm {
			fmt.Fprintf(&b, " %s, %d", RegisterName(in.Rd), in.SImm())
		} else {
			fmt.Fprintf(&b, " %s, %s", RegisterName(in.Rd), RegisterName(in.Rs1))
		}
	case CALL, JUMP:
		fmt.Fprintf(&b, " %d", in.SImm())
	case TAINT, SANITIZE:
		fmt.Fprintf(&b, " %s", RegisterName(in.Rd))
	case EXTCALL:
		fmt.Fprintf(&b, " %d", in.Imm)
	}
	return b.String()
}
