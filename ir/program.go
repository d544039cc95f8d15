package ir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Program container framing.
const (
	ProgramMagic   = "NRLG"
	ProgramVersion = 1

	headerSize = 4 + 2 + 2 + 4 + 4 + 4 // magic, version, pad, entry, codeLen, dataLen
)

// DataBase is the linear-memory address the data section is loaded at.
const DataBase = 0x1000

var ErrBadProgram = errors.New("bad program")

// Program is a decoded program blob: the instruction stream plus the
// initial data image.
type Program struct {
	Entry        uint32 // entry instruction index
	Code         []byte // raw 8-byte-aligned instruction words
	Data         []byte // initial data image, loaded at DataBase
	Instructions []Instruction
}

// LoadProgram parses a program container. Raw instruction streams without
// the container header are accepted as code-only programs.
func LoadProgram(blob []byte) (*Program, error) {
	if len(blob) >= headerSize && string(blob[:4]) == ProgramMagic {
		return loadContainer(blob)
	}
	return loadRawCode(blob)
}

// LoadProgramFile reads and parses a program from disk.
func LoadProgramFile(path string) (*Program, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return LoadProgram(blob)
}

func loadContainer(blob []byte) (*Program, error) {
	version := binary.LittleEndian.Uint16(blob[4:6])
	if version != ProgramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadProgram, version)
	}
	entry := binary.LittleEndian.Uint32(blob[8:12])
	codeLen := binary.LittleEndian.Uint32(blob[12:16])
	dataLen := binary.LittleEndian.Uint32(blob[16:20])
	if uint64(headerSize)+uint64(codeLen)+uint64(dataLen) > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: truncated sections (code=%d data=%d blob=%d)", ErrBadProgram, codeLen, dataLen, len(blob))
	}
	code := blob[headerSize : headerSize+codeLen]
	data := blob[headerSize+codeLen : headerSize+codeLen+dataLen]

	instructions, err := DecodeAll(code)
	if err != nil {
		return nil, err
	}
	if entry != 0 && int(entry) >= len(instructions) {
		return nil, fmt.Errorf("%w: entry %d beyond %d instructions", ErrBadProgram, entry, len(instructions))
	}
	return &Program{
		Entry:        entry,
		Code:         code,
		Data:         data,
		Instructions: instructions,
	}, nil
}

func loadRawCode(blob []byte) (*Program, error) {
	instructions, err := DecodeAll(blob)
	if err != nil {
		return nil, err
	}
	return &Program{
		Code:         blob,
		Instructions: instructions,
	}, nil
}

// Encode serializes the program into its container framing.
func (p *Program) Encode() []byte {
	out := make([]byte, 0, headerSize+len(p.Code)+len(p.Data))
	out = append(out, ProgramMagic...)
	out = binary.LittleEndian.AppendUint16(out, ProgramVersion)
	out = append(out, 0, 0)
	out = binary.LittleEndian.AppendUint32(out, p.Entry)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Code)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Data)))
	out = append(out, p.Code...)
	out = append(out, p.Data...)
	return out
}

// Assemble builds a program from decoded instructions, re-encoding the
// code section. Used by tests and builder tooling.
func Assemble(entry uint32, data []byte, instructions ...Instruction) *Program {
	var code []byte
	for _, in := range instructions {
		code = in.Encode(code)
	}
	return &Program{
		Entry:        entry,
		Code:         code,
		Data:         data,
		Instructions: instructions,
	}
}
