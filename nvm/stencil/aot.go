package stencil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// AOT image layout. The text segment holds a small startup sequence
// followed by the generated code; the data segment holds a pre-built
// frame, jump table, capability shadow and the linear memory image.
const (
	aotTextVaddr = 0x40_0000
	aotDataVaddr = 0x60_0000
	elfHeaderLen = 64
	phdrLen      = 56
	aotTextOff   = elfHeaderLen + 2*phdrLen
)

// AOTConfig shapes a standalone image.
type AOTConfig struct {
	MemorySize      uint64
	MaxInstructions uint64
	Compile         Config
}

// BuildELF compiles prog and wraps it into a standalone static ELF
// executable. The image runs the program and exits with the low byte of
// r0 as its status.
func BuildELF(prog *ir.Program, cfg AOTConfig) ([]byte, error) {
	memSize := cfg.MemorySize
	if memSize == 0 {
		memSize = nvm.DefaultMemorySize
	}
	maxInstr := cfg.MaxInstructions
	if maxInstr == 0 {
		maxInstr = nvm.DefaultMaxInstructions
	}
	if uint64(len(prog.Data))+ir.DataBase > memSize {
		return nil, fmt.Errorf("data section exceeds memory size %d", memSize)
	}

	c, err := Compile(prog, cfg.Compile)
	if err != nil {
		return nil, err
	}

	frameSize := uint64(384)
	jtOff := frameSize
	capOff := jtOff + uint64(8*len(c.JumpTable))
	memOff := pageAlign(capOff + nvm.CapEntrySize)

	frameVaddr := uint64(aotDataVaddr)
	startup := aotStartup(frameVaddr, c.EntryOff)
	codeVaddr := uint64(aotTextVaddr) + aotTextOff + uint64(len(startup))

	// Frame with image-absolute pointers.
	var frame nvm.Frame
	frame.MemBase = uintptr(aotDataVaddr + memOff)
	frame.MemLen = memSize
	frame.Budget = int64(maxInstr)
	frame.JumpTable = uintptr(aotDataVaddr + jtOff)
	frame.JumpTableLen = uint64(len(c.JumpTable))
	frame.CodeBase = uintptr(codeVaddr)
	frame.CapBase = uintptr(aotDataVaddr + capOff)
	frame.CapCount = 1

	data := make([]byte, memOff+ir.DataBase+uint64(len(prog.Data)))
	copy(data, frameBytes(&frame))
	for i, off := range c.JumpTable {
		binary.LittleEndian.PutUint64(data[jtOff+uint64(8*i):], off)
	}
	// Ambient data capability over all of linear memory.
	binary.LittleEndian.PutUint64(data[capOff:], 0)
	binary.LittleEndian.PutUint64(data[capOff+8:], memSize)
	binary.LittleEndian.PutUint64(data[capOff+16:],
		uint64(ir.ValidTag)|uint64(ir.PermRead|ir.PermWrite|ir.PermCap)<<8)
	copy(data[memOff+ir.DataBase:], prog.Data)

	text := append(startup, c.Code...)

	textFileSize := uint64(aotTextOff) + uint64(len(text))
	dataFileOff := pageAlign(textFileSize)
	dataMemSize := memOff + memSize

	var buf bytes.Buffer
	writeELFHeader(&buf, aotTextVaddr+aotTextOff)
	writePhdr(&buf, 0, aotTextVaddr, textFileSize, textFileSize, 0x5)               // R+X
	writePhdr(&buf, dataFileOff, aotDataVaddr, uint64(len(data)), dataMemSize, 0x6) // R+W
	buf.Write(text)
	buf.Write(make([]byte, dataFileOff-textFileSize))
	buf.Write(data)
	return buf.Bytes(), nil
}

// aotStartup loads the frame base, calls the generated code at the
// program's entry offset and exits with r0 as the process status. The
// generated code follows the startup sequence immediately, so the call
// displacement is the exit-sequence length plus the entry offset.
func aotStartup(frameVaddr, entryOff uint64) []byte {
	var b []byte
	b = append(b, 0x48, 0xBF) // mov rdi, frameVaddr
	b = binary.LittleEndian.AppendUint64(b, frameVaddr)
	b = append(b, 0xE8) // call rel32
	b = binary.LittleEndian.AppendUint32(b, uint32(10+entryOff))
	b = append(b, 0x48, 0x8B, 0x3F)             // mov rdi, [rdi]  (r0)
	b = append(b, 0xB8, 0x3C, 0x00, 0x00, 0x00) // mov eax, 60
	b = append(b, 0x0F, 0x05)                   // syscall
	return b
}

func writeELFHeader(buf *bytes.Buffer, entry uint64) {
	buf.Write([]byte{0x7F, 'E', 'L', 'F', 2, 1, 1, 0}) // 64-bit LE SysV
	buf.Write(make([]byte, 8))
	le := binary.LittleEndian
	var h [48]byte
	le.PutUint16(h[0:], 2)  // ET_EXEC
	le.PutUint16(h[2:], 62) // EM_X86_64
	le.PutUint32(h[4:], 1)
	le.PutUint64(h[8:], entry)
	le.PutUint64(h[16:], elfHeaderLen) // phoff
	le.PutUint64(h[24:], 0)            // shoff
	le.PutUint32(h[32:], 0)            // flags
	le.PutUint16(h[36:], elfHeaderLen)
	le.PutUint16(h[38:], phdrLen)
	le.PutUint16(h[40:], 2) // phnum
	le.PutUint16(h[42:], 0)
	le.PutUint16(h[44:], 0)
	le.PutUint16(h[46:], 0)
	buf.Write(h[:])
}

func writePhdr(buf *bytes.Buffer, off, vaddr, filesz, memsz uint64, flags uint32) {
	le := binary.LittleEndian
	var p [phdrLen]byte
	le.PutUint32(p[0:], 1) // PT_LOAD
	le.PutUint32(p[4:], flags)
	le.PutUint64(p[8:], off)
	le.PutUint64(p[16:], vaddr)
	le.PutUint64(p[24:], vaddr)
	le.PutUint64(p[32:], filesz)
	le.PutUint64(p[40:], memsz)
	le.PutUint64(p[48:], pageSize)
	buf.Write(p[:])
}
