package stencil

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// Guest address layout of the sandbox. Generated code is position
// independent and reads every absolute address from the frame, so the
// sandbox only has to serialize the context with guest pointers in
// place of host ones.
const (
	sandboxExitAddr  = 0x0000_1000
	sandboxCodeAddr  = 0x0010_0000
	sandboxFrameAddr = 0x0020_0000
	sandboxAuxAddr   = 0x0021_0000
	sandboxStackAddr = 0x0030_0000
	sandboxStackSize = 0x1_0000
	sandboxMemAddr   = 0x1000_0000
)

// SandboxExecutor runs generated code inside a Unicorn CPU emulator.
// Slower than native execution but available on every platform, and the
// guest cannot touch host memory at all.
type SandboxExecutor struct{}

func (SandboxExecutor) Run(c *Compiled, ctx *nvm.Context) error {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer mu.Close()

	// Exit page: the stack holds its address as the return target and
	// emulation stops when the PC reaches it.
	if err := mapWrite(mu, sandboxExitAddr, []byte{0xF4}, uc.PROT_ALL); err != nil {
		return err
	}
	if err := mapWrite(mu, sandboxCodeAddr, c.Code, uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return err
	}

	// Jump table and capability shadow, packed into one aux region.
	shadow := capShadow(ctx)
	aux := make([]byte, 8*len(c.JumpTable)+nvm.CapEntrySize*len(shadow))
	for i, off := range c.JumpTable {
		binary.LittleEndian.PutUint64(aux[8*i:], off)
	}
	capsOff := 8 * len(c.JumpTable)
	for i, ent := range shadow {
		o := capsOff + nvm.CapEntrySize*i
		binary.LittleEndian.PutUint64(aux[o:], ent.Base)
		binary.LittleEndian.PutUint64(aux[o+8:], ent.End)
		binary.LittleEndian.PutUint64(aux[o+16:], ent.TagPerms)
		binary.LittleEndian.PutUint64(aux[o+24:], ent.Cursor)
	}
	if err := mapWrite(mu, sandboxAuxAddr, aux, uc.PROT_READ); err != nil {
		return err
	}

	// Frame with guest pointers substituted for host ones.
	frame := ctx.Frame
	frame.MemBase = sandboxMemAddr
	frame.CodeBase = sandboxCodeAddr
	frame.JumpTable = sandboxAuxAddr
	frame.JumpTableLen = uint64(len(c.JumpTable))
	frame.CapBase = sandboxAuxAddr + uintptr(capsOff)
	frame.CapCount = uint64(len(shadow))
	if err := mapWrite(mu, sandboxFrameAddr, frameBytes(&frame), uc.PROT_READ|uc.PROT_WRITE); err != nil {
		return err
	}

	if err := mapWrite(mu, sandboxMemAddr, ctx.Memory, uc.PROT_READ|uc.PROT_WRITE); err != nil {
		return err
	}

	if err := mu.MemMap(sandboxStackAddr, sandboxStackSize); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	rsp := uint64(sandboxStackAddr + sandboxStackSize - 8)
	var retSlot [8]byte
	binary.LittleEndian.PutUint64(retSlot[:], sandboxExitAddr)
	if err := mu.MemWrite(rsp, retSlot[:]); err != nil {
		return fmt.Errorf("write return slot: %w", err)
	}

	if err := mu.RegWrite(uc.X86_REG_RDI, sandboxFrameAddr); err != nil {
		return fmt.Errorf("set rdi: %w", err)
	}
	if err := mu.RegWrite(uc.X86_REG_RSP, rsp); err != nil {
		return fmt.Errorf("set rsp: %w", err)
	}

	log.Trace(log.JitMonitoring, "entering sandbox", "entry", c.EntryOff, "code", len(c.Code))
	if err := mu.Start(sandboxCodeAddr+c.EntryOff, sandboxExitAddr); err != nil {
		return fmt.Errorf("sandbox run: %w", err)
	}

	// Fold guest state back into the context.
	fb, err := mu.MemRead(sandboxFrameAddr, uint64(unsafe.Sizeof(nvm.Frame{})))
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	var out nvm.Frame
	copy(frameBytes(&out), fb)
	ctx.Frame.Regs = out.Regs
	ctx.Frame.Taint = out.Taint
	ctx.Frame.Discard = out.Discard
	ctx.Frame.TaintDiscard = out.TaintDiscard
	ctx.Frame.Budget = out.Budget
	ctx.Frame.Trap = out.Trap
	ctx.Frame.Halt = out.Halt

	mb, err := mu.MemRead(sandboxMemAddr, uint64(len(ctx.Memory)))
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}
	copy(ctx.Memory, mb)

	ctx.ApplyFrame()
	return nil
}

func mapWrite(mu uc.Unicorn, addr uint64, data []byte, prot int) error {
	size := pageAlign(uint64(len(data)))
	if size == 0 {
		size = pageSize
	}
	if err := mu.MemMap(addr, size); err != nil {
		return fmt.Errorf("map %#x: %w", addr, err)
	}
	if len(data) > 0 {
		if err := mu.MemWrite(addr, data); err != nil {
			return fmt.Errorf("write %#x: %w", addr, err)
		}
	}
	if err := mu.MemProtect(addr, size, prot); err != nil {
		return fmt.Errorf("protect %#x: %w", addr, err)
	}
	return nil
}

func frameBytes(f *nvm.Frame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f)), unsafe.Sizeof(*f))
}

func capShadow(ctx *nvm.Context) []nvm.CapEntry {
	if ctx.Frame.CapCount == 0 {
		return nil
	}
	return unsafe.Slice((*nvm.CapEntry)(unsafe.Pointer(ctx.Frame.CapBase)), ctx.Frame.CapCount)
}
