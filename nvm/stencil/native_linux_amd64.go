//go:build linux && amd64

package stencil

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// NativeSupported reports whether this build can execute generated code
// directly on the host.
func NativeSupported() bool { return true }

// trampoline jumps into generated code with the frame base in RDI.
// Implemented in assembly; the generated code preserves RDI and returns
// with RET once it has written its exit state into the frame.
//
//go:noescape
func trampoline(entry, frame uintptr)

// NativeExecutor maps generated code W^X and runs it on the host CPU.
type NativeExecutor struct{}

func (NativeExecutor) Run(c *Compiled, ctx *nvm.Context) error {
	mem, err := syscall.Mmap(
		-1, 0, int(pageAlign(uint64(len(c.Code)))),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE,
	)
	if err != nil {
		return fmt.Errorf("mmap code: %w", err)
	}
	defer syscall.Munmap(mem)
	copy(mem, c.Code)
	// Writable and executable are never held at once.
	if err := syscall.Mprotect(mem, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect code: %w", err)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	ctx.Frame.CodeBase = base
	if len(c.JumpTable) > 0 {
		ctx.Frame.JumpTable = uintptr(unsafe.Pointer(&c.JumpTable[0]))
	}
	ctx.Frame.JumpTableLen = uint64(len(c.JumpTable))

	log.Trace(log.JitMonitoring, "entering generated code", "base", fmt.Sprintf("%#x", base), "entry", c.EntryOff)
	trampoline(base+uintptr(c.EntryOff), uintptr(unsafe.Pointer(&ctx.Frame)))
	runtime.KeepAlive(c.JumpTable)
	runtime.KeepAlive(ctx)

	ctx.ApplyFrame()
	return nil
}
