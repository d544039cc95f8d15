package nvm

import (
	"github.com/jeremyhahn/neurlang-sub001/ir"
)

// Boundary-op register conventions:
//
//	FILE open    rs1=path addr, rs2=path len, imm=flags        rd <- fd
//	FILE read    rs1=fd, rs2=buf addr, len=imm or rd           rd <- n
//	FILE write   rs1=fd, rs2=buf addr, len=imm or rd           rd <- n
//	FILE close   rs1=fd                                        rd <- 0
//	FILE seek    rs1=fd, rs2=offset, imm=whence                rd <- pos
//	FILE stat    rs1=path addr, rs2=path len                   rd <- size, r1 <- mtime
//	FILE mkdir/delete  rs1=path addr, rs2=path len             rd <- 0
//	NET socket                                                 rd <- fd
//	NET connect  rs1=fd, rs2=host addr (NUL-terminated), imm=port
//	NET bind     rs1=fd, imm=port
//	NET listen   rs1=fd
//	NET accept   rs1=fd                                        rd <- conn fd
//	NET send/recv  rs1=fd, rs2=buf addr, len=imm or rd         rd <- n
//	IO print     rs1=buf addr, rs2=len                         rd <- n
//	IO readline  rs1=buf addr, rs2=max len                     rd <- n
//
// Failures are in-band: rd <- ^0. Buffer accesses are bounds-checked
// through the ambient data capability; a violation there traps.

// bufLen resolves the static-or-dynamic length convention.
func (vm *Interp) bufLen(in ir.Instruction) uint64 {
	if in.Imm != 0 {
		return in.Imm
	}
	return vm.ctx.Reg(in.Rd)
}

// memBytes returns the checked memory window [addr, addr+length).
// A capability violation traps and returns ok=false.
func (vm *Interp) memBytes(addr, length uint64, perms byte) ([]byte, bool) {
	if kind := vm.ctx.CheckCap(0, addr, length, perms); kind != TrapNone {
		vm.ctx.trap(kind)
		return nil, false
	}
	return vm.ctx.Memory[addr : addr+length], true
}

// memString reads a program-provided string.
func (vm *Interp) memString(addr, length uint64) (string, bool) {
	buf, ok := vm.memBytes(addr, length, ir.PermRead)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// memCString reads a NUL-terminated string, capped at 256 bytes.
func (vm *Interp) memCString(addr uint64) (string, bool) {
	max := uint64(256)
	if rem := uint64(len(vm.ctx.Memory)) - addr; addr < uint64(len(vm.ctx.Memory)) && rem < max {
		max = rem
	}
	buf, ok := vm.memBytes(addr, max, ir.PermRead)
	if !ok {
		return "", false
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), true
		}
	}
	return string(buf), true
}

func (vm *Interp) stepFile(in ir.Instruction) bool {
	ctx := vm.ctx
	op := ir.FileOp(in.Mode)
	result := ioErr

	switch op {
	case ir.FileOpen:
		path, ok := vm.memString(ctx.Reg(in.Rs1), ctx.Reg(in.Rs2))
		if !ok {
			return false
		}
		if fd, err := ctx.io.FileOpen(path, uint32(in.Imm)); err == nil {
			result = fd
		}

	case ir.FileRead:
		buf, ok := vm.memBytes(ctx.Reg(in.Rs2), vm.bufLen(in), ir.PermWrite)
		if !ok {
			return false
		}
		if n, err := ctx.io.FileRead(ctx.Reg(in.Rs1), buf); err == nil {
			result = uint64(n)
		}
		ctx.SetReg(in.Rd, result)
		ctx.SetRegTaint(in.Rd, ir.TaintFileData)
		return true

	case ir.FileWrite:
		if !ctx.taintGate("file.write", in.Rs1, in.Rs2, in.Rd) {
			return false
		}
		buf, ok := vm.memBytes(ctx.Reg(in.Rs2), vm.bufLen(in), ir.PermRead)
		if !ok {
			return false
		}
		if n, err := ctx.io.FileWrite(ctx.Reg(in.Rs1), buf); err == nil {
			result = uint64(n)
		}

	case ir.FileClose:
		if err := ctx.io.Close(ctx.Reg(in.Rs1)); err == nil {
			result = 0
		}

	case ir.FileSeek:
		if pos, err := ctx.io.FileSeek(ctx.Reg(in.Rs1), int64(ctx.Reg(in.Rs2)), uint32(in.Imm)); err == nil {
			result = pos
		}

	case ir.FileStat:
		path, ok := vm.memString(ctx.Reg(in.Rs1), ctx.Reg(in.Rs2))
		if !ok {
			return false
		}
		if size, mtime, err := ctx.io.FileStat(path); err == nil {
			ctx.SetReg(1, mtime)
			result = size
		}

	case ir.FileMkdir, ir.FileDelete:
		path, ok := vm.memString(ctx.Reg(in.Rs1), ctx.Reg(in.Rs2))
		if !ok {
			return false
		}
		var err error
		if op == ir.FileMkdir {
			err = ctx.io.FileMkdir(path)
		} else {
			err = ctx.io.FileDelete(path)
		}
		if err == nil {
			result = 0
		}
	}

	ctx.SetReg(in.Rd, result)
	ctx.SetRegTaint(in.Rd, ir.TaintClean)
	return true
}

func (vm *Interp) stepNet(in ir.Instruction) bool {
	ctx := vm.ctx
	result := ioErr

	switch ir.NetOp(in.Mode) {
	case ir.NetSocket:
		if fd, err := ctx.io.NetSocket(); err == nil {
			result = fd
		}

	case ir.NetConnect:
		host, ok := vm.memCString(ctx.Reg(in.Rs2))
		if !ok {
			return false
		}
		if err := ctx.io.NetConnect(ctx.Reg(in.Rs1), host, uint16(in.Imm)); err == nil {
			result = 0
		}

	case ir.NetBind:
		if err := ctx.io.NetBind(ctx.Reg(in.Rs1), uint16(in.Imm)); err == nil {
			result = 0
		}

	case ir.NetListen:
		if err := ctx.io.NetListen(ctx.Reg(in.Rs1)); err == nil {
			result = 0
		}

	case ir.NetAccept:
		if fd, err := ctx.io.NetAccept(ctx.Reg(in.Rs1)); err == nil {
			result = fd
		}

	case ir.NetSend:
		if !ctx.taintGate("net.send", in.Rs1, in.Rs2, in.Rd) {
			return false
		}
		buf, ok := vm.memBytes(ctx.Reg(in.Rs2), vm.bufLen(in), ir.PermRead)
		if !ok {
			return false
		}
		if n, err := ctx.io.NetSend(ctx.Reg(in.Rs1), buf); err == nil {
			result = uint64(n)
		}

	case ir.NetRecv:
		buf, ok := vm.memBytes(ctx.Reg(in.Rs2), vm.bufLen(in), ir.PermWrite)
		if !ok {
			return false
		}
		if n, err := ctx.io.NetRecv(ctx.Reg(in.Rs1), buf); err == nil {
			result = uint64(n)
		}
		ctx.SetReg(in.Rd, result)
		ctx.SetRegTaint(in.Rd, ir.TaintNetworkData)
		return true

	case ir.NetClose:
		if err := ctx.io.Close(ctx.Reg(in.Rs1)); err == nil {
			result = 0
		}
	}

	ctx.SetReg(in.Rd, result)
	ctx.SetRegTaint(in.Rd, ir.TaintClean)
	return true
}

func (vm *Interp) stepConsole(in ir.Instruction) bool {
	ctx := vm.ctx
	result := ioErr

	switch ir.IoOp(in.Mode) {
	case ir.IoPrint:
		if !ctx.taintGate("io.print", in.Rs1, in.Rs2) {
			return false
		}
		buf, ok := vm.memBytes(ctx.Reg(in.Rs1), ctx.Reg(in.Rs2), ir.PermRead)
		if !ok {
			return false
		}
		if n, err := ctx.io.ConsolePrint(buf); err == nil {
			result = uint64(n)
		}

	case ir.IoReadLine:
		addr := ctx.Reg(in.Rs1)
		max := ctx.Reg(in.Rs2)
		buf, ok := vm.memBytes(addr, max, ir.PermWrite)
		if !ok {
			return false
		}
		if line, err := ctx.io.ConsoleReadLine(int(max)); err == nil {
			result = uint64(copy(buf, line))
		}
		ctx.SetReg(in.Rd, result)
		ctx.SetRegTaint(in.Rd, ir.TaintUserInput)
		return true

	case ir.IoGetArgs, ir.IoGetEnv:
		result = 0
	}

	ctx.SetReg(in.Rd, result)
	ctx.SetRegTaint(in.Rd, ir.TaintClean)
	return true
}
