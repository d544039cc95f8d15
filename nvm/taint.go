package nvm

import (
	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
)

// propagateUnary applies the move/unary-op rule: the result carries the
// operand's taint unchanged.
func (ctx *Context) propagateUnary(dst, src byte) {
	ctx.SetRegTaint(dst, ctx.RegTaint(src))
}

// propagateBinary applies the binary-op rule: the result carries the
// higher of the two operand taints.
func (ctx *Context) propagateBinary(dst, src1, src2 byte) {
	ctx.SetRegTaint(dst, ir.MaxTaint(ctx.RegTaint(src1), ctx.RegTaint(src2)))
}

// taintGate enforces the taint policy at a taint-sensitive boundary
// (extension calls, file/network writes, console output). regs are the
// operand registers feeding the boundary. Returns false when the
// operation must not run; the context is already trapped in that case.
func (ctx *Context) taintGate(op string, regs ...byte) bool {
	var worst ir.TaintLevel
	var worstReg byte
	for _, r := range regs {
		if t := ctx.RegTaint(r); t > worst {
			worst = t
			worstReg = r
		}
	}
	if worst == ir.TaintClean {
		return true
	}
	if ctx.observeTaint {
		ctx.TaintViolations++
		log.Debug(log.VmMonitoring, "taint violation observed", "op", op, "reg", ir.RegisterName(worstReg), "level", worst.String(), "count", ctx.TaintViolations)
		return true
	}
	ctx.trap(TrapTaintViolation)
	return false
}
