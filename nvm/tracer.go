package nvm

import "github.com/jeremyhahn/neurlang-sub001/ir"

// TraceStep is one executed instruction's sample. Emitted before the
// instruction's effects are applied, except Result/ResultTaint which
// carry the destination register after the write.
type TraceStep struct {
	Seq         uint64        `json:"seq"`
	PC          uint64        `json:"pc"`
	Opcode      byte          `json:"opcode"`
	Mnemonic    string        `json:"mnemonic"`
	Rd          byte          `json:"rd"`
	Result      uint64        `json:"result"`
	ResultTaint ir.TaintLevel `json:"resultTaint"`
}

// Tracer observes interpreted execution. Implementations must tolerate
// being called from the hot loop; expensive sinks should buffer.
type Tracer interface {
	Step(TraceStep)
	Finish(state MachineState, kind TrapKind, r0 uint64)
}
