package nvm

import (
	"github.com/jeremyhahn/neurlang-sub001/ir"
)

// ExtensionHandler executes one externally resolved extension. The core
// dispatches strictly by numeric id; resolving human-readable intents to
// ids happens entirely outside the VM. Handlers touching network or file
// data must report elevated taint for their result.
type ExtensionHandler func(args []uint64) (value uint64, taint ir.TaintLevel, err error)

// ExtensionRegistry maps extension ids to handlers. Registries are
// host-configured before a run and read-only during execution.
type ExtensionRegistry struct {
	handlers map[uint32]ExtensionHandler
}

func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{handlers: make(map[uint32]ExtensionHandler)}
}

// Register binds an id to a handler, replacing any previous binding.
func (r *ExtensionRegistry) Register(id uint32, h ExtensionHandler) {
	r.handlers[id] = h
}

// Lookup returns the handler for id, if any.
func (r *ExtensionRegistry) Lookup(id uint32) (ExtensionHandler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[id]
	return h, ok
}

// extCallArgRegs are the registers passed to extension handlers, in order.
var extCallArgRegs = []byte{1, 2, 3, 4, 5}
