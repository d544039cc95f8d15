// Package trace provides execution tracers: a JSONL file sink and a
// websocket broadcaster for live inspection of interpreted runs.
package trace

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// summary is the terminal trace record.
type summary struct {
	Final bool   `json:"final"`
	State string `json:"state"`
	Trap  string `json:"trap"`
	R0    uint64 `json:"r0"`
}

// JSONLSink writes one JSON object per executed instruction, followed
// by a final summary record.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Step(st nvm.TraceStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(st)
}

func (s *JSONLSink) Finish(state nvm.MachineState, kind nvm.TrapKind, r0 uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(summary{Final: true, State: state.String(), Trap: kind.String(), R0: r0})
}

// Multi fans a trace out to several sinks.
type Multi []nvm.Tracer

func (m Multi) Step(st nvm.TraceStep) {
	for _, t := range m {
		t.Step(st)
	}
}

func (m Multi) Finish(state nvm.MachineState, kind nvm.TrapKind, r0 uint64) {
	for _, t := range m {
		t.Finish(state, kind, r0)
	}
}
