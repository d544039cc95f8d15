package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

func traceRun(t *testing.T, tracer nvm.Tracer) {
	t.Helper()
	prog := ir.Assemble(0, nil,
		ir.Instruction{Opcode: ir.MOV, Rd: 1, HasImm: true, Imm: 3},
		ir.Instruction{Opcode: ir.MOV, Rd: 2, HasImm: true, Imm: 4},
		ir.Instruction{Opcode: ir.ALU, Mode: byte(ir.AluAdd), Rd: ir.RegR0, Rs1: 1, Rs2: 2},
		ir.Instruction{Opcode: ir.HALT},
	)
	ctx, err := nvm.NewContext(prog, nvm.Options{Tracer: tracer})
	require.NoError(t, err)
	defer ctx.Close()
	nvm.NewInterp(prog, ctx).Run()
	require.Equal(t, nvm.Halted, ctx.State)
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	traceRun(t, NewJSONLSink(&buf))

	sc := bufio.NewScanner(&buf)
	var steps []nvm.TraceStep
	var final summary
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, `"final"`) {
			require.NoError(t, json.Unmarshal([]byte(line), &final))
			continue
		}
		var st nvm.TraceStep
		require.NoError(t, json.Unmarshal([]byte(line), &st))
		steps = append(steps, st)
	}

	// Three effective instructions before the halt; HALT terminates the
	// step loop without emitting a record.
	require.Len(t, steps, 3)
	assert.Equal(t, "mov", steps[0].Mnemonic)
	assert.Equal(t, "alu", steps[2].Mnemonic)
	assert.EqualValues(t, 7, steps[2].Result)
	for i, st := range steps {
		assert.EqualValues(t, i+1, st.Seq)
	}
	assert.True(t, final.Final)
	assert.Equal(t, "halted", final.State)
	assert.EqualValues(t, 7, final.R0)
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	traceRun(t, Multi{NewJSONLSink(&a), NewJSONLSink(&b)})
	assert.Equal(t, a.String(), b.String())
	assert.NotEmpty(t, a.String())
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the subscriber registration land before emitting.
	time.Sleep(50 * time.Millisecond)
	b.Step(nvm.TraceStep{Seq: 1, Mnemonic: "mov", Result: 3})
	b.Finish(nvm.Halted, nvm.TrapNone, 3)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var st nvm.TraceStep
	require.NoError(t, conn.ReadJSON(&st))
	assert.EqualValues(t, 1, st.Seq)
	assert.Equal(t, "mov", st.Mnemonic)

	var final summary
	require.NoError(t, conn.ReadJSON(&final))
	assert.True(t, final.Final)
	assert.EqualValues(t, 3, final.R0)
}
