// Package engine selects and drives an execution strategy: the
// interpreter, native generated code, or sandboxed generated code.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
	"github.com/jeremyhahn/neurlang-sub001/nvm/stencil"
	"github.com/jeremyhahn/neurlang-sub001/storage"
)

// Strategy names an execution path.
type Strategy int

const (
	// StrategyAuto compiles when the program and platform allow it and
	// falls back to the interpreter otherwise.
	StrategyAuto Strategy = iota
	StrategyInterp
	StrategyJIT
	StrategyJITSandbox
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyInterp:
		return "interp"
	case StrategyJIT:
		return "jit"
	case StrategyJITSandbox:
		return "sandbox"
	}
	return "unknown"
}

// ParseStrategy maps a CLI flag value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "auto", "":
		return StrategyAuto, nil
	case "interp", "interpreter":
		return StrategyInterp, nil
	case "jit", "native":
		return StrategyJIT, nil
	case "sandbox", "jit-sandbox":
		return StrategyJITSandbox, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Stats are per-run measurements.
type Stats struct {
	Strategy        Strategy
	Executed        uint64
	CompileTime     time.Duration
	ExecTime        time.Duration
	TaintViolations uint64
	CacheHit        bool
}

// Result is the outcome of one program run.
type Result struct {
	Value uint64
	State nvm.MachineState
	Trap  nvm.TrapKind
	Stats Stats
}

// Options extends the VM options with strategy selection and caching.
type Options struct {
	nvm.Options
	Strategy    Strategy
	MaxCodeSize int
	// Cache, when set, is consulted for compiled code before compiling
	// and updated after a successful compilation.
	Cache *storage.CodeStore
}

// Run executes prog under opts and reports the final machine state.
// Host-level failures (compilation limits, executor faults) surface as
// errors; guest traps are a Result, not an error.
func Run(prog *ir.Program, opts Options) (*Result, error) {
	ctx, err := nvm.NewContext(prog, opts.Options)
	if err != nil {
		return nil, err
	}
	defer ctx.Close()
	return RunContext(prog, ctx, opts)
}

// RunContext executes prog against an existing context, which the
// caller owns and closes. Used by the worker manager to keep a context
// per worker.
func RunContext(prog *ir.Program, ctx *nvm.Context, opts Options) (*Result, error) {
	strategy := opts.Strategy
	if strategy == StrategyAuto {
		strategy = pickStrategy(prog)
	}

	var stats Stats
	switch strategy {
	case StrategyInterp:
		start := time.Now()
		nvm.NewInterp(prog, ctx).Run()
		stats.ExecTime = time.Since(start)

	case StrategyJIT, StrategyJITSandbox:
		cstart := time.Now()
		compiled, hit, err := compileCached(prog, opts)
		stats.CompileTime = time.Since(cstart)
		if err != nil {
			if opts.Strategy == StrategyAuto && errors.Is(err, stencil.ErrUnsupportedOpcode) {
				log.Debug(log.JitMonitoring, "falling back to interpreter", "err", err)
				o := opts
				o.Strategy = StrategyInterp
				return RunContext(prog, ctx, o)
			}
			return nil, err
		}
		stats.CacheHit = hit

		var exec stencil.Executor = stencil.NativeExecutor{}
		if strategy == StrategyJITSandbox {
			exec = stencil.SandboxExecutor{}
		}
		start := time.Now()
		if err := exec.Run(compiled, ctx); err != nil {
			return nil, err
		}
		stats.ExecTime = time.Since(start)

	default:
		return nil, fmt.Errorf("unknown strategy %d", strategy)
	}

	if ctx.State == nvm.Running {
		ctx.State = nvm.Halted
	}
	stats.Strategy = strategy
	stats.Executed = ctx.Executed()
	stats.TaintViolations = ctx.TaintViolations
	return &Result{
		Value: ctx.Reg(ir.RegR0),
		State: ctx.State,
		Trap:  ctx.TrapKind,
		Stats: stats,
	}, nil
}

// pickStrategy decides the auto path: generated code only when every
// instruction has a stencil and the host can execute it natively.
func pickStrategy(prog *ir.Program) Strategy {
	if !stencil.NativeSupported() {
		return StrategyInterp
	}
	for _, in := range prog.Instructions {
		if !stencil.Supported(in.Opcode) {
			return StrategyInterp
		}
	}
	return StrategyJIT
}

func compileCached(prog *ir.Program, opts Options) (*stencil.Compiled, bool, error) {
	cfg := stencil.Config{MaxCodeSize: opts.MaxCodeSize}
	if opts.Cache == nil {
		c, err := stencil.Compile(prog, cfg)
		return c, false, err
	}

	key := storage.Key(prog.Encode())
	if blob, ok, err := opts.Cache.Get(key); err == nil && ok {
		var c stencil.Compiled
		if err := c.UnmarshalBinary(blob); err == nil {
			return &c, true, nil
		}
		log.Warn(log.CacheMonitoring, "stale code cache entry", "key", fmt.Sprintf("%x", key[:8]))
	}

	c, err := stencil.Compile(prog, cfg)
	if err != nil {
		return nil, false, err
	}
	if blob, err := c.MarshalBinary(); err == nil {
		if err := opts.Cache.Put(key, blob); err != nil {
			log.Warn(log.CacheMonitoring, "code cache write failed", "err", err)
		}
	}
	return c, false, nil
}
