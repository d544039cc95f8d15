// Package server runs a guest program as a multi-worker network
// service. Each worker owns a private execution context; the kernel (or
// a shared listener) distributes connections across workers.
package server

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/jeremyhahn/neurlang-sub001/engine"
	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
)

// ListenStrategy selects how workers share the service address.
type ListenStrategy int

const (
	// StrategyAuto picks reuseport where the platform supports it.
	StrategyAuto ListenStrategy = iota
	// StrategyReusePort gives every worker its own SO_REUSEPORT socket.
	StrategyReusePort
	// StrategyShared binds once and races Accept across workers.
	StrategyShared
)

func (s ListenStrategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyReusePort:
		return "reuseport"
	case StrategyShared:
		return "shared"
	}
	return "unknown"
}

// ParseStrategy maps a CLI flag value to a ListenStrategy.
func ParseStrategy(s string) (ListenStrategy, error) {
	switch s {
	case "auto", "":
		return StrategyAuto, nil
	case "reuseport":
		return StrategyReusePort, nil
	case "shared":
		return StrategyShared, nil
	}
	return 0, fmt.Errorf("unknown listen strategy %q", s)
}

// Config shapes a Manager.
type Config struct {
	Addr     string
	Workers  int
	Strategy ListenStrategy
	// Engine carries the per-worker VM options. Context state is never
	// shared: every worker gets its own context built from these.
	Engine engine.Options
}

// WorkerResult is one worker's terminal state.
type WorkerResult struct {
	Worker int
	Result *engine.Result
	Err    error
}

// Manager runs one guest program on N workers behind one address.
type Manager struct {
	cfg  Config
	prog *ir.Program

	mu        sync.Mutex
	listeners []net.Listener
	results   chan WorkerResult
	wg        sync.WaitGroup
	started   bool
}

func NewManager(prog *ir.Program, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Manager{cfg: cfg, prog: prog}
}

// Start binds listeners and launches the workers. The guest program's
// NET bind/listen sequence is satisfied by the manager-provided
// listener, injected through each context's listener factory.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}

	strategy := m.cfg.Strategy
	if strategy == StrategyAuto {
		if reusePortAvailable() {
			strategy = StrategyReusePort
		} else {
			strategy = StrategyShared
		}
	}

	workerLns := make([]net.Listener, m.cfg.Workers)
	switch strategy {
	case StrategyReusePort:
		lc := reusePortListenConfig()
		for i := range workerLns {
			ln, err := lc.Listen(context.Background(), "tcp", m.cfg.Addr)
			if err != nil {
				m.closeListenersLocked()
				return fmt.Errorf("worker %d listen %s: %w", i, m.cfg.Addr, err)
			}
			m.listeners = append(m.listeners, ln)
			workerLns[i] = ln
		}
	case StrategyShared:
		ln, err := net.Listen("tcp", m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", m.cfg.Addr, err)
		}
		m.listeners = append(m.listeners, ln)
		for i := range workerLns {
			// Workers must not tear down the shared socket.
			workerLns[i] = noCloseListener{ln}
		}
	}

	log.Info(log.ServerMonitoring, "serving", "addr", m.cfg.Addr, "workers", m.cfg.Workers, "strategy", strategy.String())
	m.results = make(chan WorkerResult, m.cfg.Workers)
	m.started = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.runWorker(i, workerLns[i])
	}
	return nil
}

func (m *Manager) runWorker(id int, ln net.Listener) {
	defer m.wg.Done()

	opts := m.cfg.Engine
	opts.Listeners = func(port uint16) (net.Listener, error) {
		log.Debug(log.ServerMonitoring, "listener handed to worker", "worker", id, "guestPort", port, "addr", ln.Addr().String())
		return ln, nil
	}

	log.Debug(log.ServerMonitoring, "worker starting", "worker", id)
	res, err := engine.Run(m.prog, opts)
	if err != nil {
		log.Error(log.ServerMonitoring, "worker failed", "worker", id, "err", err)
	} else if res.State == nvm.Trapped {
		log.Warn(log.ServerMonitoring, "worker trapped", "worker", id, "trap", res.Trap.String(), "executed", res.Stats.Executed)
	} else {
		log.Debug(log.ServerMonitoring, "worker finished", "worker", id, "r0", res.Value, "executed", res.Stats.Executed)
	}
	m.results <- WorkerResult{Worker: id, Result: res, Err: err}
}

// Addrs reports the bound listener addresses, useful when the config
// asked for an ephemeral port.
func (m *Manager) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]net.Addr, 0, len(m.listeners))
	for _, ln := range m.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Results exposes the per-worker terminal states.
func (m *Manager) Results() <-chan WorkerResult {
	return m.results
}

// Shutdown closes the listeners, which unblocks guest Accepts, and
// waits for the workers until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closeListenersLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) closeListenersLocked() {
	for _, ln := range m.listeners {
		ln.Close()
	}
	m.listeners = nil
}

// noCloseListener shields a shared listener from guest-initiated close.
type noCloseListener struct {
	net.Listener
}

func (noCloseListener) Close() error { return nil }
