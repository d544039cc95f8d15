// nrun loads and executes Neurlang program images: directly, as a
// multi-worker network service, or ahead-of-time into a standalone ELF.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/neurlang-sub001/engine"
	"github.com/jeremyhahn/neurlang-sub001/ir"
	"github.com/jeremyhahn/neurlang-sub001/log"
	"github.com/jeremyhahn/neurlang-sub001/nvm"
	"github.com/jeremyhahn/neurlang-sub001/nvm/stencil"
	"github.com/jeremyhahn/neurlang-sub001/nvm/trace"
	"github.com/jeremyhahn/neurlang-sub001/server"
	"github.com/jeremyhahn/neurlang-sub001/storage"
)

var (
	Version = "dev"
	Commit  = "none"
)

// Exit codes: 0 program halted, 2 program trapped, 1 host failure.
const exitTrapped = 2

func main() {
	var (
		logLevel     string
		strategy     string
		memSize      uint64
		maxInstr     uint64
		privileged   bool
		observeTaint bool
		allowIO      bool
		cachePath    string
		tracePath    string
	)

	rootCmd := &cobra.Command{
		Use:     "nrun",
		Short:   "Neurlang VM runner",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level (trace|debug|info|warn|error)")

	vmFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&strategy, "strategy", "auto", "execution strategy (auto|interp|jit|sandbox)")
		cmd.Flags().Uint64Var(&memSize, "mem", 0, "linear memory size in bytes")
		cmd.Flags().Uint64Var(&maxInstr, "max-instr", 0, "instruction ceiling")
		cmd.Flags().BoolVar(&privileged, "privileged", false, "allow capability minting from program code")
		cmd.Flags().BoolVar(&observeTaint, "observe-taint", false, "count taint violations instead of trapping")
		cmd.Flags().BoolVar(&allowIO, "allow-io", false, "grant the program file, network and console access")
		cmd.Flags().StringVar(&cachePath, "cache", "", "compiled-code cache path (empty: no cache)")
	}

	buildOptions := func() (engine.Options, error) {
		strat, err := engine.ParseStrategy(strategy)
		if err != nil {
			return engine.Options{}, err
		}
		opts := engine.Options{Strategy: strat}
		opts.MemorySize = memSize
		opts.MaxInstructions = maxInstr
		opts.Privileged = privileged
		opts.ObserveTaint = observeTaint
		if allowIO {
			opts.IOPerms = nvm.AllowAllIO()
		}
		if cachePath != "" {
			cache, err := storage.NewCodeStore(cachePath)
			if err != nil {
				return engine.Options{}, err
			}
			opts.Cache = cache
		}
		return opts, nil
	}

	runCmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Execute a program and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := ir.LoadProgramFile(args[0])
			if err != nil {
				return err
			}
			opts, err := buildOptions()
			if err != nil {
				return err
			}
			if tracePath != "" {
				f, err := os.Create(tracePath)
				if err != nil {
					return err
				}
				defer f.Close()
				opts.Tracer = trace.NewJSONLSink(f)
			}
			res, err := engine.Run(prog, opts)
			if err != nil {
				return err
			}
			fmt.Printf("state=%s trap=%s r0=%d executed=%d strategy=%s\n",
				res.State, res.Trap, res.Value, res.Stats.Executed, res.Stats.Strategy)
			if res.State == nvm.Trapped {
				os.Exit(exitTrapped)
			}
			return nil
		},
	}
	vmFlags(runCmd)
	runCmd.Flags().StringVar(&tracePath, "trace", "", "write a JSONL execution trace to this file")

	var (
		addr       string
		workers    int
		listenStrt string
		traceAddr  string
	)
	serveCmd := &cobra.Command{
		Use:   "serve <program>",
		Short: "Run a program as a multi-worker network service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := ir.LoadProgramFile(args[0])
			if err != nil {
				return err
			}
			opts, err := buildOptions()
			if err != nil {
				return err
			}
			if opts.IOPerms == nil {
				// A service needs at least its own sockets.
				opts.IOPerms = &nvm.IOPermissions{AllowNet: true, AllowConsole: true}
			}
			if traceAddr != "" {
				b := trace.NewBroadcaster()
				defer b.Close()
				opts.Tracer = b
				mux := http.NewServeMux()
				mux.Handle("/trace", b)
				go func() {
					if err := http.ListenAndServe(traceAddr, mux); err != nil {
						log.Error(log.TraceMonitoring, "trace endpoint failed", "err", err)
					}
				}()
				log.Info(log.TraceMonitoring, "trace endpoint", "addr", traceAddr+"/trace")
			}

			ls, err := server.ParseStrategy(listenStrt)
			if err != nil {
				return err
			}
			mgr := server.NewManager(prog, server.Config{
				Addr:     addr,
				Workers:  workers,
				Strategy: ls,
				Engine:   opts,
			})
			if err := mgr.Start(); err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			log.Info(log.ServerMonitoring, "shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return mgr.Shutdown(shutdownCtx)
		},
	}
	vmFlags(serveCmd)
	serveCmd.Flags().StringVar(&addr, "addr", ":9000", "service listen address")
	serveCmd.Flags().IntVar(&workers, "workers", 0, "worker count (0: GOMAXPROCS)")
	serveCmd.Flags().StringVar(&listenStrt, "listen-strategy", "auto", "listener strategy (auto|reuseport|shared)")
	serveCmd.Flags().StringVar(&traceAddr, "trace-addr", "", "serve a websocket execution trace on this address")

	var outPath string
	compileCmd := &cobra.Command{
		Use:   "compile <program>",
		Short: "Compile a program into a standalone ELF executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := ir.LoadProgramFile(args[0])
			if err != nil {
				return err
			}
			image, err := stencil.BuildELF(prog, stencil.AOTConfig{
				MemorySize:      memSize,
				MaxInstructions: maxInstr,
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, image, 0o755); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", outPath, len(image))
			return nil
		},
	}
	compileCmd.Flags().StringVar(&outPath, "out", "a.out", "output path")
	compileCmd.Flags().Uint64Var(&memSize, "mem", 0, "linear memory size in bytes")
	compileCmd.Flags().Uint64Var(&maxInstr, "max-instr", 0, "instruction ceiling")

	var native bool
	disasmCmd := &cobra.Command{
		Use:   "disasm <program>",
		Short: "Disassemble a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, err := ir.LoadProgramFile(args[0])
			if err != nil {
				return err
			}
			if native {
				c, err := stencil.Compile(prog, stencil.Config{})
				if err != nil {
					return err
				}
				fmt.Print(stencil.Disassemble(c.Code))
				return nil
			}
			for i, in := range prog.Instructions {
				fmt.Printf("%4d: %s\n", i, in.String())
			}
			return nil
		},
	}
	disasmCmd.Flags().BoolVar(&native, "native", false, "show generated x86-64 instead of portable instructions")

	rootCmd.AddCommand(runCmd, serveCmd, compileCmd, disasmCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nrun: %v\n", err)
		os.Exit(1)
	}
}
