// Lockstep CLI - steps a program through four abstraction levels with
// reverse stepping over the snapshot history.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/lockstep/trace"
	"github.com/chazu/lockstep/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("config", ".", "Directory containing lockstep.toml")
	tracePath := flag.String("trace", "", "Export the recorded trace to this file on exit")
	dbPath := flag.String("db", "", "Persist the session to this sqlite database on exit")
	run := flag.Bool("run", false, "Free-run to completion instead of interactive stepping")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lockstep [options]\n\n")
		fmt.Fprintf(os.Stderr, "Loads the built-in demo module and steps it interactively.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nInteractive commands:\n")
		fmt.Fprintf(os.Stderr, "  s        step one bytecode instruction\n")
		fmt.Fprintf(os.Stderr, "  n        step one native instruction\n")
		fmt.Fprintf(os.Stderr, "  u        step one micro-op\n")
		fmt.Fprintf(os.Stderr, "  b        step backward\n")
		fmt.Fprintf(os.Stderr, "  f        step forward through recorded history\n")
		fmt.Fprintf(os.Stderr, "  r        free-run until terminal\n")
		fmt.Fprintf(os.Stderr, "  q        quit\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cfg, err := trace.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	module, err := demoModule()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building demo module: %v\n", err)
		os.Exit(1)
	}

	session, err := trace.Load(module, 0, trace.Options{Config: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading session: %v\n", err)
		os.Exit(1)
	}
	inspector, err := trace.NewInspector(session, cfg.Inspect.MemoryWindow)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *run {
		if _, _, err := session.FreeRun(context.Background(), nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error during free-run: %v\n", err)
			os.Exit(1)
		}
		printView(inspector.View(session.Current()))
	} else {
		repl(session, inspector)
	}

	if *tracePath != "" {
		if err := exportTrace(*tracePath, session); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting trace: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Trace written to %s (%d snapshots)\n", *tracePath, session.History().Len())
	}
	if *dbPath != "" {
		if err := persistSession(*dbPath, session); err != nil {
			fmt.Fprintf(os.Stderr, "Error persisting session: %v\n", err)
			os.Exit(1)
		}
	}
}

// demoModule sums the integers 1..10 into local 0, then stores the result
// at memory offset 0.
func demoModule() (*vm.Module, error) {
	b := vm.NewModuleBuilder("demo")
	code := vm.NewFuncBuilder().
		I32Const(1).
		LocalSet(1).
		Loop().
		LocalGet(0).
		LocalGet(1).
		Emit(vm.OpI32Add).
		LocalSet(0).
		LocalGet(1).
		I32Const(1).
		Emit(vm.OpI32Add).
		LocalTee(1).
		I32Const(10).
		Emit(vm.OpI32LeS).
		BrIf(0).
		End().
		I32Const(0).
		LocalGet(0).
		EmitU16(vm.OpI32Store, 0).
		Return().
		Bytes()
	b.AddFunction("sum10", nil, nil, []vm.ValueType{vm.TypeI32, vm.TypeI32}, code)
	b.SetMemory(1, nil)
	return b.Build()
}

func repl(session *trace.Session, inspector *trace.Inspector) {
	scanner := bufio.NewScanner(os.Stdin)
	printView(inspector.View(session.Current()))
	fmt.Print("> ")
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "s":
			_, err = session.Step(trace.GranBytecode)
		case "n":
			_, err = session.Step(trace.GranNative)
		case "u":
			_, err = session.Step(trace.GranMicroOp)
		case "b":
			_, err = session.StepBack()
		case "f":
			_, err = session.StepForward()
		case "r":
			_, _, err = session.FreeRun(context.Background(), nil)
		case "q":
			return
		case "":
		default:
			fmt.Println("unknown command (s/n/u/b/f/r/q)")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			printView(inspector.View(session.Current()))
		}
		fmt.Print("> ")
	}
}

func printView(v trace.View) {
	fmt.Printf("[%s] %s+%d", v.Status, v.FuncName, v.PC)
	if v.Line > 0 {
		fmt.Printf(" (line %d)", v.Line)
	}
	fmt.Printf("  %s\n", v.Disasm)
	fmt.Printf("  stack=%v locals=%v depth=%d\n", v.Stack, v.Locals, v.CallDepth)

	for i, inst := range v.Native {
		marker := "  "
		if i == v.NativeCursor {
			marker = "=>"
		}
		fmt.Printf("  %s %s\n", marker, inst)
	}
	for i, op := range v.MicroOps {
		marker := "  "
		if i == v.MicroCursor {
			marker = "=>"
		}
		fmt.Printf("     %s %s\n", marker, op)
	}
}

func exportTrace(path string, session *trace.Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return trace.ExportTrace(f, session, 0)
}

func persistSession(path string, session *trace.Session) error {
	store, err := trace.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.SaveSession(session, 0)
	if err != nil {
		return err
	}
	fmt.Printf("Session %d saved to %s\n", id, path)
	return nil
}
