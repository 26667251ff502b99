// Command seidebug is an interactive REPL for building a small
// transaction script by hand — declare memory slots, stage writes, reads,
// and output appends — and running it against a real engine, with live
// toggles for redundancy level, CPU isolation, and injected silent data
// corruption. Each run prints the engine's result next to what the
// reference model says it should be, so a divergence (detected or
// silent) is visible immediately.
//
// It is not attached to a running process: every "run" builds a fresh
// engine from the session's current settings, the same way a unit test
// would, rather than attaching to another binary's live state.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/aoikida/sei-go/internal/arena"
	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/cpuiso"
	"github.com/aoikida/sei-go/internal/ibuf"
	"github.com/aoikida/sei-go/internal/model"
	"github.com/aoikida/sei-go/internal/sdc"
	"github.com/aoikida/sei-go/internal/sei"
	"github.com/aoikida/sei-go/internal/telemetry"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("seidebug", flag.ExitOnError)

	configPath := fs.String("config", "", "load a project config file before starting")
	auditLog := fs.String("audit-log", "", "mirror telemetry events to this file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: seidebug [options]\n\n")
		fmt.Fprintf(os.Stderr, "Interactive engine debugger. Type 'help' once started.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, _, err := config.Load(workDir, *configPath, config.Config{}, nil, os.Environ())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sess := &session{
		cfg:        cfg,
		redundancy: cfg.DMRRedundancy,
		isolation:  cfg.CPUIsolation,
		tel:        telemetry.New(*auditLog),
	}

	repl := &REPL{sess: sess}

	return repl.Run()
}

// session holds everything a REPL command can change between runs: the
// staged script (memory slots and operations) and the knobs that control
// how the next "run" builds its engine.
type session struct {
	cfg        config.Config
	redundancy int
	isolation  bool
	corrupt    float64 // write-flip rate for the next run's injector; 0 disables
	tel        *telemetry.Recorder

	widths []int
	ops    []model.Op
}

func (s *session) script() model.Script {
	return model.Script{Widths: append([]int(nil), s.widths...), Ops: append([]model.Op(nil), s.ops...)}
}

func (s *session) reset() {
	s.widths = nil
	s.ops = nil
}

// REPL is the interactive command loop.
type REPL struct {
	sess  *session
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".seidebug_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("seidebug - sei engine debugger (redundancy=%d, cpu_isolation=%v)\n", r.sess.redundancy, r.sess.isolation)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("seidebug> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "config":
			r.cmdConfig()

		case "slot":
			r.cmdSlot(args)

		case "write":
			r.cmdWrite(args)

		case "read":
			r.cmdRead(args)

		case "output":
			r.cmdOutput(args)

		case "script":
			r.cmdScript()

		case "reset":
			r.sess.reset()
			fmt.Println("OK: script cleared")

		case "redundancy":
			r.cmdRedundancy(args)

		case "isolation":
			r.cmdIsolation(args)

		case "corrupt":
			r.cmdCorrupt(args)

		case "run":
			r.cmdRun()

		case "stats":
			r.cmdStats()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"help", "config", "slot", "write", "read", "output", "script",
		"reset", "redundancy", "isolation", "corrupt", "run", "stats",
		"clear", "cls", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  slot <width>              Declare a memory slot (width 1, 2, 4, or 8)")
	fmt.Println("  write <slot> <hex>        Stage a write of <hex> to <slot>")
	fmt.Println("  read <slot>               Stage a read of <slot> (exercises the read path only)")
	fmt.Println("  output <text>             Stage an output append")
	fmt.Println("  script                    Print the staged script")
	fmt.Println("  reset                     Clear the staged script")
	fmt.Println("  redundancy <n>            Set the next run's DMR redundancy (2..10)")
	fmt.Println("  isolation <on|off>        Toggle CPU isolation for the next run")
	fmt.Println("  corrupt <rate>            Set write-flip corruption rate (0.0 disables)")
	fmt.Println("  run                       Run the staged script, compare against the reference model")
	fmt.Println("  stats                     Show CPU-isolation and telemetry state")
	fmt.Println("  config                    Show the resolved engine configuration")
	fmt.Println("  help                      Show this help")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *REPL) cmdConfig() {
	cfg := r.sess.cfg
	fmt.Printf("dmr_redundancy=%d (session override=%d)\n", cfg.DMRRedundancy, r.sess.redundancy)
	fmt.Printf("cpu_isolation=%t (session override=%v)\n", cfg.CPUIsolation, r.sess.isolation)
	fmt.Printf("write_back=%t\n", cfg.WriteBack)
	fmt.Printf("sigsegv_recovery=%t\n", cfg.SIGSEGVRecovery)
	fmt.Printf("cow_size=%d\n", cfg.COWSize)
	fmt.Printf("obuf_size=%d\n", cfg.OBufSize)
	fmt.Printf("arena_size=%d\n", cfg.ArenaSize)
}

func (r *REPL) cmdSlot(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: slot <width>  (width is 1, 2, 4, or 8)")
		return
	}

	width, err := strconv.Atoi(args[0])
	if err != nil || (width != 1 && width != 2 && width != 4 && width != 8) {
		fmt.Println("Error: width must be 1, 2, 4, or 8")
		return
	}

	r.sess.widths = append(r.sess.widths, width)
	fmt.Printf("OK: slot %d declared (width=%d)\n", len(r.sess.widths)-1, width)
}

func (r *REPL) parseSlot(arg string) (int, bool) {
	slot, err := strconv.Atoi(arg)
	if err != nil || slot < 0 || slot >= len(r.sess.widths) {
		fmt.Printf("Error: no such slot %q (declare one with 'slot <width>' first)\n", arg)
		return 0, false
	}

	return slot, true
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: write <slot> <hex-value>")
		return
	}

	slot, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	value, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if err != nil {
		fmt.Printf("Error parsing value: %v\n", err)
		return
	}

	r.sess.ops = append(r.sess.ops, model.Op{Kind: model.OpWrite, Slot: slot, Value: value})
	fmt.Printf("OK: staged write slot=%d value=0x%x\n", slot, value)
}

func (r *REPL) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: read <slot>")
		return
	}

	slot, ok := r.parseSlot(args[0])
	if !ok {
		return
	}

	r.sess.ops = append(r.sess.ops, model.Op{Kind: model.OpRead, Slot: slot})
	fmt.Printf("OK: staged read slot=%d\n", slot)
}

func (r *REPL) cmdOutput(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: output <text>")
		return
	}

	text := strings.Join(args, " ")
	r.sess.ops = append(r.sess.ops, model.Op{Kind: model.OpOutput, Bytes: []byte(text)})
	fmt.Printf("OK: staged output %q\n", text)
}

func (r *REPL) cmdScript() {
	if len(r.sess.widths) == 0 {
		fmt.Println("(no slots declared)")
		return
	}

	fmt.Println("Slots:")

	for i, w := range r.sess.widths {
		fmt.Printf("  %d: width=%d\n", i, w)
	}

	if len(r.sess.ops) == 0 {
		fmt.Println("(no ops staged)")
		return
	}

	fmt.Println("Ops:")

	for i, op := range r.sess.ops {
		switch op.Kind {
		case model.OpWrite:
			fmt.Printf("  %d: write slot=%d value=0x%x\n", i, op.Slot, op.Value)
		case model.OpRead:
			fmt.Printf("  %d: read slot=%d\n", i, op.Slot)
		case model.OpOutput:
			fmt.Printf("  %d: output %q\n", i, string(op.Bytes))
		}
	}
}

func (r *REPL) cmdRedundancy(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: redundancy <n>  (2..10)")
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 2 || n > 10 {
		fmt.Println("Error: redundancy must be between 2 and 10")
		return
	}

	r.sess.redundancy = n
	fmt.Printf("OK: redundancy=%d\n", n)
}

func (r *REPL) cmdIsolation(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: isolation <on|off>")
		return
	}

	switch strings.ToLower(args[0]) {
	case "on":
		r.sess.isolation = true
	case "off":
		r.sess.isolation = false
	default:
		fmt.Println("Error: expected 'on' or 'off'")
		return
	}

	fmt.Printf("OK: cpu_isolation=%v\n", r.sess.isolation)
}

func (r *REPL) cmdCorrupt(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: corrupt <rate>  (0.0 disables, 1.0 always flips)")
		return
	}

	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil || rate < 0 || rate > 1 {
		fmt.Println("Error: rate must be between 0.0 and 1.0")
		return
	}

	r.sess.corrupt = rate
	fmt.Printf("OK: write-flip rate=%.2f\n", rate)
}

// cmdRun builds a fresh engine from the session's current settings, runs
// the staged script through it, and prints the result next to what the
// reference model computes for the same script.
func (r *REPL) cmdRun() {
	if len(r.sess.widths) == 0 {
		fmt.Println("Error: no slots declared, nothing to run")
		return
	}

	s := r.sess.script()

	wantFinal, wantCRC := model.Reference(s)

	cfg := r.sess.cfg
	cfg.DMRRedundancy = r.sess.redundancy
	cfg.CPUIsolation = r.sess.isolation

	e, err := sei.New(cfg, r.sess.tel)
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		return
	}
	defer e.Close()

	var inj *sdc.Injector

	if r.sess.corrupt > 0 {
		inj = sdc.New(arena.Memory{}, time.Now().UnixNano(), sdc.Config{WriteFlipRate: r.sess.corrupt})
		e.SetMemory(inj)
	}

	if !e.PrepareNM(nil, 0, ibuf.ReadOnly, r.sess.redundancy) {
		fmt.Println("Error: Prepare rejected (bad redundancy or CRC)")
		return
	}

	gotFinal, gotCRC, runErr := model.RunEngine(e, s)

	fmt.Printf("reference: final=%v output_crc=0x%08x\n", wantFinal, wantCRC)

	if runErr != nil {
		fmt.Printf("engine:    error: %v\n", runErr)
	} else {
		fmt.Printf("engine:    final=%v output_crc=0x%08x\n", gotFinal, gotCRC)

		if equalUint64(wantFinal, gotFinal) && wantCRC == gotCRC {
			fmt.Println("result:    agree")
		} else {
			fmt.Println("result:    MISMATCH (undetected divergence)")
		}
	}

	if inj != nil {
		stats := inj.Stats()
		fmt.Printf("injector:  write_flips=%d read_flips=%d\n", stats.WriteFlips, stats.ReadFlips)
	}

	r.printIsolation(cfg)
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func (r *REPL) cmdStats() {
	r.printIsolation(func() config.Config {
		cfg := r.sess.cfg
		cfg.CPUIsolation = r.sess.isolation
		return cfg
	}())

	events := r.sess.tel.Events()
	if len(events) == 0 {
		fmt.Println("telemetry: (no events recorded yet)")
		return
	}

	fmt.Println("telemetry:")

	for _, ev := range events {
		fmt.Printf("  %s txn=%s core=%d\n", ev.Kind, ev.TxnID, ev.Core)
	}
}

// printIsolation shows a fresh Registry's stats, not the one the just-run
// engine used internally (Engine doesn't expose its *cpuiso.Registry) — it
// reports the host's isolation capacity, same caveat as cmd/seistat.
func (r *REPL) printIsolation(cfg config.Config) {
	if !cfg.CPUIsolation {
		fmt.Println("cpu_isolation: disabled")
		return
	}

	stats := cpuiso.New().Stats()

	blacklisted := "(none)"
	if len(stats.Blacklisted) > 0 {
		blacklisted = fmt.Sprint(stats.Blacklisted)
	}

	fmt.Printf("cpu_isolation: num_cpu=%d migrations=%d blacklisted=%s\n", stats.NumCPU, stats.Migrations, blacklisted)
}

var _ cow.Memory = (*sdc.Injector)(nil)
