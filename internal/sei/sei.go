// Package sei implements the phase engine: the component that drives a
// transaction through N redundant executions, shadowing every memory
// write, and either commits once every phase agrees or rolls back,
// blacklists the current CPU core, migrates to a surviving one, and
// retries from phase 0.
//
// It composes every lower-level package this module builds: arena for the
// backing heap, cow for the shadow write buffer, cfc for control-flow
// verification, ibuf/obuf for the input/output message buffers, tbin for
// deferred frees, talloc for reproducible allocation, waitress for
// deferred syscalls, ctxswitch for the re-execution mechanism, tmi for the
// ABI surface instrumented code calls, cpuiso for core isolation, and
// protect for fault recovery.
package sei

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/aoikida/sei-go/internal/arena"
	"github.com/aoikida/sei-go/internal/cfc"
	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/cow"
	"github.com/aoikida/sei-go/internal/cpuiso"
	"github.com/aoikida/sei-go/internal/ctxswitch"
	"github.com/aoikida/sei-go/internal/ibuf"
	"github.com/aoikida/sei-go/internal/obuf"
	"github.com/aoikida/sei-go/internal/protect"
	"github.com/aoikida/sei-go/internal/talloc"
	"github.com/aoikida/sei-go/internal/tbin"
	"github.com/aoikida/sei-go/internal/telemetry"
	"github.com/aoikida/sei-go/internal/tmi"
	"github.com/aoikida/sei-go/internal/waitress"
)

// Exit codes for the conditions spec.md §6/§9 name as process-fatal. A
// caller that wants the process to actually exit with these is expected
// to check for the corresponding sentinel error and call os.Exit itself —
// this package never calls os.Exit directly except via cpuiso's
// CoresExhausted hook.
const (
	ExitCoresExhausted    = 2
	ExitCapacityExceeded  = 3
	ExitVerificationFatal = 4
)

var (
	// ErrNotPrepared is returned by Run/Begin when Prepare/PrepareNM has
	// not (yet, or successfully) been called.
	ErrNotPrepared = errors.New("sei: transaction not prepared")

	// ErrAlreadyRunning is returned by Run/Begin when a transaction is
	// already in flight on this engine.
	ErrAlreadyRunning = errors.New("sei: transaction already running")

	// ErrControlFlow is returned when a control-flow counter pair fails
	// its at-most-once gate or its commit-time check — instruction-stream
	// corruption, per spec.md §4.8.
	ErrControlFlow = errors.New("sei: control-flow counter violation")

	// ErrInputTampered is returned when the input buffer's CRC no longer
	// matches what Prepare or Switch recorded.
	ErrInputTampered = errors.New("sei: input buffer tampered")
)

// Engine is one transaction's phase engine. It is not safe for concurrent
// use by multiple goroutines. There is no per-goroutine registry for
// SEI_MT mode: cfg.MultiThread is not consulted.
type Engine struct {
	cfg config.Config

	arena *arena.Arena
	mem   cow.Memory // arena.Memory in production; internal/sdc decorates it in tests

	redundancy int
	phase      int // -1 when no transaction is in flight

	buffers []*cow.Buffer
	cf      []*cfc.Pair
	in      *ibuf.State

	// streams is the output-buffer stash (spec.md's "monotonically
	// growing vector of output-buffer handles"): streams[0] is the
	// default stream every transaction starts on; Shift(-1) grows it.
	// active selects which one OutputAppend/OutputDone/OutputNext act on.
	streams []*obuf.Queue
	active  int

	bin     *tbin.Bin
	alloc   *talloc.Allocator
	wait    *waitress.Queue
	cont    *ctxswitch.Continuation
	shim    *tmi.Shim

	syscalls    *tmi.Syscalls
	syscallExec func(tag string, args []any) error

	cpu *cpuiso.Registry // nil disables CPU isolation and retry
	tel *telemetry.Recorder

	txnID string
}

// SetSyscallExecutor registers the function Commit uses to actually run a
// deferred syscall's effect (the real send/close/etc.), keyed by the tag
// passed to DeferSyscall. Required only if the transaction defers at
// least one call.
func (e *Engine) SetSyscallExecutor(fn func(tag string, args []any) error) {
	e.syscallExec = fn
}

// DeferSyscall records a non-idempotent effectful call (send, close, ...)
// for execution exactly once at commit, after verifying every phase
// recorded the identical call.
func (e *Engine) DeferSyscall(tag string, args ...any) {
	e.syscalls.SetPhase(e.phase)
	e.syscalls.Defer(tag, args...)
}

// IdempotentSyscall runs fn in phase 0 and records its outcome, replaying
// that outcome in every later phase instead of calling fn again (socket,
// bind, and other calls that are safe to repeat but whose result must
// stay consistent across phases).
func (e *Engine) IdempotentSyscall(tag string, fn func() (any, error)) (any, error) {
	e.syscalls.SetPhase(e.phase)
	return e.syscalls.Idempotent(tag, fn)
}

// New creates an Engine from cfg. tel may be nil to disable telemetry
// recording.
func New(cfg config.Config, tel *telemetry.Recorder) (*Engine, error) {
	a, err := arena.New(cfg.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("sei: create arena: %w", err)
	}

	e := &Engine{
		cfg:   cfg,
		arena: a,
		mem:   arena.Memory{},
		phase: -1,
		in:    ibuf.New(),
		tel:   tel,
	}

	if cfg.CPUIsolation {
		e.cpu = cpuiso.New()
	}

	e.shim = tmi.New(e, e.mem)

	return e, nil
}

// Close releases the engine's arena.
func (e *Engine) Close() error {
	return e.arena.Close()
}

// SetMemory swaps the engine's backing cow.Memory. Exposed for
// fault-injection harnesses (internal/sdc) and debugging tools that need
// to observe or corrupt the transaction's memory seam from outside this
// package; callers must not call it while a transaction is in flight.
func (e *Engine) SetMemory(mem cow.Memory) {
	e.mem = mem
}

// Shim returns the ABI entry point instrumented application code calls
// (tmi.R32, tmi.W64, ...), bound to this engine.
func (e *Engine) Shim() *tmi.Shim { return e.shim }

// Phase reports the index of the phase currently executing, or -1 when no
// transaction is in flight. Satisfies tmi.Engine.
func (e *Engine) Phase() int { return e.phase }

// Prepare validates msg against its CRC and resets all per-transaction
// state for a run at the engine's configured redundancy
// (cfg.DMRRedundancy). It reports false (without starting anything) if
// the CRC does not match.
func (e *Engine) Prepare(msg []byte, crc uint32, mode ibuf.Mode) bool {
	return e.PrepareNM(msg, crc, mode, e.cfg.DMRRedundancy)
}

// PrepareNM is Prepare with an explicit redundancy level N (2..10),
// overriding the engine's configured default.
func (e *Engine) PrepareNM(msg []byte, crc uint32, mode ibuf.Mode, n int) bool {
	if n < 2 || n > 10 {
		return false
	}

	if !e.in.Prepare(msg, crc, mode) {
		return false
	}

	e.redundancy = n
	e.buffers = make([]*cow.Buffer, n)
	e.cf = make([]*cfc.Pair, n)

	for i := range n {
		e.buffers[i] = cow.New(e.cfg.COWSize, false, e.cfg.MaxConflicts)
		if e.cfg.WriteBack {
			e.buffers[i].Mode = cow.WriteBack
		}

		e.cf[i] = cfc.New()
	}

	if e.streams == nil {
		e.streams = []*obuf.Queue{obuf.New(n, e.cfg.OBufSize)}
	} else {
		for i := range e.streams {
			e.streams[i] = obuf.New(n, e.cfg.OBufSize)
		}
	}

	e.active = 0

	e.bin = tbin.New(e.arena, 0, n)
	e.alloc = talloc.New(e.arena, n)
	e.wait = waitress.New(n)
	e.syscalls = tmi.NewSyscalls(e.wait)
	e.phase = -1
	e.txnID = uuid.NewString()

	return true
}

// TxnID returns the identifier generated for the transaction currently
// prepared on this engine, correlating its telemetry events. Empty until
// Prepare/PrepareNM has been called at least once.
func (e *Engine) TxnID() string { return e.txnID }

// isRecoverable reports whether err is one the retry loop should act on
// (blacklist the current core, migrate, and retry from phase 0) rather
// than propagate as a fatal abort. Per spec.md §7, only a detected
// divergence in the redundant execution itself — the shadow-buffer
// comparison or a memory-fault signal standing in for it — is
// recoverable; a control-flow, input, or output-queue violation always
// aborts outright.
func isRecoverable(err error) bool {
	return errors.Is(err, cow.ErrMemoryDiverged) || errors.Is(err, protect.ErrMemoryFault)
}

// Run drives a complete transaction: Begin, N-1 Switches, then Commit. If
// commit fails with a recoverable divergence and CPU isolation is
// configured, it rolls back, blacklists the current core, migrates this
// thread to a surviving one, and retries from phase 0. fn is called once
// per phase; it must be deterministic given the engine's Read*/Write*
// state, since its side effects (other than through the engine) are not
// shadowed.
func (e *Engine) Run(fn func() error) error {
	if e.redundancy == 0 {
		return ErrNotPrepared
	}

	if e.phase != -1 {
		return ErrAlreadyRunning
	}

	for {
		if err := e.Begin(fn); err != nil {
			return err
		}

		for e.phase < e.redundancy-1 {
			if err := e.Switch(); err != nil {
				return err
			}
		}

		err := e.Commit()
		if err == nil {
			return nil
		}

		if e.cpu == nil || !isRecoverable(err) {
			return err
		}

		if rerr := e.Rollback(); rerr != nil {
			return rerr
		}
	}
}

// Begin launches fn's first phase. Called directly only by callers
// driving the low-level Begin/Switch/Commit/Rollback API themselves;
// Run is the ergonomic entry point for the common case.
func (e *Engine) Begin(fn func() error) error {
	if e.redundancy == 0 {
		return ErrNotPrepared
	}

	if e.phase != -1 {
		return ErrAlreadyRunning
	}

	e.phase = 0

	for _, p := range e.cf {
		p.Reset()
	}

	wrapped := func(p int, phaseDone func() bool) error {
		for {
			var err error
			if e.cfg.SIGSEGVRecovery {
				err = protect.Run(fn)
			} else {
				err = fn()
			}

			if err != nil {
				return err
			}

			if !phaseDone() {
				return nil
			}
		}
	}

	e.cont = ctxswitch.Begin(wrapped)

	return nil
}

// Switch ends the current phase and begins the next one: it marks the
// finishing phase's control-flow pair, in WriteThrough mode swaps its
// shadow buffer against memory (restoring the pre-transaction state for
// re-execution and capturing the phase's final written values for later
// comparison; a WriteBack buffer already holds them and memory was never
// touched),
// advances the traversal allocator so the next phase replays phase 0's
// addresses instead of allocating fresh ones, advances the output buffer's
// target ring, and — only at the boundary out of phase 0 — snapshots the
// input buffer's CRC.
func (e *Engine) Switch() error {
	if e.phase < 0 {
		return ErrNotPrepared
	}

	finishing := e.phase

	p := e.cf[finishing]
	p.ALog()

	if !p.AMOG() {
		return fmt.Errorf("%w: phase %d crossed its switch boundary twice", ErrControlFlow, finishing)
	}

	if !e.cfg.WriteBack {
		e.buffers[finishing].Swap(e.mem)
	}

	e.alloc.Switch()

	if finishing == 0 {
		e.in.Switch()
	}

	for _, s := range e.streams {
		s.Close()
	}

	// The next phase runs inside cont.Switch, so it must already see its
	// own index when it reads or writes through the engine.
	e.phase = finishing + 1

	if err := e.cont.Switch(); err != nil {
		return err
	}

	return nil
}

// verify runs every commit-time check without performing any destructive
// finalization step, so a failed verify leaves enough state behind for
// Rollback to act on.
func (e *Engine) verify() error {
	last := e.redundancy - 1
	p := e.cf[last]

	if !p.AMOG() {
		return fmt.Errorf("%w: final phase crossed commit twice", ErrControlFlow)
	}

	p.ALog()

	if !p.Check() {
		return fmt.Errorf("%w: final phase did not cross both gates", ErrControlFlow)
	}

	if ok, err := cow.CmpHeapNWay(e.buffers); !ok {
		return err
	}

	if !e.in.Correct() {
		return ErrInputTampered
	}

	for _, s := range e.streams {
		if err := s.Verify(); err != nil {
			return err
		}
	}

	return nil
}

// TryCommit runs every commit-time verification (control-flow check,
// N-way shadow-buffer comparison, input CRC, output queue consistency)
// without finalizing anything (no publish, flush or reset). It is the
// probe Commit itself uses, exposed for callers that want to decide what
// to do about a divergence themselves instead of letting Run retry it. It
// does cross the final phase's at-most-once control-flow gate, so a
// second TryCommit, or a Commit after it, in the same transaction reports
// ErrControlFlow.
func (e *Engine) TryCommit() (bool, error) {
	if e.phase != e.redundancy-1 {
		return false, fmt.Errorf("sei: try_commit called before the final phase")
	}

	if err := e.verify(); err != nil {
		return false, err
	}

	return true, nil
}

// Commit verifies the transaction (as TryCommit does) and, only if that
// succeeds, finalizes it: publishes write-back values if configured,
// flushes the trash bin and deferred syscalls, and resets all
// per-transaction state.
func (e *Engine) Commit() error {
	ok, err := e.TryCommit()
	if !ok {
		return err
	}

	if e.cfg.WriteBack {
		e.publishWriteBack()
	}

	if err := e.bin.Flush(); err != nil {
		return err
	}

	if err := e.alloc.Clean(); err != nil {
		return err
	}

	if err := e.wait.Flush(e.execSyscall); err != nil {
		return err
	}

	e.finishTransaction()

	if e.tel != nil {
		_ = e.tel.Record(telemetry.Event{Kind: telemetry.KindCommit, TxnID: e.txnID})
	}

	return nil
}

// publishWriteBack writes phase 0's final recorded values to memory. Only
// meaningful in WriteBack mode, where Push never touched memory directly.
func (e *Engine) publishWriteBack() {
	e.buffers[0].Publish(e.mem)
}

// Rollback discards the transaction's speculative state, restores memory
// to what it held before phase 0 began, blacklists the CPU core the
// divergence was detected on, migrates this thread to a surviving core,
// and leaves the engine ready for Begin to retry from phase 0.
func (e *Engine) Rollback() error {
	if !e.cfg.WriteBack && e.phase >= 0 {
		// Switch already undid every earlier phase's writes; only the
		// current phase's buffer still holds the pre-write values.
		e.buffers[e.phase].Restore(e.mem)
	}

	for _, b := range e.buffers {
		b.Clean()
	}

	e.alloc.Reset()
	e.bin.Clean()
	e.wait.Clean()
	e.syscalls.Clean()

	for _, s := range e.streams {
		s.Clean()
	}

	for _, p := range e.cf {
		p.Reset()
	}

	e.active = 0

	if e.cpu != nil {
		runtime.LockOSThread()

		if err := e.cpu.BlacklistCurrent(); err != nil {
			return fmt.Errorf("sei: rollback blacklist: %w", err)
		}

		core, err := e.cpu.MigrateCurrentThread()
		if err != nil {
			return fmt.Errorf("sei: rollback migrate: %w", err)
		}

		if e.tel != nil {
			_ = e.tel.Record(telemetry.Event{Kind: telemetry.KindBlacklist, TxnID: e.txnID})
			_ = e.tel.Record(telemetry.Event{Kind: telemetry.KindMigration, TxnID: e.txnID, Core: core})
		}
	}

	if e.tel != nil {
		_ = e.tel.Record(telemetry.Event{Kind: telemetry.KindRollback, TxnID: e.txnID})
	}

	e.phase = -1

	return nil
}

// finishTransaction resets per-transaction state after a successful
// commit, leaving the engine ready for the next Prepare. The output
// streams are kept so OutputNext can drain them after commit; the next
// Prepare replaces them.
func (e *Engine) finishTransaction() {
	for _, b := range e.buffers {
		b.Clean()
	}

	for _, p := range e.cf {
		p.Reset()
	}

	e.active = 0
	e.syscalls.Clean()
	e.phase = -1
	e.redundancy = 0
}

// execSyscall runs a deferred waitress call through whatever executor the
// caller registered with SetSyscallExecutor. A transaction that never
// defers a syscall never reaches this at all (waitress.Flush only calls
// back for calls actually pushed).
func (e *Engine) execSyscall(tag string, args []any) error {
	if e.syscallExec == nil {
		return fmt.Errorf("sei: no syscall executor registered for %q", tag)
	}

	return e.syscallExec(tag, args)
}
