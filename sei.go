// Package sei is the public entry point for the soft-error-immune
// transactional memory library: redundant (DMR) execution of a marked
// code region with shadow-buffer comparison at commit, and automatic
// rollback, CPU-core blacklist, thread migration, and retry on detected
// divergence.
//
// Everything here is a thin, stable wrapper over internal/sei.Engine —
// application code should depend on this package, not on internal/sei
// directly.
package sei

import (
	"github.com/aoikida/sei-go/internal/config"
	"github.com/aoikida/sei-go/internal/ibuf"
	"github.com/aoikida/sei-go/internal/sei"
	"github.com/aoikida/sei-go/internal/telemetry"
	"github.com/aoikida/sei-go/internal/tmi"
)

// Mode selects how the input buffer is checked at commit. ReadOnly
// requires the message to be byte-identical to what Prepare validated;
// ReadWrite permits in-place modification during phase 0.
type Mode = ibuf.Mode

const (
	ReadOnly  = ibuf.ReadOnly
	ReadWrite = ibuf.ReadWrite
)

// Config is the engine's control variables: redundancy level, locking and
// syscall-wrapping modes, CPU isolation, and the static capacity bounds.
// Use DefaultConfig or config.Load to build one.
type Config = config.Config

// DefaultConfig returns the engine's default configuration: DMR (N=2),
// write-through, no CPU isolation, generously sized static bounds.
func DefaultConfig() Config { return config.Default() }

// LoadConfig builds a Config from the defaults/global/project/CLI
// precedence chain documented on internal/config.Load.
func LoadConfig(workDir, configPath string, cliOverride Config, cliSet map[string]bool, env []string) (Config, config.Sources, error) {
	return config.Load(workDir, configPath, cliOverride, cliSet, env)
}

// Engine is one transaction's phase engine.
type Engine struct {
	e *sei.Engine
}

// New creates an Engine. tel may be nil to disable telemetry recording.
func New(cfg Config, tel *telemetry.Recorder) (*Engine, error) {
	inner, err := sei.New(cfg, tel)
	if err != nil {
		return nil, err
	}

	return &Engine{e: inner}, nil
}

// Close releases the engine's backing arena.
func (e *Engine) Close() error { return e.e.Close() }

// Shim returns the ABI entry point instrumented application code calls
// (R8/R16/.../W64, Malloc, Free, ...) against this engine.
func (e *Engine) Shim() *tmi.Shim { return e.e.Shim() }

// Prepare validates msg against crc and resets the engine for a run at
// its configured redundancy. It reports false, without starting anything,
// if the CRC does not match.
func (e *Engine) Prepare(msg []byte, crc uint32, mode Mode) bool {
	return e.e.Prepare(msg, crc, mode)
}

// PrepareNM is Prepare with an explicit redundancy level N (2..10).
func (e *Engine) PrepareNM(msg []byte, crc uint32, mode Mode, n int) bool {
	return e.e.PrepareNM(msg, crc, mode, n)
}

// Run drives a complete transaction: N redundant executions of fn,
// shadow-buffer comparison, and commit — retrying from phase 0 on a
// recoverable divergence if CPU isolation is configured.
func (e *Engine) Run(fn func() error) error { return e.e.Run(fn) }

// Begin, Switch, Commit, TryCommit, and Rollback are the low-level
// primitives Run composes, for callers that want to drive the phase
// transitions themselves.
func (e *Engine) Begin(fn func() error) error    { return e.e.Begin(fn) }
func (e *Engine) Switch() error                  { return e.e.Switch() }
func (e *Engine) Commit() error                  { return e.e.Commit() }
func (e *Engine) TryCommit() (bool, error)       { return e.e.TryCommit() }
func (e *Engine) Rollback() error                { return e.e.Rollback() }

// ReadU8/16/32/64 and WriteU8/16/32/64 access the transaction's shadowed
// memory directly; most callers should go through Shim instead, which
// also handles stack-range and ignore-list classification.
func (e *Engine) ReadU8(addr uintptr) uint8    { return e.e.ReadU8(addr) }
func (e *Engine) ReadU16(addr uintptr) uint16  { return e.e.ReadU16(addr) }
func (e *Engine) ReadU32(addr uintptr) uint32  { return e.e.ReadU32(addr) }
func (e *Engine) ReadU64(addr uintptr) uint64  { return e.e.ReadU64(addr) }

func (e *Engine) WriteU8(addr uintptr, v uint8)   { e.e.WriteU8(addr, v) }
func (e *Engine) WriteU16(addr uintptr, v uint16) { e.e.WriteU16(addr, v) }
func (e *Engine) WriteU32(addr uintptr, v uint32) { e.e.WriteU32(addr, v) }
func (e *Engine) WriteU64(addr uintptr, v uint64) { e.e.WriteU64(addr, v) }

// Malloc and Free route through the traversal allocator and trash bin.
func (e *Engine) Malloc(n int) (uintptr, error) { return e.e.Malloc(n) }
func (e *Engine) Free(ptr uintptr, n int) error { return e.e.Free(ptr, n) }

// OutputAppend, OutputDone, and OutputNext drive the active output
// stream; Shift selects or creates one.
func (e *Engine) OutputAppend(b []byte)        { e.e.OutputAppend(b) }
func (e *Engine) OutputDone() error            { return e.e.OutputDone() }
func (e *Engine) OutputNext() (uint32, error)  { return e.e.OutputNext() }
func (e *Engine) Shift(handle int) (int, error) { return e.e.Shift(handle) }

// SetSyscallExecutor registers the function Commit uses to run a deferred
// syscall's real effect, and DeferSyscall/IdempotentSyscall record one.
func (e *Engine) SetSyscallExecutor(fn func(tag string, args []any) error) {
	e.e.SetSyscallExecutor(fn)
}

func (e *Engine) DeferSyscall(tag string, args ...any) {
	e.e.DeferSyscall(tag, args...)
}

func (e *Engine) IdempotentSyscall(tag string, fn func() (any, error)) (any, error) {
	return e.e.IdempotentSyscall(tag, fn)
}

// Phase reports the index of the phase currently executing, or -1 when no
// transaction is in flight.
func (e *Engine) Phase() int { return e.e.Phase() }

// TxnID returns the identifier generated for the transaction currently
// prepared on this engine, correlating its telemetry events.
func (e *Engine) TxnID() string { return e.e.TxnID() }
