// Package protect implements HEAP_PROTECT (mprotect-based write
// protection of an arena's backing mapping outside commit) and
// SEI_SIGSEGV_RECOVERY (treating an invalid memory access during a phase
// as a recoverable fault, the same as a detected shadow-buffer
// divergence).
//
// Go gives applications no safe way to install a raw SIGSEGV handler for
// faults on application memory (see REDESIGN FLAGS R2 in SPEC_FULL.md);
// runtime/debug.SetPanicOnFault plus recover is the documented, idiomatic
// substitute, and it is what this package uses.
package protect

import (
	"errors"
	"fmt"
	"runtime/debug"
	"syscall"
)

// ErrMemoryFault is the error Run reports when the protected function
// triggered a recoverable memory fault (the Go-runtime equivalent of a
// SIGSEGV inside a transaction). The phase engine treats this identically
// to cow.ErrMemoryDiverged for recovery purposes.
var ErrMemoryFault = errors.New("protect: recoverable memory fault")

// Protect marks region read-only via mprotect, matching HEAP_PROTECT's
// behavior of locking an arena's backing mapping outside a commit's
// publish step.
func Protect(region []byte) error {
	if len(region) == 0 {
		return nil
	}

	if err := syscall.Mprotect(region, syscall.PROT_READ); err != nil {
		return fmt.Errorf("protect: mprotect PROT_READ: %w", err)
	}

	return nil
}

// Unprotect restores region to read-write, for use around a commit's
// publish step.
func Unprotect(region []byte) error {
	if len(region) == 0 {
		return nil
	}

	if err := syscall.Mprotect(region, syscall.PROT_READ|syscall.PROT_WRITE); err != nil {
		return fmt.Errorf("protect: mprotect PROT_READ|PROT_WRITE: %w", err)
	}

	return nil
}

// Run executes fn with SetPanicOnFault enabled, recovering a fault into
// ErrMemoryFault instead of crashing the process. fn's own panics (not
// originating from an invalid memory access) are re-raised unchanged.
func Run(fn func() error) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		if r := recover(); r != nil {
			if faultErr, ok := r.(error); ok && isFaultSignal(faultErr) {
				err = fmt.Errorf("%w: %v", ErrMemoryFault, faultErr)
				return
			}

			panic(r)
		}
	}()

	return fn()
}

// isFaultSignal reports whether r is the kind of runtime error
// SetPanicOnFault converts a SIGSEGV/SIGBUS into (runtime.Error with
// Addr() method), without importing the internal runtime error type.
func isFaultSignal(r error) bool {
	type addresser interface {
		Addr() uintptr
	}

	_, ok := r.(addresser)

	return ok
}
