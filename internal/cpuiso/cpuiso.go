// Package cpuiso implements CPU-core isolation: the process-wide registry
// that blacklists cores which have produced silent data corruption and
// migrates a recovering thread's affinity to a surviving core.
package cpuiso

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Registry is the process-wide, mutex-guarded CPU-isolation state. There
// is exactly one Registry per process; spec.md §9's "global state is the
// CPU-isolation registry only" invariant means every other piece of state
// in this module is per-thread.
type Registry struct {
	mu         sync.Mutex
	numCPU     int
	blacklist  map[int]bool
	migrations int
}

// New creates a Registry sized to the machine's available CPUs.
func New() *Registry {
	return &Registry{
		numCPU:    runtime.NumCPU(),
		blacklist: make(map[int]bool),
	}
}

// CurrentCPU reports the calling OS thread's current CPU, via
// sched_getcpu. Callers must have called runtime.LockOSThread for the
// result to remain meaningful afterward.
func CurrentCPU() (int, error) {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return 0, fmt.Errorf("cpuiso: sched_getcpu: %w", err)
	}

	return cpu, nil
}

// BlacklistCurrent ORs the calling thread's current CPU into the
// blacklist. Idempotent: blacklisting an already-blacklisted core is a
// no-op.
func (r *Registry) BlacklistCurrent() error {
	cpu, err := CurrentCPU()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.blacklist[cpu] = true

	return nil
}

// Blacklist directly marks cpu as blacklisted, for tests and for recovery
// paths that already know the faulting core's index.
func (r *Registry) Blacklist(cpu int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blacklist[cpu] = true
}

// CoresExhausted is called when MigrateCurrentThread finds no available
// core. Per spec.md §4.11, the process exits: there is no recovery
// strategy beyond core-blacklist exhaustion.
var CoresExhausted = func() {
	fmt.Fprintln(os.Stderr, "cpuiso: all CPU cores blacklisted, exiting")
	os.Exit(1)
}

// MigrateCurrentThread finds the lowest-indexed available (non-blacklisted)
// core, sets the calling OS thread's affinity to it via
// unix.SchedSetaffinity, and increments the migration counter. The caller
// must have called runtime.LockOSThread first so the affinity change
// sticks to the goroutine's underlying OS thread.
func (r *Registry) MigrateCurrentThread() (int, error) {
	r.mu.Lock()

	var target = -1

	for cpu := 0; cpu < r.numCPU; cpu++ {
		if !r.blacklist[cpu] {
			target = cpu
			break
		}
	}

	if target == -1 {
		r.mu.Unlock()
		CoresExhausted()

		return 0, fmt.Errorf("cpuiso: no available cores")
	}

	r.migrations++
	r.mu.Unlock()

	var mask unix.CPUSet
	mask.Set(target)

	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return 0, fmt.Errorf("cpuiso: sched_setaffinity to CPU %d: %w", target, err)
	}

	return target, nil
}

// Available reports how many cores are not currently blacklisted.
func (r *Registry) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for cpu := 0; cpu < r.numCPU; cpu++ {
		if !r.blacklist[cpu] {
			n++
		}
	}

	return n
}

// Stats is a point-in-time snapshot of the registry, for cmd/seistat and
// cmd/seidebug.
type Stats struct {
	NumCPU     int
	Blacklisted []int
	Migrations int
	PerCore    map[int]bool // cpu -> blacklisted
}

// Stats returns a snapshot of the registry's current state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	perCore := make(map[int]bool, r.numCPU)
	var blacklisted []int

	for cpu := 0; cpu < r.numCPU; cpu++ {
		blocked := r.blacklist[cpu]
		perCore[cpu] = blocked

		if blocked {
			blacklisted = append(blacklisted, cpu)
		}
	}

	return Stats{
		NumCPU:      r.numCPU,
		Blacklisted: blacklisted,
		Migrations:  r.migrations,
		PerCore:     perCore,
	}
}
