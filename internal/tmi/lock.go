package tmi

import "sync"

// LockMode selects which of the three patterns spec.md §4.10 allows for
// wrapping pthread_mutex-like synchronization. Mixing patterns for the
// same lock within one transaction is unsafe (per the Design Notes'
// "one pattern per operation" rule), so a Mutex is created with exactly
// one mode and keeps it for its lifetime.
type LockMode uint8

const (
	// RecordReplay: phase 0 actually acquires/releases the real lock and
	// records the outcome; later phases replay the recorded outcome
	// without touching the real lock.
	RecordReplay LockMode = iota

	// TwoPhaseLocking: the lock is acquired once and held across every
	// phase, released only at commit.
	TwoPhaseLocking

	// MiniTraversal: the transaction commits just before the lock
	// operation and a fresh one begins just after, so the lock is never
	// held across re-executions. The engine is responsible for driving
	// the surrounding commit/restart; Mutex only tracks lock state within
	// one such mini-transaction.
	MiniTraversal
)

// Mutex wraps a real sync.Mutex with one of the three transactional lock
// patterns.
type Mutex struct {
	real *sync.Mutex
	mode LockMode

	phase    int
	recorded []bool // phase 0's Lock/TryLock outcomes, replayed by later phases
	cursor   int
	held     bool // for TwoPhaseLocking: whether this transaction currently holds real
}

// NewMutex wraps real with the given pattern.
func NewMutex(real *sync.Mutex, mode LockMode) *Mutex {
	return &Mutex{real: real, mode: mode}
}

// SetPhase tells the Mutex which phase is currently executing, so
// RecordReplay knows whether to record (phase 0) or replay (later phases).
func (m *Mutex) SetPhase(phase int) {
	if phase == 0 {
		m.cursor = 0
	}

	m.phase = phase
}

// Lock acquires the lock per the configured pattern.
func (m *Mutex) Lock() {
	switch m.mode {
	case RecordReplay:
		if m.phase == 0 {
			m.real.Lock()
			m.recorded = append(m.recorded, true)
			return
		}

		m.cursor++ // phase 0 always succeeded synchronously; nothing to replay but position

	case TwoPhaseLocking, MiniTraversal:
		if !m.held {
			m.real.Lock()
			m.held = true
		}
	}
}

// TryLock attempts to acquire the lock per the configured pattern,
// returning whether it succeeded.
func (m *Mutex) TryLock() bool {
	switch m.mode {
	case RecordReplay:
		if m.phase == 0 {
			ok := m.real.TryLock()
			m.recorded = append(m.recorded, ok)
			return ok
		}

		if m.cursor >= len(m.recorded) {
			return false
		}

		ok := m.recorded[m.cursor]
		m.cursor++

		return ok

	case TwoPhaseLocking, MiniTraversal:
		if m.held {
			return true
		}

		ok := m.real.TryLock()
		m.held = ok

		return ok
	}

	return false
}

// Unlock releases the lock per the configured pattern. For
// TwoPhaseLocking the real unlock is deferred to CommitRelease, matching
// "held across all phases, released only at commit".
func (m *Mutex) Unlock() {
	switch m.mode {
	case RecordReplay:
		if m.phase == 0 {
			m.real.Unlock()
		}

	case TwoPhaseLocking:
		// deliberately a no-op: release happens at CommitRelease.

	case MiniTraversal:
		if m.held {
			m.real.Unlock()
			m.held = false
		}
	}
}

// CommitRelease releases a TwoPhaseLocking mutex still held at commit. It
// is a no-op for the other modes, which release as part of Unlock.
func (m *Mutex) CommitRelease() {
	if m.mode == TwoPhaseLocking && m.held {
		m.real.Unlock()
		m.held = false
	}
}

// Clean resets record-replay state for reuse by the next transaction.
func (m *Mutex) Clean() {
	m.recorded = m.recorded[:0]
	m.cursor = 0
	m.phase = 0
}

// MiniTraversalLock implements the mini-traversal lock pattern from
// original_source/src/asco-cor_mode.c: the in-flight transaction is
// committed just before acquiring real, the critical section body runs
// outside any transaction, and a fresh transaction is started just after
// releasing real. This guarantees a lock is never held across a
// transaction's re-executions, at the cost of splitting one logical
// operation into two transactions around the critical section.
//
// commit and restart are the caller's transaction boundary hooks (e.g.
// sei.Engine.Commit and sei.Engine.Begin); body is the critical section.
func MiniTraversalLock(real *sync.Mutex, commit func() error, restart func() error, body func() error) error {
	if err := commit(); err != nil {
		return err
	}

	real.Lock()
	bodyErr := body()
	real.Unlock()

	if err := restart(); err != nil {
		if bodyErr != nil {
			return bodyErr
		}

		return err
	}

	return bodyErr
}
