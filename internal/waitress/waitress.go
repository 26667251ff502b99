// Package waitress implements the deferred-syscall queue: effectful calls
// made inside a transaction (send, close, ...) are recorded per phase and
// executed exactly once at commit, after verifying every phase produced
// the identical call sequence.
package waitress

import (
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"
)

// ErrDiverged is returned by Flush when two phases disagree on the
// recorded call sequence.
var ErrDiverged = errors.New("waitress: call sequence diverged across phases")

// Call is one recorded deferred call: a tag identifying the syscall and
// its arguments, compared with go-cmp across phases.
type Call struct {
	Tag  string
	Args []any
}

// Queue holds one transaction's deferred calls, indexed by phase.
type Queue struct {
	phases [][]Call
}

// New creates a Queue for a transaction with the given redundancy.
func New(phases int) *Queue {
	return &Queue{phases: make([][]Call, phases)}
}

// Push records a deferred call for the given phase.
func (q *Queue) Push(phase int, tag string, args ...any) {
	q.phases[phase] = append(q.phases[phase], Call{Tag: tag, Args: args})
}

// Flush verifies every phase recorded an identical call sequence (tag and
// arguments, compared with go-cmp), then executes each call exactly once,
// in insertion order, using phase 0's arguments.
func (q *Queue) Flush(call func(tag string, args []any) error) error {
	if len(q.phases) == 0 {
		return nil
	}

	ref := q.phases[0]

	for phase := 1; phase < len(q.phases); phase++ {
		other := q.phases[phase]

		if len(other) != len(ref) {
			return fmt.Errorf("%w: phase 0 recorded %d calls, phase %d recorded %d", ErrDiverged, len(ref), phase, len(other))
		}

		for i := range ref {
			if diff := cmp.Diff(ref[i], other[i]); diff != "" {
				return fmt.Errorf("%w at call %d: %s", ErrDiverged, i, diff)
			}
		}
	}

	for _, c := range ref {
		if err := call(c.Tag, c.Args); err != nil {
			return fmt.Errorf("waitress: call %q failed: %w", c.Tag, err)
		}
	}

	return nil
}

// Len reports how many calls phase 0 has recorded so far.
func (q *Queue) Len() int {
	if len(q.phases) == 0 {
		return 0
	}

	return len(q.phases[0])
}

// Clean resets the queue for reuse by a new transaction.
func (q *Queue) Clean() {
	for i := range q.phases {
		q.phases[i] = q.phases[i][:0]
	}
}
