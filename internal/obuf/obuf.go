// Package obuf implements the output buffer: two phase-indexed ring
// queues of outgoing messages, cross-checked at pop time so that a
// diverging phase cannot publish an SDC-tainted result.
package obuf

import (
	"errors"
	"fmt"

	"github.com/aoikida/sei-go/internal/crc"
)

// ErrDiverged is returned by Pop when the head entries of two phase
// queues disagree on size, completion, or CRC.
var ErrDiverged = errors.New("obuf: output diverged across phases")

type entry struct {
	digest crc.Digest
	size   int
	done   bool
}

// Queue holds one transaction's output buffer: one ring per phase, plus a
// cursor selecting which ring subsequent Append/Done calls target.
type Queue struct {
	rings  [][]entry
	target int
	max    int // OBUF_SIZE: bound on completed-and-not-yet-popped messages
}

// New creates a Queue for a transaction with the given redundancy,
// bounding each ring at max completed messages.
func New(phases int, max int) *Queue {
	return &Queue{
		rings: make([][]entry, phases),
		max:   max,
	}
}

func (q *Queue) tail() *entry {
	ring := q.rings[q.target]
	if len(ring) == 0 || ring[len(ring)-1].done {
		q.rings[q.target] = append(ring, entry{digest: crc.Init()})
		ring = q.rings[q.target]
	}

	return &ring[len(ring)-1]
}

// Append extends the current tail entry's running CRC and size.
func (q *Queue) Append(b []byte) {
	e := q.tail()
	e.digest = crc.Append(e.digest, b)
	e.size += len(b)
}

// Done closes the tail entry: folds in the length and finalizes the CRC.
func (q *Queue) Done() error {
	completed := 0

	for _, e := range q.rings[q.target] {
		if e.done {
			completed++
		}
	}

	if completed >= q.max {
		return fmt.Errorf("obuf: queue %d at capacity (%d completed messages)", q.target, q.max)
	}

	e := q.tail()
	e.digest = crc.AppendLen(e.digest, e.size)
	e.done = true

	return nil
}

// Close advances which ring subsequent Append/Done calls target (the
// boundary between one phase's output and the next's).
func (q *Queue) Close() {
	q.target++
}

// Pop consumes the head entry of phase 0's and phase 1's rings (extended
// to all rings when redundancy > 2), requiring every ring's head entry to
// agree on size, completion, and CRC; otherwise it returns ErrDiverged.
func (q *Queue) Pop() (uint32, error) {
	if len(q.rings) == 0 || len(q.rings[0]) == 0 {
		return 0, fmt.Errorf("obuf: pop on empty queue")
	}

	ref := q.rings[0][0]

	for phase := 1; phase < len(q.rings); phase++ {
		if len(q.rings[phase]) == 0 {
			return 0, fmt.Errorf("%w: phase %d has no entry to pop", ErrDiverged, phase)
		}

		other := q.rings[phase][0]

		if other.size != ref.size || other.done != ref.done || other.digest != ref.digest {
			return 0, fmt.Errorf("%w: phase %d head entry does not match phase 0", ErrDiverged, phase)
		}
	}

	if !ref.done {
		return 0, fmt.Errorf("obuf: head entry not yet closed with Done")
	}

	for phase := range q.rings {
		q.rings[phase] = q.rings[phase][1:]
	}

	return crc.Close(ref.digest), nil
}

// Verify cross-checks every ring's full backlog against phase 0's without
// consuming anything, for use at commit time alongside the shadow-buffer
// and input-CRC checks. Pop performs the same check on just the head
// entry as part of actually consuming a message.
func (q *Queue) Verify() error {
	if len(q.rings) == 0 {
		return nil
	}

	ref := q.rings[0]

	for phase := 1; phase < len(q.rings); phase++ {
		other := q.rings[phase]

		if len(other) != len(ref) {
			return fmt.Errorf("%w: phase %d has %d queued messages, phase 0 has %d", ErrDiverged, phase, len(other), len(ref))
		}

		for i := range ref {
			if other[i].size != ref[i].size || other[i].done != ref[i].done || other[i].digest != ref[i].digest {
				return fmt.Errorf("%w: phase %d message %d does not match phase 0", ErrDiverged, phase, i)
			}
		}
	}

	return nil
}

// Size reports the number of completed-and-not-yet-popped messages in
// phase 0's ring.
func (q *Queue) Size() int {
	n := 0

	for _, e := range q.rings[0] {
		if e.done {
			n++
		}
	}

	return n
}

// Clean resets the queue for reuse by a new transaction.
func (q *Queue) Clean() {
	for i := range q.rings {
		q.rings[i] = q.rings[i][:0]
	}

	q.target = 0
}
