// Package ctxswitch provides the phase engine's re-execution mechanism.
// Go has no user-space register-snapshot primitive, so a transaction's
// redundant phases are driven by a goroutine-per-transaction continuation
// instead of a restored register context: Begin launches the transactional
// function on its own goroutine, which blocks on a rendezvous channel
// after completing each phase; Switch unblocks it for the next phase.
package ctxswitch

import "fmt"

// Continuation drives one transaction's redundant-phase goroutine.
type Continuation struct {
	advance  chan struct{}
	boundary chan struct{}
	done     chan error
	phase    int
	finished bool
	stopped  bool
}

// Begin launches fn on its own goroutine and blocks until fn has executed
// phase 0 and called phaseDone, reaching its first boundary.
//
// fn receives a phaseDone function it must call exactly once per phase;
// each call blocks the goroutine until Switch or Stop is invoked. A false
// return from phaseDone tells fn its execution is being torn down and it
// should not run another phase.
func Begin(fn func(p int, phaseDone func() bool) error) *Continuation {
	c := &Continuation{
		advance:  make(chan struct{}),
		boundary: make(chan struct{}),
		done:     make(chan error, 1),
	}

	phaseDone := func() bool {
		c.boundary <- struct{}{}
		_, ok := <-c.advance
		return ok
	}

	go func() {
		c.done <- fn(c.phase, phaseDone)
	}()

	<-c.boundary

	return c
}

// Switch unblocks the goroutine for phase p+1 and waits until that phase
// reaches its own boundary, or the goroutine returns (ending the
// transaction after its final phase).
func (c *Continuation) Switch() error {
	if c.stopped {
		return fmt.Errorf("ctxswitch: switch on stopped continuation")
	}

	c.phase++
	c.advance <- struct{}{}

	select {
	case <-c.boundary:
		return nil
	case err := <-c.done:
		c.finished = true
		c.stopped = true
		return err
	}
}

// Stop tears down the continuation. If fn is still blocked at a boundary,
// it is released by closing the advance channel, which makes its next
// phaseDone call return false (signaling "do not run again").
func (c *Continuation) Stop() error {
	if c.stopped {
		return nil
	}

	close(c.advance)

	var err error

	select {
	case <-c.boundary:
		// fn ignored the false return from phaseDone and reached another
		// boundary; it has no advance signal left to receive, so this is a
		// caller contract violation, but draining it avoids a goroutine leak.
	case err = <-c.done:
	}

	c.stopped = true

	return err
}

// Phase reports the index of the phase currently executing or most
// recently completed.
func (c *Continuation) Phase() int { return c.phase }

// Finished reports whether fn has returned (all phases complete).
func (c *Continuation) Finished() bool { return c.finished }
