// Package barrier provides a reusable rendezvous for a fixed set of parties.
package barrier

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrBroken  = errors.New("barrier: broken")
	ErrTimeout = errors.New("barrier: timed out waiting for parties")
)

type generation struct {
	done chan struct{}
	err  error
}

// Barrier blocks callers of Wait until parties callers have arrived, then
// releases them all and resets for the next round. Once broken, every current
// and future Wait returns the break error.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	gen     *generation
	err     error
}

func New(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{parties: parties, gen: &generation{done: make(chan struct{})}}
}

func (b *Barrier) Parties() int { return b.parties }

// Waiting reports how many parties are blocked in the current round.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Err returns the break error, or nil while the barrier is intact.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Barrier) Wait() error {
	g, err := b.arrive()
	if g == nil {
		return err
	}
	<-g.done
	return g.err
}

// WaitTimeout is Wait with a deadline. If the round does not complete within d
// the barrier is broken with ErrTimeout, releasing every other waiter.
func (b *Barrier) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		return b.Wait()
	}
	g, err := b.arrive()
	if g == nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-g.done:
		return g.err
	case <-t.C:
	}
	b.mu.Lock()
	if b.gen != g {
		// Released between the timer firing and taking the lock.
		b.mu.Unlock()
		return g.err
	}
	b.breakLocked(ErrTimeout)
	b.mu.Unlock()
	return ErrTimeout
}

// Break fails the current round and all future rounds with err (ErrBroken if nil).
func (b *Barrier) Break(err error) {
	if err == nil {
		err = ErrBroken
	}
	b.mu.Lock()
	b.breakLocked(err)
	b.mu.Unlock()
}

// arrive registers the caller. It returns the generation to wait on, or nil
// when the caller completed the round (err nil) or the barrier is broken.
func (b *Barrier) arrive() (*generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	g := b.gen
	b.arrived++
	if b.arrived < b.parties {
		return g, nil
	}
	b.arrived = 0
	b.gen = &generation{done: make(chan struct{})}
	close(g.done)
	return nil, nil
}

func (b *Barrier) breakLocked(err error) {
	if b.err != nil {
		return
	}
	b.err = err
	b.gen.err = err
	close(b.gen.done)
}
