// Package barrier implements a reusable (cyclic) rendezvous point for a
// fixed party count, the primitive the kernel's two-phase tick protocol
// is built from. Neither the standard library nor golang.org/x/sync
// ships a reusable barrier, so this is a small generation-counter
// implementation with explicit abort semantics.
package barrier

import (
	"errors"
	"sync"
)

// ErrBroken is returned by Await when the barrier was aborted, either by
// a concurrent Abort call or because it was already broken when Await was
// entered. Callers treat it as a clean cancellation signal, never as an
// unexpected error.
var ErrBroken = errors.New("barrier: broken")

// Barrier is an N-party cyclic rendezvous. Every Await call blocks until
// parties calls have accumulated in the current generation, at which
// point all of them are released together and the barrier resets for
// the next round. Safe for concurrent use.
type Barrier struct {
	mu         sync.Mutex
	parties    int
	count      int
	generation chan struct{}
	broken     bool
}

// New creates a Barrier for the given number of parties. Parties must be
// at least 1.
func New(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{parties: parties, generation: make(chan struct{})}
}

// Await blocks the calling goroutine until every party for the current
// generation has called Await, then returns nil for all of them
// simultaneously. It returns ErrBroken if the barrier is, or becomes,
// broken while this call is waiting.
func (b *Barrier) Await() error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBroken
	}
	gen := b.generation
	b.count++
	if b.count == b.parties {
		b.count = 0
		b.generation = make(chan struct{})
		b.mu.Unlock()
		close(gen)
		return nil
	}
	b.mu.Unlock()

	<-gen

	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return ErrBroken
	}
	return nil
}

// Abort breaks the barrier, releasing every goroutine currently blocked
// in Await (and every future Await call, until Reset) with ErrBroken.
// Idempotent.
func (b *Barrier) Abort() {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return
	}
	b.broken = true
	gen := b.generation
	b.mu.Unlock()
	close(gen)
}

// Reset clears the broken state and starts a fresh generation with no
// parties yet arrived. The kernel does not call it: every Bootstrap
// (including Reset's forced one) builds fresh barriers with New.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = false
	b.count = 0
	b.generation = make(chan struct{})
}

// Parties returns the configured party count.
func (b *Barrier) Parties() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parties
}
