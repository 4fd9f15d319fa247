package client

import (
	"context"
	"sync"
)

// Result is the terminal outcome of the first transition to ready.
type Result struct {
	// Merged is false when the controller gave up waiting for the
	// authoritative state and fell through to ready.
	Merged bool
}

// Signal resolves exactly once. Every waiter observes the same Result.
type Signal struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

func (s *Signal) resolve(r Result) bool {
	resolved := false
	s.once.Do(func() {
		s.result = r
		close(s.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the signal has resolved.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Resolved reports whether the signal has fired.
func (s *Signal) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved value. It is the zero Result until Done is
// closed.
func (s *Signal) Result() Result {
	select {
	case <-s.done:
		return s.result
	default:
		return Result{}
	}
}

// Wait blocks until the signal resolves or ctx ends.
func (s *Signal) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
