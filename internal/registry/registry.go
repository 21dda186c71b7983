// Package registry provides the mutex-guarded registrations of the client
// test and the server test running in a process.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a registration already exists.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrNotRegistered is returned when no registration exists.
	ErrNotRegistered = errors.New("not registered")
)

// Client holds at most one active client test and its cancellation flag.
// Both are only read and written while holding the registry's mutex.
type Client[T comparable] struct {
	mu        sync.Mutex
	active    T
	has       bool
	cancelled bool
}

// Register makes t the active client test and clears any stale
// cancellation flag. It fails with ErrAlreadyRegistered if another test is
// active.
func (c *Client[T]) Register(t T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.has {
		return ErrAlreadyRegistered
	}
	c.active = t
	c.has = true
	c.cancelled = false
	return nil
}

// Clear removes the active client test and returns whether cancellation was
// requested while it was registered.
func (c *Client[T]) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	cancelled := c.cancelled
	c.active = zero
	c.has = false
	c.cancelled = false
	return cancelled
}

// Active returns the active client test, if any.
func (c *Client[T]) Active() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.has
}

// CancelActive sets the cancellation flag of the active test and calls fn
// with it, while holding the mutex. It returns false, without calling fn,
// when no test is active.
func (c *Client[T]) CancelActive(fn func(T)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return false
	}
	return c.cancel(fn)
}

// Cancel is like CancelActive, but only cancels t. It returns false if t is
// not the active test.
func (c *Client[T]) Cancel(t T, fn func(T)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has || c.active != t {
		return false
	}
	return c.cancel(fn)
}

func (c *Client[T]) cancel(fn func(T)) bool {
	c.cancelled = true
	if fn != nil {
		fn(c.active)
	}
	return true
}

// Server holds at most one running server test together with the handle
// used to stop it.
type Server[T any] struct {
	mu      sync.Mutex
	test    T
	stop    func()
	done    <-chan struct{}
	running bool
}

// Start registers t and runs it by calling run on a new goroutine. The
// registration stays until Stop is called, even if run returns earlier. It
// fails with ErrAlreadyRegistered, without calling run, if a server is
// already registered.
func (s *Server[T]) Start(t T, stop func(), run func(T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRegistered
	}
	done := make(chan struct{})
	s.test = t
	s.stop = stop
	s.done = done
	s.running = true
	go func() {
		defer close(done)
		run(t)
	}()
	return nil
}

// Stop calls the stop function of the registered server, if cancel is true,
// waits for its goroutine to return, calls release with the test and clears
// the registration. The mutex is held throughout. Each of waiting, if not
// nil, is called once a registration is found and before waiting. It fails
// with ErrNotRegistered if no server is registered.
func (s *Server[T]) Stop(cancel bool, release func(T), waiting ...func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRegistered
	}
	for _, fn := range waiting {
		if fn != nil {
			fn()
		}
	}
	if cancel && s.stop != nil {
		s.stop()
	}
	<-s.done
	if release != nil {
		release(s.test)
	}
	var zero T
	s.test = zero
	s.stop = nil
	s.done = nil
	s.running = false
	return nil
}

// Running reports whether a server is registered.
func (s *Server[T]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Exited returns a channel that is closed when the registered server's
// goroutine returns. It returns nil if no server is registered.
func (s *Server[T]) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
