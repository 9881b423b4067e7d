// Package mirror contains the sync core: the readiness gate, the
// single-flight task queue, record validation, the batch processor, and the
// sync orchestrator.
package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Gate is a one-shot readiness signal. MarkReady is idempotent and never
// un-fires; there is no error state, a failed prerequisite simply leaves the
// gate closed.
type Gate struct {
	once sync.Once
	done chan struct{}
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

func (g *Gate) MarkReady() {
	g.once.Do(func() { close(g.done) })
}

func (g *Gate) Ready() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// AwaitReady blocks until the gate fires or ctx is cancelled.
func (g *Gate) AwaitReady(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the underlying channel for use in select loops.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// ReadySet tracks a named collection of gates so startup can compose
// prerequisites (store reachable, credential present, ...) into one wait.
type ReadySet struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

func NewReadySet() *ReadySet {
	return &ReadySet{gates: map[string]*Gate{}}
}

// AddDependency registers a named gate. Registering the same name twice
// returns the existing gate.
func (s *ReadySet) AddDependency(name string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[name]; ok {
		return g
	}
	g := NewGate()
	s.gates[name] = g
	return g
}

func (s *ReadySet) MarkReady(name string) {
	s.mu.Lock()
	g, ok := s.gates[name]
	s.mu.Unlock()
	if ok {
		g.MarkReady()
	}
}

// AwaitDependencies blocks until every named gate fires. With no names it
// waits on everything registered so far.
func (s *ReadySet) AwaitDependencies(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		s.mu.Lock()
		for name := range s.gates {
			names = append(names, name)
		}
		s.mu.Unlock()
		sort.Strings(names)
	}
	for _, name := range names {
		s.mu.Lock()
		g, ok := s.gates[name]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown dependency %q", name)
		}
		if err := g.AwaitReady(ctx); err != nil {
			return fmt.Errorf("waiting for %q: %w", name, err)
		}
	}
	return nil
}
