package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGateMarkReadyIdempotent(t *testing.T) {
	g := NewGate()
	if g.Ready() {
		t.Fatal("new gate must not be ready")
	}
	g.MarkReady()
	g.MarkReady()
	if !g.Ready() {
		t.Fatal("gate should be ready after MarkReady")
	}
	if err := g.AwaitReady(context.Background()); err != nil {
		t.Fatalf("await on fired gate: %v", err)
	}
}

func TestGateAwaitReadyUnblocksWaiters(t *testing.T) {
	g := NewGate()
	const waiters = 5
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.AwaitReady(context.Background())
		}()
	}
	g.MarkReady()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter returned error: %v", err)
		}
	}
}

func TestGateAwaitReadyRespectsContext(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.AwaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReadySetAwaitDependencies(t *testing.T) {
	s := NewReadySet()
	s.AddDependency("store")
	s.AddDependency("credential")

	done := make(chan error, 1)
	go func() {
		done <- s.AwaitDependencies(context.Background())
	}()

	s.MarkReady("store")
	select {
	case err := <-done:
		t.Fatalf("await returned before all dependencies ready: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.MarkReady("credential")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not return after all dependencies fired")
	}
}

func TestReadySetUnknownDependency(t *testing.T) {
	s := NewReadySet()
	if err := s.AwaitDependencies(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestReadySetAddDependencyReturnsSameGate(t *testing.T) {
	s := NewReadySet()
	a := s.AddDependency("store")
	b := s.AddDependency("store")
	if a != b {
		t.Fatal("expected the same gate for repeated registration")
	}
}
