package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mantisdb/snapcluster/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.Error})
}

func TestShutdownRunsHooksInPriorityOrder(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	m.Register("second", 10, record("second"))
	m.Register("first", 0, record("first"))
	m.Register("third", 20, record("third"))

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("hooks ran out of order: %v", order)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	var calls int
	var mu sync.Mutex
	m.Register("once", 0, func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("repeat Shutdown should return the first run's result: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected hook to run exactly once, ran %d times", calls)
	}
}

func TestShutdownSurfacesHookFailureAndKeepsGoing(t *testing.T) {
	m := NewManager(testLogger(), time.Second)

	boom := errors.New("boom")
	var laterRan bool
	var mu sync.Mutex
	m.Register("broken", 0, func(ctx context.Context) error { return boom })
	m.Register("later", 10, func(ctx context.Context) error {
		mu.Lock()
		laterRan = true
		mu.Unlock()
		return nil
	})

	err := m.Shutdown()
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("Shutdown should surface the first hook failure, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !laterRan {
		t.Error("a hook failure should not prevent later hooks from running")
	}
}

func TestShutdownDeadlineAbandonsStuckHook(t *testing.T) {
	m := NewManager(testLogger(), 10*time.Millisecond)

	block := make(chan struct{})
	defer close(block)
	m.Register("stuck", 0, func(ctx context.Context) error {
		<-block // ignores ctx entirely
		return nil
	})

	var laterRan bool
	var mu sync.Mutex
	m.Register("later", 10, func(ctx context.Context) error {
		mu.Lock()
		laterRan = true
		mu.Unlock()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Shutdown() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Shutdown past its deadline should report an error")
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after the deadline expired")
	}

	mu.Lock()
	defer mu.Unlock()
	if laterRan {
		t.Error("hooks after a stuck hook should be abandoned, not run")
	}
}

func TestWaitReportsShutdownResult(t *testing.T) {
	m := NewManager(testLogger(), time.Second)
	boom := errors.New("boom")
	m.Register("broken", 0, func(ctx context.Context) error { return boom })

	go m.Shutdown()

	waitErr := make(chan error, 1)
	go func() { waitErr <- m.Wait() }()

	select {
	case err := <-waitErr:
		if err == nil || !errors.Is(err, boom) {
			t.Fatalf("Wait should report the shutdown result, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after shutdown completed")
	}
}
