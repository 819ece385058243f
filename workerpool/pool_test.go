package workerpool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New(2)
	defer p.Close()

	var count int32
	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		if err := p.Submit(func() {
			atomic.AddInt32(&count, 1)
			done <- struct{}{}
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs to run")
		}
	}

	if got := atomic.LoadInt32(&count); got != 10 {
		t.Errorf("count = %d, want 10", got)
	}
	if got := p.SubmittedJobs(); got != 10 {
		t.Errorf("SubmittedJobs() = %d, want 10", got)
	}
}

func TestPoolCountsCompletedJobs(t *testing.T) {
	p := New(1)

	done := make(chan struct{})
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the job")
	}
	p.Close()

	if got := p.CompletedJobs(); got != 1 {
		t.Errorf("CompletedJobs() = %d, want 1", got)
	}
}

func TestPoolSubmitAfterCloseFails(t *testing.T) {
	p := New(1)
	p.Close()

	if err := p.Submit(func() {}); err == nil {
		t.Fatal("Submit after Close should fail")
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()
}
