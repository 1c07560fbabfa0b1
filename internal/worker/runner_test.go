package worker

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestPool_Bounded(t *testing.T) {
	p := NewPool(2, zerolog.Nop())
	if !p.TryAcquire() || !p.TryAcquire() {
		t.Fatalf("expected two free slots")
	}
	if p.TryAcquire() {
		t.Fatalf("third slot must not be available")
	}
	if p.InUse() != 2 {
		t.Fatalf("in use = %d, want 2", p.InUse())
	}

	release := make(chan struct{})
	var ran atomic.Int32
	p.Go(func() {
		<-release
		ran.Add(1)
	})
	p.Release()
	close(release)
	p.Wait()

	if ran.Load() != 1 {
		t.Fatalf("fn did not run")
	}
	if p.InUse() != 0 {
		t.Fatalf("slots leaked: %d", p.InUse())
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	p := NewPool(0, zerolog.Nop())
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}
	if !p.TryAcquire() {
		t.Fatalf("expected a slot")
	}
	p.Go(func() { panic("boom") })
	p.Wait()
	if !p.TryAcquire() {
		t.Fatalf("slot not returned after panic")
	}
}
