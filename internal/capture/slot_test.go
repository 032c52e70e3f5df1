package capture

import (
	"sync"
	"testing"
)

func TestSlotExclusivity(t *testing.T) {
	s := &Slot{}
	if err := s.TryPrepare(Request{Session: "a"}); err != nil {
		t.Fatal(err)
	}
	if !s.Ready() {
		t.Fatal("expected ready after prepare")
	}
	if err := s.TryPrepare(Request{Session: "b"}); err == nil {
		t.Fatal("expected second prepare to be rejected while ready")
	}

	req, ok := s.TryFire()
	if !ok || req.Session != "a" {
		t.Fatalf("expected fire to succeed with session a, got %v %v", req, ok)
	}
	if s.Ready() {
		t.Fatal("slot must not be ready while in_progress")
	}
	if err := s.TryPrepare(Request{Session: "c"}); err == nil {
		t.Fatal("expected prepare to be rejected while in_progress")
	}

	s.Finish()
	if s.Ready() || s.InProgress() {
		t.Fatal("expected slot idle (neither ready nor in_progress) after finish")
	}
}

// TestSlotConcurrentPrepareFireNeverOverlap hammers Prepare/Fire/Finish
// from many goroutines at once. Every state read goes through the
// mutex-protected accessors, so a data race here would itself signal
// that the ready/in_progress invariant had been breached.
func TestSlotConcurrentPrepareFireNeverOverlap(t *testing.T) {
	s := &Slot{}
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.TryPrepare(Request{Session: "x"})
		}()
		go func() {
			defer wg.Done()
			if _, ok := s.TryFire(); ok {
				s.Finish()
			}
		}()
	}
	wg.Wait()
}
