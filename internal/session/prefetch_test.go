package session

import (
	"errors"
	"testing"
	"time"

	"clinic-sim-engine/internal/patient"
)

func TestPrefetchSlotResolvesOnce(t *testing.T) {
	slot := newPrefetchSlot()
	if slot.resolved() {
		t.Fatal("fresh slot reports resolved")
	}

	want := patient.Patient{ID: "p-1", VisitID: "v-1"}
	go slot.resolve(want, nil)

	p, err := slot.await()
	if err != nil {
		t.Fatalf("await() error = %v", err)
	}
	if p.VisitID != want.VisitID {
		t.Errorf("await() = %+v, want %+v", p, want)
	}
	if !slot.resolved() {
		t.Error("slot not resolved after await")
	}

	// A second await returns the same resolution without further work.
	again, err := slot.await()
	if err != nil || again.VisitID != want.VisitID {
		t.Errorf("second await() = %+v, %v", again, err)
	}
}

func TestPrefetchSlotPropagatesFailure(t *testing.T) {
	slot := newPrefetchSlot()
	fail := errors.New("generation failed")
	slot.resolve(patient.Patient{}, fail)

	if _, err := slot.await(); !errors.Is(err, fail) {
		t.Errorf("await() error = %v, want %v", err, fail)
	}
}

func TestPrefetchSlotBlocksUntilResolution(t *testing.T) {
	slot := newPrefetchSlot()
	done := make(chan patient.Patient, 1)

	go func() {
		p, _ := slot.await()
		done <- p
	}()

	select {
	case <-done:
		t.Fatal("await returned before resolution")
	case <-time.After(20 * time.Millisecond):
	}

	slot.resolve(patient.Patient{VisitID: "late"}, nil)
	select {
	case p := <-done:
		if p.VisitID != "late" {
			t.Errorf("awaited value = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("await never returned after resolution")
	}
}

func TestArmingIsIdempotentWhilePending(t *testing.T) {
	gen := &fakeGenerator{}
	e := newTestEngine(gen, newFakeStore())

	e.mu.Lock()
	first := e.armPrefetchLocked()
	second := e.armPrefetchLocked()
	e.mu.Unlock()

	if first != second {
		t.Error("re-arming replaced a pending slot")
	}
	if _, err := first.await(); err != nil {
		t.Fatal(err)
	}
	if got := gen.calls(); got != 1 {
		t.Errorf("generation calls = %d, want 1", got)
	}
}
