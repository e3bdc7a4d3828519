package session

import (
	"clinic-sim-engine/internal/patient"
)

// prefetchSlot holds at most one speculative case. It is created pending and
// resolved exactly once; consumers await the same underlying resolution
// instead of issuing a duplicate request.
type prefetchSlot struct {
	done chan struct{}
	p    patient.Patient
	err  error
}

func newPrefetchSlot() *prefetchSlot {
	return &prefetchSlot{done: make(chan struct{})}
}

func (s *prefetchSlot) resolve(p patient.Patient, err error) {
	s.p = p
	s.err = err
	close(s.done)
}

// await blocks until the slot resolves. Safe to call from multiple waiters.
func (s *prefetchSlot) await() (patient.Patient, error) {
	<-s.done
	return s.p, s.err
}

func (s *prefetchSlot) resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
