package gateway

import (
	"sync"
	"time"
)

// TimeoutService owns the single handshake timer the control state machine
// uses for registration/authentication/schema waits. At most one timer is
// outstanding at any time.
type TimeoutService struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewTimeoutService creates an empty timeout slot.
func NewTimeoutService() *TimeoutService {
	return &TimeoutService{}
}

// Create arms a new timer that invokes cb after d if the slot is empty. It
// is a no-op if a timer is already outstanding: the caller must Remove or
// Modify first.
func (s *TimeoutService) Create(d time.Duration, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		cb()
	})
}

// Modify changes the duration of the outstanding timer, if any, otherwise
// it is a no-op.
func (s *TimeoutService) Modify(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.timer.Reset(d)
}

// Remove cancels and clears the outstanding timer, if any.
func (s *TimeoutService) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
}

// Active reports whether a timer is currently outstanding.
func (s *TimeoutService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
