package scheduler

import "sync"

// Slots is the process-local concurrency ceiling. Every slot handed out
// by Acquire must be returned with Release.
type Slots struct {
	mu      sync.Mutex
	ceiling int
	active  int
	peak    int
}

func NewSlots(ceiling int) *Slots {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Slots{ceiling: ceiling}
}

// Acquire reserves up to n slots and returns how many were granted:
// min(n, ceiling-active), never negative.
func (s *Slots) Acquire(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.ceiling - s.active
	if n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	s.active += n
	if s.active > s.peak {
		s.peak = s.active
	}
	return n
}

// Release returns n slots.
func (s *Slots) Release(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active -= n
	if s.active < 0 {
		s.active = 0
	}
}

func (s *Slots) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Peak is the highest active count observed since construction.
func (s *Slots) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Slots) Ceiling() int { return s.ceiling }
