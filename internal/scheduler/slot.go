package scheduler

import "sync"

// Slot is a held execution slot. Release returns it exactly once no matter
// how many times it is called.
type Slot struct {
	once     sync.Once
	release  func()
	released bool
	mu       sync.Mutex
}

func newSlot(release func()) *Slot {
	return &Slot{release: release}
}

func (s *Slot) Release() {
	s.once.Do(func() {
		s.release()
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
	})
}

func (s *Slot) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
