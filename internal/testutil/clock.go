package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
)

// Epoch is the instant every test clock starts at.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// NewClock returns a manual clock set to Epoch.
func NewClock() *testclock.Clock {
	return testclock.NewClock(Epoch)
}

// Sequence hands out deterministic, monotonic numbers for fake artefacts
// such as blob names and passwords.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSequence creates a sequence whose first value is prefix-1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Next returns the next value.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Current returns how many values were handed out.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset restarts the sequence at prefix-1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
