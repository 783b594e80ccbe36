// Package backoff computes capped exponential retry delays.
//
//	delay = initial * multiplier^(attempt-1), capped at max
//
//	initial=100ms, multiplier=2:  100ms, 200ms, 400ms, 800ms, ...
//
// State applies a Policy per key, for components that retry many
// independent things (one consumer group, one endpoint) on one loop.
package backoff

import (
	"context"
	"sync"
	"time"
)

// Policy is an exponential backoff policy.
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// DefaultPolicy is used for reconnects and RPC retries.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d > float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State tracks failures per key: how many in a row, and when the key may
// be tried again. Safe for concurrent use.
type State[K comparable] struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[K]entry
}

type entry struct {
	attempts int
	next     time.Time
}

// NewState creates a keyed state over policy.
func NewState[K comparable](policy Policy) *State[K] {
	return &State[K]{policy: policy, now: time.Now, entries: make(map[K]entry)}
}

// Failure records a failed attempt for key and returns the delay until the
// key is eligible again.
func (s *State[K]) Failure(key K) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.attempts++
	d := s.policy.Delay(e.attempts)
	e.next = s.now().Add(d)
	s.entries[key] = e
	return d
}

// Success forgets key.
func (s *State[K]) Success(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Ready reports whether key may be tried now.
func (s *State[K]) Ready(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return !ok || !s.now().Before(e.next)
}

// Attempts returns the consecutive failures recorded for key.
func (s *State[K]) Attempts(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key].attempts
}
