package provider

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a provider's circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets executions through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects executions until the cool-down has passed.
	BreakerOpen
	// BreakerHalfOpen lets probe executions through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive provider failures so that a
// broken provider fails fast instead of being called for every task.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments take defaults:
// 5 failures, 1 probe success, 30s cool-down.
func NewBreaker(failureThreshold, successThreshold int, coolDown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		coolDown:         coolDown,
		now:              time.Now,
	}
}

// Allow returns an error while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	if b.state == BreakerOpen {
		return fmt.Errorf("circuit open after %d consecutive failures", b.failureThreshold)
	}
	return nil
}

// Record registers the outcome of one execution.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case BreakerClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if err != nil {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// advance moves an open breaker to half-open once the cool-down has
// passed. Must be called with the lock held.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// breakers holds one breaker per provider name.
type breakers struct {
	mu      sync.Mutex
	byName  map[string]*Breaker
	factory func() *Breaker
}

func (bs *breakers) get(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byName[name]
	if !ok {
		b = bs.factory()
		bs.byName[name] = b
	}
	return b
}
