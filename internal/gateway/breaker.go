package gateway

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without a network attempt while the breaker is
// open and the cooldown has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes the rolling-window circuit breaker.
//   - Window: sampling window width (default 60s).
//   - FailureRatio: open once failures/total meets this (default 0.5).
//   - MinThroughput: minimum samples in the window before the ratio is
//     considered, so a couple of early failures cannot open the circuit
//     (default 10).
//   - Cooldown: how long the breaker stays open before one trial request is
//     allowed through (default 30s).
type BreakerConfig struct {
	Window        time.Duration
	FailureRatio  float64
	MinThroughput int
	Cooldown      time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinThroughput <= 0 {
		c.MinThroughput = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type sample struct {
	at      time.Time
	failure bool
}

// Breaker is a rolling-window circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    breakerState
	samples  []sample
	openedAt time.Time
	trialing bool
}

// NewBreaker builds a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a call may proceed at now. In the open state it
// admits exactly one trial request once the cooldown has elapsed.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.trialing = true
		return true
	case breakerHalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true
	}
	return false
}

// Record feeds one call outcome into the window and moves the state machine.
func (b *Breaker) Record(now time.Time, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.trialing = false
		if success {
			b.state = breakerClosed
			b.samples = nil
			return
		}
		b.state = breakerOpen
		b.openedAt = now
		return
	}

	b.samples = append(b.samples, sample{at: now, failure: !success})
	b.evict(now)

	total := len(b.samples)
	if total < b.cfg.MinThroughput {
		return
	}
	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}
	if float64(failures)/float64(total) >= b.cfg.FailureRatio {
		b.state = breakerOpen
		b.openedAt = now
		b.samples = nil
	}
}

// Open reports whether the breaker is currently short-circuiting calls.
func (b *Breaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && now.Sub(b.openedAt) < b.cfg.Cooldown
}

func (b *Breaker) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(b.samples) && b.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.samples = append(b.samples[:0], b.samples[idx:]...)
	}
}
