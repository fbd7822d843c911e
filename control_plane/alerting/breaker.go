package alerting

import (
	"sync"
	"time"
)

// breakerState is the delivery breaker's position.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// DeliveryBreaker stops hammering dead alert endpoints. Consecutive delivery
// failures open it; after a cooldown it lets a few probe deliveries through
// and closes again once one succeeds.
type DeliveryBreaker struct {
	mu sync.Mutex

	state            breakerState
	failureThreshold int
	cooldown         time.Duration

	consecutiveFails int
	openedAt         time.Time
	probes           int
	probeLimit       int
}

// NewDeliveryBreaker returns a breaker with delivery defaults: open after
// five straight failures, half-open after a minute.
func NewDeliveryBreaker() *DeliveryBreaker {
	return &DeliveryBreaker{
		failureThreshold: 5,
		cooldown:         time.Minute,
		probeLimit:       2,
	}
}

// Allow reports whether a delivery attempt may proceed at the given instant.
func (b *DeliveryBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && now.Sub(b.openedAt) > b.cooldown {
		b.state = breakerHalfOpen
		b.probes = 0
	}

	switch b.state {
	case breakerHalfOpen:
		if b.probes < b.probeLimit {
			b.probes++
			return true
		}
		return false
	case breakerOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (b *DeliveryBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
	}
}

// RecordFailure advances the failure streak, opening the breaker at the
// threshold or immediately when a half-open probe fails.
func (b *DeliveryBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.state == breakerHalfOpen || b.consecutiveFails >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = now
		b.probes = 0
	}
}
