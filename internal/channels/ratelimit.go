package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps the limiter map so rotating sender ids cannot
	// grow it without bound.
	maxTrackedSenders = 4096

	inboundRate  = rate.Limit(0.5) // sustained messages/sec per sender
	inboundBurst = 10
)

// SenderLimiter throttles inbound traffic per sender. Safe for concurrent
// use.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSenderLimiter() *SenderLimiter {
	return &SenderLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether the sender is within its rate budget.
func (l *SenderLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxTrackedSenders {
			// Arbitrary eviction via map iteration order.
			for k := range l.limiters {
				delete(l.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(inboundRate, inboundBurst)
		l.limiters[key] = lim
	}
	return lim.Allow()
}
