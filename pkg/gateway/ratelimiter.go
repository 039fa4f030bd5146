package gateway

import (
	"sync"
	"time"
)

// DefaultRequestsPerMinute applies when the gateway is not configured otherwise.
const DefaultRequestsPerMinute = 120

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
	now               func() time.Time
}

// NewClientRateLimiter creates a rate limiter with the default limit
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimit(DefaultRequestsPerMinute)
}

// NewClientRateLimiterWithLimit creates a rate limiter allowing
// requestsPerMinute requests in any one-minute window. A limit of zero or
// less disables limiting.
func NewClientRateLimiterWithLimit(requestsPerMinute int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// Allow records a request if it fits in the current window.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.requestsPerMinute <= 0 {
		return true
	}

	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}

// UpdateLimit changes the per-minute limit
func (r *ClientRateLimiter) UpdateLimit(requestsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
}

// Count returns the requests recorded in the current window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests)
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			valid = append(valid, reqTime)
		}
	}
	r.requests = valid
}
