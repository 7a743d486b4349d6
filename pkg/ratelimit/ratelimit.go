// Package ratelimit provides per-user admission control for media requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"voxgate/pkg/config"
)

// Decision is the outcome of one admission check.
//
// RetryAfter carries the wait in seconds and is only meaningful when
// Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter float64
}

// Limiter tracks one token bucket per user. A passing check consumes one
// token; a failing check leaves the user's budget untouched.
type Limiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*rate.Limiter
}

// NewLimiter builds a limiter allowing cfg.Requests per cfg.WindowSeconds
// for each user independently.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	requests := cfg.Requests
	if requests <= 0 {
		requests = 1
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		limit: rate.Every(window / time.Duration(requests)),
		burst: requests,
		users: make(map[string]*rate.Limiter),
	}
}

// Check admits or rejects one request for the user.
func (l *Limiter) Check(userID string) Decision {
	reservation := l.userLimiter(userID).Reserve()
	if delay := reservation.Delay(); delay > 0 {
		// Rejected checks must not consume budget.
		reservation.Cancel()
		return Decision{Allowed: false, RetryAfter: delay.Seconds()}
	}

	return Decision{Allowed: true}
}

func (l *Limiter) userLimiter(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.users[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.users[userID] = limiter
	}

	return limiter
}
