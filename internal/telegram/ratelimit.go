package telegram

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chatLimiter throttles transforms per chat. A nil *chatLimiter allows everything.
type chatLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	every    rate.Limit
	burst    int
}

func newChatLimiter(perMinute, burst int) *chatLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &chatLimiter{
		limiters: make(map[int64]*rate.Limiter),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *chatLimiter) Allow(chatID int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[chatID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
