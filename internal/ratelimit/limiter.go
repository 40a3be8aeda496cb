// Package ratelimit throttles command submission per (user, plc, datapoint)
// key. The in-memory limiter is the default; a Redis-backed one in
// internal/infra shares the budget across gateway instances.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Limiter decides whether one more command may be submitted under a key.
// The remaining budget in the current window accompanies a grant. A denial
// returns *Error with the wait hint; any other error means the limiter
// itself failed and callers should fail open or closed by policy.
type Limiter interface {
	Allow(ctx context.Context, key string) (remaining int, err error)
}

// Error is returned when a key is over its budget.
type Error struct {
	Key        string
	Limit      int
	ResetAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s", e.Key, e.Limit, time.Minute)
}

type window struct {
	count int
	start time.Time
}

// Memory is a fixed-window per-key limiter. Expired windows are garbage
// collected on a background ticker.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	logger  *log.Logger
	stop    chan struct{}
}

// NewMemory builds a limiter allowing perMinute submissions per key.
func NewMemory(perMinute int) *Memory {
	if perMinute <= 0 {
		perMinute = 30
	}
	m := &Memory{
		windows: make(map[string]*window),
		limit:   perMinute,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one submission against key's current window.
func (m *Memory) Allow(ctx context.Context, key string) (int, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		m.windows[key] = &window{count: 1, start: now}
		return m.limit - 1, nil
	}
	w.count++
	if w.count > m.limit {
		reset := time.Minute - now.Sub(w.start)
		m.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d", key, w.count, m.limit)
		return 0, &Error{Key: key, Limit: m.limit, ResetAfter: reset}
	}
	return m.limit - w.count, nil
}

// Close stops the background cleanup.
func (m *Memory) Close() {
	close(m.stop)
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, w := range m.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(m.windows, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
