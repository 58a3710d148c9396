// Package limiter caps how many enrichment requests a user may start per window.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter counts enrichment starts per user in fixed windows.
type Limiter interface {
	// Allow consumes one unit for userID. When the quota is exhausted it
	// reports false and how long until the window resets.
	Allow(ctx context.Context, userID uuid.UUID) (bool, time.Duration, error)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, uuid.UUID) (bool, time.Duration, error) { return true, 0, nil }

// New returns Unlimited for quota <= 0, otherwise an in-process limiter.
func New(window time.Duration, quota int) Limiter {
	if quota <= 0 {
		return Unlimited{}
	}
	return NewMemory(window, quota, nil)
}

// windowStart aligns t to the start of its window in UTC.
func windowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// Memory is an in-process limiter for single instance deployments.
type Memory struct {
	window time.Duration
	quota  int
	now    func() time.Time

	mu     sync.Mutex
	counts map[uuid.UUID]counter
}

type counter struct {
	start time.Time
	n     int
}

// NewMemory constructs an in-process limiter. A nil clock means time.Now.
func NewMemory(window time.Duration, quota int, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{window: window, quota: quota, now: now, counts: make(map[uuid.UUID]counter)}
}

func (m *Memory) Allow(_ context.Context, userID uuid.UUID) (bool, time.Duration, error) {
	now := m.now()
	start := windowStart(now, m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts[userID]
	if c.start.Before(start) {
		c = counter{start: start}
	}
	if c.n >= m.quota {
		return false, start.Add(m.window).Sub(now), nil
	}
	c.n++
	m.counts[userID] = c
	return true, 0, nil
}
