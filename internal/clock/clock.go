package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Mock is a Clock that returns a controllable time.
type Mock struct {
	mu sync.Mutex
	t  time.Time
}

// NewMock returns a Mock frozen at t.
func NewMock(t time.Time) *Mock { return &Mock{t: t} }

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// ISO renders t the way the store persists timestamps.
func ISO(t time.Time) string {
	return t.Truncate(time.Second).Format(time.RFC3339)
}
