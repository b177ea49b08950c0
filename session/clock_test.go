package session

import "time"

// mockClock is a test double that allows controlling time.
type mockClock struct {
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
}

// Now returns the mock current time.
func (m *mockClock) Now() time.Time { return m.current }

// Since returns the duration since the given time.
func (m *mockClock) Since(t time.Time) time.Duration { return m.current.Sub(t) }

// Advance moves the mock time forward by the given duration.
func (m *mockClock) Advance(d time.Duration) { m.current = m.current.Add(d) }
