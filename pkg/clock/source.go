package clock

import (
	"sync"
	"time"
)

// Source provides wall clock time. Leasing and drift probing read time only through it.
type Source interface {
	Now() time.Time
}

type systemSource struct{}

func (systemSource) Now() time.Time {
	return time.Now()
}

// System is the real clock.
var System Source = systemSource{}

// Manual is a Source that only moves when told to. Used in tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Offset shifts another Source by a fixed amount; it simulates a skewed peer clock.
type Offset struct {
	Base  Source
	Delta time.Duration
}

func (o Offset) Now() time.Time {
	return o.Base.Now().Add(o.Delta)
}
