package source

import (
	"sync"
	"time"
)

// Meter estimates the observed frame rate of a live source over a
// sliding window. Live sources have no container FPS constant, and the
// recorder needs a real number when it opens its writer.
type Meter struct {
	mu     sync.Mutex
	window time.Duration
	ticks  []time.Time
	total  uint64
}

// NewMeter creates a meter with the given observation window.
func NewMeter(window time.Duration) *Meter {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Meter{window: window}
}

// Tick records one frame arrival.
func (m *Meter) Tick() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.ticks = append(m.ticks, now)
	m.trim(now)
}

// trim drops ticks older than the window. Caller holds m.mu.
func (m *Meter) trim(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.ticks) && m.ticks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.ticks = append(m.ticks[:0], m.ticks[i:]...)
	}
}

// Rate returns the frames-per-second estimate over the window, zero
// until at least two frames have been observed.
func (m *Meter) Rate() float64 {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trim(now)
	if len(m.ticks) < 2 {
		return 0
	}
	span := m.ticks[len(m.ticks)-1].Sub(m.ticks[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(m.ticks)-1) / span
}

// Total returns the number of frames observed since creation.
func (m *Meter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
