package util

import (
	"time"
)

// RateMeter measures a byte rate over a sliding window split into one-second
// buckets. It is goroutine-local.
type RateMeter struct {
	buckets []int64
	start   time.Time // start of the bucket at index head
	head    int
}

// NewRateMeter creates a meter averaging over the given number of seconds.
func NewRateMeter(seconds int) *RateMeter {
	if seconds < 1 {
		seconds = 1
	}
	return &RateMeter{buckets: make([]int64, seconds)}
}

// Add records n bytes at time now.
func (m *RateMeter) Add(now time.Time, n int) {
	m.advance(now)
	m.buckets[m.head] += int64(n)
}

// Rate returns the average bytes per second over the completed buckets of
// the window, or the current bucket if none has completed yet.
func (m *RateMeter) Rate(now time.Time) float64 {
	m.advance(now)

	var total int64
	for i, b := range m.buckets {
		if i != m.head {
			total += b
		}
	}
	if full := len(m.buckets) - 1; full > 0 && total > 0 {
		return float64(total) / float64(full)
	}
	elapsed := now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.buckets[m.head]) / elapsed
}

func (m *RateMeter) advance(now time.Time) {
	if m.start.IsZero() {
		m.start = now.Truncate(time.Second)
		return
	}

	steps := int(now.Sub(m.start) / time.Second)
	if steps <= 0 {
		return
	}
	m.start = m.start.Add(time.Duration(steps) * time.Second)
	for i := 0; i < steps && i < len(m.buckets); i++ {
		m.head = (m.head + 1) % len(m.buckets)
		m.buckets[m.head] = 0
	}
}
