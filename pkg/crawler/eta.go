package crawler

import "time"

// movingAverage is the mean of the last n link durations
type movingAverage struct {
	samples []time.Duration
	next    int
	full    bool
}

func newMovingAverage(n int) *movingAverage {
	if n < 1 {
		n = 1
	}
	return &movingAverage{samples: make([]time.Duration, n)}
}

// Add records one sample, evicting the oldest once the window is full
func (m *movingAverage) Add(d time.Duration) {
	m.samples[m.next] = d
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.full = true
	}
}

// Mean returns 0 before the first sample
func (m *movingAverage) Mean() time.Duration {
	n := m.next
	if m.full {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n)
}
