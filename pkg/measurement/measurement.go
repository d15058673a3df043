// Package measurement implements a sliding windowed throughput counter,
// used by the Endpoint to track byte/packet/message rates. It is a
// collaborator of the transport engine, not a protocol invariant: nothing
// in the wire format or the peer state machine depends on its output.
package measurement

import (
	"sync"
	"time"
)

// Measurement accumulates a running total plus a bounded history of
// per-interval deltas, mirroring original_source/transmitter/Measurement.py.
type Measurement struct {
	mu sync.Mutex

	interval      time.Duration
	intervalCount int

	samples          []int64
	currentInterval  int64
	totalSampleCount int64
	totalData        int64
	beginning        time.Time

	now func() time.Time
}

// New constructs a Measurement with the given sample interval and the
// number of intervals retained for the rolling "current" rate. interval <= 0
// and intervalCount <= 0 fall back to the teacher's defaults (1s, 6 samples).
func New(interval time.Duration, intervalCount int) *Measurement {
	if interval <= 0 {
		interval = time.Second
	}
	if intervalCount <= 0 {
		intervalCount = 6
	}
	return &Measurement{
		interval:      interval,
		intervalCount: intervalCount,
		now:           time.Now,
	}
}

// Add records value units (bytes, packets, or messages) observed now.
func (m *Measurement) Add(value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.beginning.IsZero() {
		m.beginning = now
	}
	m.updateLocked(now)
	m.currentInterval += value
	m.totalData += value
}

func (m *Measurement) updateLocked(now time.Time) {
	if m.beginning.IsZero() {
		return
	}
	elapsedIntervals := now.Sub(m.beginning) - time.Duration(m.totalSampleCount)*m.interval
	n := int64(elapsedIntervals / m.interval)
	if n <= 0 {
		return
	}
	m.samples = append(m.samples, m.currentInterval)
	for i := int64(1); i < n; i++ {
		m.samples = append(m.samples, 0)
	}
	m.currentInterval = 0
	if len(m.samples) > m.intervalCount {
		m.samples = m.samples[len(m.samples)-m.intervalCount:]
	}
	m.totalSampleCount += n
}

// Total returns the all-time accumulated value.
func (m *Measurement) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalData
}

// Average returns the mean rate (units/sec) since the first Add call.
func (m *Measurement) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginning.IsZero() {
		return 0
	}
	elapsed := m.now().Sub(m.beginning).Seconds()
	if elapsed == 0 {
		return float64(m.totalData)
	}
	return float64(m.totalData) / elapsed
}

// Current returns the mean rate (units/sec) over the retained sample window.
func (m *Measurement) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(m.now())
	if len(m.samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range m.samples {
		sum += s
	}
	denom := float64(len(m.samples)) * m.interval.Seconds()
	if denom == 0 {
		return 0
	}
	return float64(sum) / denom
}

// Running reports whether at least one Add call has occurred.
func (m *Measurement) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.beginning.IsZero()
}
