// Package timesync estimates the clock offset and latency to the rest of
// the session from ping samples, and adapts the local tick pace so the
// prediction horizon stays bounded.
package timesync

import (
	"sync"

	"github.com/meshforge/lockstep/src/common"
	"github.com/sirupsen/logrus"
)

const (
	// SampleWindow is the size of the median filter over clock samples.
	SampleWindow = 16

	// MinSamples is how many pongs must arrive before the estimate counts
	// as synced.
	MinSamples = 4

	// TargetDepth is the prediction depth the pace controller steers
	// towards.
	TargetDepth = 4

	// depthStreak is how many consecutive off-target observations it takes
	// before the multiplier moves.
	depthStreak = 3

	// Multiplier bounds and step, in thousandths. All pace arithmetic is
	// integer; the multiplier only ever leaves this package as a scaled
	// duration.
	multiplierMin  = 900
	multiplierMax  = 1100
	multiplierStep = 5
	multiplierOne  = 1000
)

// Manager collects ping samples and derives the clock estimate and the
// tick-rate multiplier.
type Manager struct {
	mu sync.Mutex

	deltas    []int64
	latencies []int64
	samples   int

	multiplier int // thousandths

	aboveTarget int
	belowTarget int

	logger *logrus.Entry
}

// NewManager ...
func NewManager(logger *logrus.Entry) *Manager {
	return &Manager{
		multiplier: multiplierOne,
		logger:     logger,
	}
}

// OnPong ingests one ping round-trip: the local send time, the remote clock
// reading, and the local receive time, all in milliseconds.
func (m *Manager) OnPong(tSend, tServer, tRecv int64) {
	rtt := tRecv - tSend
	if rtt < 0 {
		rtt = 0
	}
	oneWay := rtt / 2
	clockDelta := tServer - (tSend + oneWay)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.deltas = push(m.deltas, clockDelta)
	m.latencies = push(m.latencies, oneWay)
	m.samples++

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"rtt":         rtt,
			"clock_delta": clockDelta,
			"samples":     m.samples,
		}).Debug("pong sample")
	}
}

func push(window []int64, v int64) []int64 {
	window = append(window, v)
	if len(window) > SampleWindow {
		window = window[len(window)-SampleWindow:]
	}
	return window
}

// IsSynced reports whether enough samples have been collected for the
// estimates to be meaningful.
func (m *Manager) IsSynced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples >= MinSamples
}

// ClockDelta returns the median clock offset in milliseconds.
func (m *Manager) ClockDelta() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return common.Median(m.deltas)
}

// EstimatedLatency returns the median one-way latency in milliseconds.
func (m *Manager) EstimatedLatency() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return common.Median(m.latencies)
}

// SampleCount ...
func (m *Manager) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// ObserveDepth feeds the current prediction depth to the pace controller.
// The multiplier only moves after depthStreak consecutive observations on
// the same side of the target, by one step at a time, clamped to
// [0.90, 1.10].
func (m *Manager) ObserveDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case depth > TargetDepth:
		m.aboveTarget++
		m.belowTarget = 0
	case depth < TargetDepth:
		m.belowTarget++
		m.aboveTarget = 0
	default:
		m.aboveTarget = 0
		m.belowTarget = 0
	}

	if m.aboveTarget >= depthStreak {
		// Running too far ahead of confirmations: speed up so confirmed
		// frames catch up sooner.
		m.multiplier += multiplierStep
		m.aboveTarget = 0
	} else if m.belowTarget >= depthStreak {
		m.multiplier -= multiplierStep
		m.belowTarget = 0
	}

	if m.multiplier > multiplierMax {
		m.multiplier = multiplierMax
	}
	if m.multiplier < multiplierMin {
		m.multiplier = multiplierMin
	}
}

// TickRateMultiplier returns the current pace multiplier in thousandths
// (1000 = nominal rate).
func (m *Manager) TickRateMultiplier() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multiplier
}

// ScaleInterval applies the multiplier to a nominal tick interval expressed
// in any integer unit. A multiplier above 1000 shortens the interval
// (faster ticks).
func (m *Manager) ScaleInterval(nominal int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return nominal * multiplierOne / int64(m.multiplier)
}

// Reset discards all samples and restores the nominal pace.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = nil
	m.latencies = nil
	m.samples = 0
	m.multiplier = multiplierOne
	m.aboveTarget = 0
	m.belowTarget = 0
}
