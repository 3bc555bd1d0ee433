package health

import (
	"sync"
	"time"
)

const DefaultInterval = 2 * time.Second

// DefaultMissLimit is the number of consecutive unanswered heartbeats after
// which the last measurement is discarded.
const DefaultMissLimit = 3

type Tier uint8

const (
	Unknown Tier = iota
	Excellent
	Good
	Fair
	Poor
)

func (t Tier) String() string {
	switch t {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	default:
		return "unknown"
	}
}

// Bars is the number of signal bars shown for the tier, 4 for excellent down
// to 1 for poor. Unknown shows none.
func (t Tier) Bars() int {
	switch t {
	case Excellent:
		return 4
	case Good:
		return 3
	case Fair:
		return 2
	case Poor:
		return 1
	default:
		return 0
	}
}

// Classify maps a measured round trip to its tier. Negative durations are
// treated as no measurement.
func Classify(rtt time.Duration) Tier {
	switch {
	case rtt < 0:
		return Unknown
	case rtt < 50*time.Millisecond:
		return Excellent
	case rtt < 100*time.Millisecond:
		return Good
	case rtt < 200*time.Millisecond:
		return Fair
	default:
		return Poor
	}
}

type Reading struct {
	RTT      time.Duration
	Measured bool
	Tier     Tier
	LastSent time.Time
	Misses   int
}

// Monitor tracks heartbeat state for a single connection. It never touches
// game state; a connection whose heartbeat fails only loses its reading.
type Monitor struct {
	missLimit int

	mu       sync.Mutex
	pending  bool
	lastSent time.Time
	rtt      time.Duration
	measured bool
	misses   int
}

func NewMonitor(missLimit int) *Monitor {
	if missLimit <= 0 {
		missLimit = DefaultMissLimit
	}
	return &Monitor{missLimit: missLimit}
}

func (m *Monitor) MissLimit() int { return m.missLimit }

// Sent records that a heartbeat left at now. If the previous one was never
// answered it counts as a miss.
func (m *Monitor) Sent(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending {
		m.misses++
		if m.misses >= m.missLimit {
			m.measured = false
			m.rtt = 0
		}
	}
	m.pending = true
	m.lastSent = now
}

// Echo records the answer to the outstanding heartbeat and returns the
// measured round trip. ok is false when no heartbeat was outstanding.
func (m *Monitor) Echo(now time.Time) (rtt time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return 0, false
	}
	rtt = now.Sub(m.lastSent)
	if rtt < 0 {
		rtt = 0
	}
	m.pending = false
	m.rtt = rtt
	m.measured = true
	m.misses = 0
	return rtt, true
}

func (m *Monitor) Snapshot() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Reading{
		RTT:      m.rtt,
		Measured: m.measured,
		LastSent: m.lastSent,
		Misses:   m.misses,
	}
	if m.measured {
		r.Tier = Classify(m.rtt)
	}
	return r
}
