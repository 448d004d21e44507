// Package load samples this instance's resource usage, classifies it into
// a severity level, and throttles connections/messages once that level
// gets high enough to need it.
package load

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is the classified severity of the instance's current load.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds configures the elevated/high/critical boundary for each
// sampled metric.
type Thresholds struct {
	CPUElevated, CPUHigh, CPUCritical       float64
	MemElevated, MemHigh, MemCritical       float64
	ConnElevated, ConnHigh, ConnCritical    int
	LagElevatedMs, LagHighMs, LagCriticalMs int
}

// Sample is one reading of the instance's resource usage.
type Sample struct {
	CPUPercent float64
	MemPercent float64
	Conns      int
	LagMs      int
}

// Sampler produces a resource usage Sample. The production implementation
// (HostSampler) reads cpu/mem stats via gopsutil and measures scheduling
// lag with a short-lived goroutine; tests supply a fake.
type Sampler interface {
	Sample(ctx context.Context) Sample
}

// State is a snapshot of the load manager's current classification.
type State struct {
	Level            Level
	Sample           Sample
	ThrottlingConns  bool
	ThrottlingMsgs   bool
	Timestamp        time.Time
}

// Manager runs the sampling loop and answers admission questions for the
// rest of the gateway.
type Manager struct {
	sampler    Sampler
	thresholds Thresholds
	interval   time.Duration

	maxConnsUnderLoad int
	maxMsgRate        int

	onLevelChanged      func(old, new Level)
	onThrottlingChanged func(conns, msgs bool)

	mu    sync.RWMutex
	state State

	rate *RateCounter

	stop chan struct{}
	done chan struct{}
}

// Config bundles the tunables Manager needs beyond its Sampler.
type Config struct {
	Interval                time.Duration
	Thresholds              Thresholds
	MaxConnectionsUnderLoad int
	MaxMessageRateUnderLoad int
	OnLevelChanged          func(old, new Level)
	OnThrottlingChanged     func(conns, msgs bool)
}

// New builds a Manager. Both callbacks are optional.
func New(sampler Sampler, cfg Config) *Manager {
	return &Manager{
		sampler:             sampler,
		thresholds:          cfg.Thresholds,
		interval:            cfg.Interval,
		maxConnsUnderLoad:   cfg.MaxConnectionsUnderLoad,
		maxMsgRate:          cfg.MaxMessageRateUnderLoad,
		onLevelChanged:      cfg.OnLevelChanged,
		onThrottlingChanged: cfg.OnThrottlingChanged,
		rate:                NewRateCounter(),
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start runs one sample immediately, then continues sampling on interval
// in the background until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.sampleOnce(ctx)
	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// Stop ends the sampling loop.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sampleOnce(ctx context.Context) {
	sample := m.sampler.Sample(ctx)
	level := classify(sample, m.thresholds)
	connThrottle, msgThrottle := throttlingFor(level)

	m.mu.Lock()
	prevLevel := m.state.Level
	prevConnT, prevMsgT := m.state.ThrottlingConns, m.state.ThrottlingMsgs
	m.state = State{
		Level:           level,
		Sample:          sample,
		ThrottlingConns: connThrottle,
		ThrottlingMsgs:  msgThrottle,
		Timestamp:       time.Now().UTC(),
	}
	m.mu.Unlock()

	if level != prevLevel {
		slog.Info("load level changed", "from", prevLevel, "to", level,
			"cpu", sample.CPUPercent, "mem", sample.MemPercent, "conns", sample.Conns, "lagMs", sample.LagMs)
		if m.onLevelChanged != nil {
			m.onLevelChanged(prevLevel, level)
		}
	}
	if connThrottle != prevConnT || msgThrottle != prevMsgT {
		slog.Info("throttling changed", "connections", connThrottle, "messages", msgThrottle)
		if m.onThrottlingChanged != nil {
			m.onThrottlingChanged(connThrottle, msgThrottle)
		}
	}
}

func classify(s Sample, t Thresholds) Level {
	level := LevelNormal
	raise := func(l Level) {
		if l > level {
			level = l
		}
	}

	switch {
	case s.CPUPercent >= t.CPUCritical:
		raise(LevelCritical)
	case s.CPUPercent >= t.CPUHigh:
		raise(LevelHigh)
	case s.CPUPercent >= t.CPUElevated:
		raise(LevelElevated)
	}
	switch {
	case s.MemPercent >= t.MemCritical:
		raise(LevelCritical)
	case s.MemPercent >= t.MemHigh:
		raise(LevelHigh)
	case s.MemPercent >= t.MemElevated:
		raise(LevelElevated)
	}
	switch {
	case s.Conns >= t.ConnCritical:
		raise(LevelCritical)
	case s.Conns >= t.ConnHigh:
		raise(LevelHigh)
	case s.Conns >= t.ConnElevated:
		raise(LevelElevated)
	}
	switch {
	case s.LagMs >= t.LagCriticalMs:
		raise(LevelCritical)
	case s.LagMs >= t.LagHighMs:
		raise(LevelHigh)
	case s.LagMs >= t.LagElevatedMs:
		raise(LevelElevated)
	}
	return level
}

func throttlingFor(l Level) (conns, msgs bool) {
	switch l {
	case LevelCritical:
		return true, true
	case LevelHigh:
		return false, true
	default:
		return false, false
	}
}

// Current returns a snapshot of the manager's current classification.
func (m *Manager) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ShouldAllowConnection reports whether a new connection should be
// admitted given the current load state.
func (m *Manager) ShouldAllowConnection(currentConns int) bool {
	state := m.Current()
	if !state.ThrottlingConns {
		return true
	}
	return currentConns < m.maxConnsUnderLoad
}

// ShouldAllowMessage reports whether a message from userId for event
// should be admitted given the current load state, consuming one unit of
// that user+event's rate budget if so.
func (m *Manager) ShouldAllowMessage(userID, event string, limit int) bool {
	state := m.Current()
	if !state.ThrottlingMsgs {
		return true
	}
	if limit <= 0 {
		limit = m.maxMsgRate
	}
	return m.rate.Allow(userID, event, limit)
}
