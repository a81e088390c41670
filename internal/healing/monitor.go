// Package healing runs a lightweight connection watchdog over a
// DropSync session: deterministic rules on sampled latency and
// disconnection duration that decide when the engine should drop the
// stale transport and let the next peer-joined/offer event rebuild it.
package healing

import (
	"log/slog"
	"sync"
	"time"
)

// Thresholds for the watchdog's rules.
const (
	LatencyThresholdMs    = 500.0
	DisconnectedGracePeriod = 15 * time.Second
	CheckInterval         = 5 * time.Second
)

// Action represents a watchdog action.
type Action int

const (
	ActionNone Action = iota
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionReconnect:
		return "reconnect"
	default:
		return "none"
	}
}

// Observation is a single monitoring data point, sampled from the
// engine's own Inspect-derived stats map.
type Observation struct {
	Timestamp  time.Time
	Connected  bool
	LatencyMs  float64
}

// WatchEvent records an action taken by the watchdog.
type WatchEvent struct {
	Timestamp   time.Time
	Observation Observation
	Diagnosis   string
	Action      Action
	Success     bool
}

// StatsProvider supplies the session's current stats, the same
// decoupling shape telemetry.StatsSource uses so this package never
// imports session directly.
type StatsProvider interface {
	GetStats() map[string]any
}

// ActionExecutor applies a watchdog action, typically by tearing down
// and letting the session re-negotiate on the next signaling event.
type ActionExecutor interface {
	ExecuteAction(action Action) error
}

// Monitor periodically samples a StatsProvider and reacts to a
// sustained bad connection.
type Monitor struct {
	mu sync.RWMutex

	statsProvider StatsProvider
	executor      ActionExecutor

	observations []Observation
	events       []WatchEvent
	maxHistory   int

	stopCh chan struct{}
	logger *slog.Logger

	disconnectedSince time.Time
}

// NewMonitor creates a Monitor over sp, optionally wired to exec.
// exec may be nil, in which case diagnosed actions are only logged.
func NewMonitor(sp StatsProvider, exec ActionExecutor) *Monitor {
	return &Monitor{
		statsProvider: sp,
		executor:      exec,
		observations:  make([]Observation, 0, 100),
		events:        make([]WatchEvent, 0, 50),
		maxHistory:    100,
		stopCh:        make(chan struct{}),
		logger:        slog.Default().With("component", "healing"),
	}
}

// Start begins the watchdog loop.
func (m *Monitor) Start() {
	go m.loop()
	m.logger.Info("connection watchdog started", "interval", CheckInterval)
}

// Stop halts the watchdog loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.logger.Info("connection watchdog stopped")
}

// GetEvents returns the history of watchdog events.
func (m *Monitor) GetEvents() []WatchEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]WatchEvent, len(m.events))
	copy(result, m.events)
	return result
}

// GetLatestObservation returns the most recent observation, or nil if
// none has been taken yet.
func (m *Monitor) GetLatestObservation() *Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.observations) == 0 {
		return nil
	}
	obs := m.observations[len(m.observations)-1]
	return &obs
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) cycle() {
	obs := m.observe()
	diagnosis, action := m.analyze(obs)

	success := true
	if action != ActionNone && m.executor != nil {
		if err := m.executor.ExecuteAction(action); err != nil {
			m.logger.Error("watchdog action failed", "action", action, "error", err)
			success = false
		} else {
			m.logger.Info("watchdog action executed", "action", action, "diagnosis", diagnosis)
		}
	}

	m.mu.Lock()
	if len(m.observations) >= m.maxHistory {
		m.observations = m.observations[1:]
	}
	m.observations = append(m.observations, obs)

	if action != ActionNone {
		if len(m.events) >= m.maxHistory {
			m.events = m.events[1:]
		}
		m.events = append(m.events, WatchEvent{
			Timestamp:   time.Now(),
			Observation: obs,
			Diagnosis:   diagnosis,
			Action:      action,
			Success:     success,
		})
	}
	m.mu.Unlock()
}

func (m *Monitor) observe() Observation {
	stats := m.statsProvider.GetStats()

	connected, _ := stats["connected"].(bool)
	latency, _ := stats["peer_latency_ms"].(float64)

	return Observation{Timestamp: time.Now(), Connected: connected, LatencyMs: latency}
}

func (m *Monitor) analyze(obs Observation) (string, Action) {
	m.mu.Lock()
	if !obs.Connected {
		if m.disconnectedSince.IsZero() {
			m.disconnectedSince = obs.Timestamp
		}
	} else {
		m.disconnectedSince = time.Time{}
	}
	since := m.disconnectedSince
	m.mu.Unlock()

	if !obs.Connected && !since.IsZero() && obs.Timestamp.Sub(since) > DisconnectedGracePeriod {
		return "disconnected past grace period", ActionReconnect
	}

	if obs.Connected && obs.LatencyMs > LatencyThresholdMs {
		return "sustained high latency", ActionReconnect
	}

	return "", ActionNone
}
