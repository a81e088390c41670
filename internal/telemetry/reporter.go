// Package telemetry periodically samples a session.Engine's inspect
// snapshot into a ring buffer, for the reference host's log line and
// for any future local dashboard — a thin wrapper around Inspect, not
// a replacement for it (§4.8).
package telemetry

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metrics holds one sampled snapshot of engine + process state.
type Metrics struct {
	Timestamp time.Time `json:"timestamp"`

	// Process
	CPUCount    int     `json:"cpu_count"`
	GoRoutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	UptimeSec   float64 `json:"uptime_sec"`

	// Session
	Connected       bool    `json:"connected"`
	SignalingState  string  `json:"signaling_state"`
	ICEState        string  `json:"ice_state"`
	PeerLatencyMS   float64 `json:"peer_latency_ms"`
	ActiveTransfers int     `json:"active_transfers"`
	CompletedCount  int     `json:"completed_count"`
	ChatMessages    int     `json:"chat_messages"`
}

// StatsSource provides the session's own stats as a flat map, the same
// decoupling shape the teacher's healing.Monitor uses for its
// StatsProvider so telemetry never imports session directly.
type StatsSource interface {
	GetStats() map[string]any
}

// Reporter samples a StatsSource on a fixed interval into a bounded
// ring buffer of Metrics.
type Reporter struct {
	mu      sync.RWMutex
	source  StatsSource
	latest  *Metrics
	history []Metrics
	maxHist int
	started time.Time
	logger  *slog.Logger
}

// NewReporter creates a Reporter over source. source may be nil, in
// which case only process-level fields are populated.
func NewReporter(source StatsSource) *Reporter {
	return &Reporter{
		source:  source,
		history: make([]Metrics, 0, 60),
		maxHist: 60,
		started: time.Now(),
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// Collect samples the current state, appends it to history, and returns it.
func (r *Reporter) Collect() Metrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := Metrics{
		Timestamp:   time.Now(),
		CPUCount:    runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / 1024 / 1024,
		UptimeSec:   time.Since(r.started).Seconds(),
	}

	if r.source != nil {
		stats := r.source.GetStats()
		if v, ok := stats["connected"].(bool); ok {
			m.Connected = v
		}
		if v, ok := stats["signaling_state"].(string); ok {
			m.SignalingState = v
		}
		if v, ok := stats["ice_state"].(string); ok {
			m.ICEState = v
		}
		if v, ok := stats["peer_latency_ms"].(float64); ok {
			m.PeerLatencyMS = v
		}
		if v, ok := stats["active_transfers"].(int); ok {
			m.ActiveTransfers = v
		}
		if v, ok := stats["completed_count"].(int); ok {
			m.CompletedCount = v
		}
		if v, ok := stats["chat_messages"].(int); ok {
			m.ChatMessages = v
		}
	}

	r.mu.Lock()
	r.latest = &m
	if len(r.history) >= r.maxHist {
		r.history = r.history[1:]
	}
	r.history = append(r.history, m)
	r.mu.Unlock()

	return m
}

// Latest returns the most recently collected Metrics, or nil if
// Collect has never run.
func (r *Reporter) Latest() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil
	}
	m := *r.latest
	return &m
}

// History returns a copy of the sampled ring buffer, oldest first.
func (r *Reporter) History() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Metrics, len(r.history))
	copy(result, r.history)
	return result
}

// Run samples source every interval until done is closed, logging
// each sample at Debug. Intended for the reference host's background loop.
func (r *Reporter) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m := r.Collect()
			r.logger.Debug("sampled session metrics",
				"connected", m.Connected,
				"signaling_state", m.SignalingState,
				"ice_state", m.ICEState,
				"active_transfers", m.ActiveTransfers,
			)
		case <-done:
			return
		}
	}
}
