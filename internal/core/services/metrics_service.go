package services

import (
	"sync"
	"time"

	"undercover/internal/core/ports"
)

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) SessionAdmitted()                           {}
func (NopMetrics) SessionRemoved(string)                      {}
func (NopMetrics) AdmissionRejected(string)                   {}
func (NopMetrics) Delivered(bool)                             {}
func (NopMetrics) ChatProcessed(string)                       {}
func (NopMetrics) MessageHandled(string, time.Duration)       {}
func (NopMetrics) Gauges(connections, rooms, subscribers int) {}

// MetricsSnapshot is a point-in-time copy of MetricsService counters.
type MetricsSnapshot struct {
	Admitted      int
	Rejected      int
	Removed       map[string]int
	LiveDelivered int
	Queued        int
	Chat          map[string]int
	Handled       map[string]int
	Connections   int
	Rooms         int
	Subscribers   int
}

// MetricsService keeps gateway counters in memory. It backs the metrics
// port when Prometheus is disabled.
type MetricsService struct {
	mu sync.RWMutex
	s  MetricsSnapshot
}

var (
	_ ports.Metrics = NopMetrics{}
	_ ports.Metrics = (*MetricsService)(nil)
)

func NewMetricsService() *MetricsService {
	return &MetricsService{s: MetricsSnapshot{
		Removed: make(map[string]int),
		Chat:    make(map[string]int),
		Handled: make(map[string]int),
	}}
}

func (m *MetricsService) SessionAdmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Admitted++
}

func (m *MetricsService) SessionRemoved(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Removed[reason]++
}

func (m *MetricsService) AdmissionRejected(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Rejected++
}

func (m *MetricsService) Delivered(live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live {
		m.s.LiveDelivered++
	} else {
		m.s.Queued++
	}
}

func (m *MetricsService) ChatProcessed(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Chat[outcome]++
}

func (m *MetricsService) MessageHandled(msgType string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Handled[msgType]++
}

func (m *MetricsService) Gauges(connections, rooms, subscribers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Connections = connections
	m.s.Rooms = rooms
	m.s.Subscribers = subscribers
}

func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.s
	out.Removed = copyCounts(m.s.Removed)
	out.Chat = copyCounts(m.s.Chat)
	out.Handled = copyCounts(m.s.Handled)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
