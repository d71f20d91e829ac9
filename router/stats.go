package router

import (
	"sync"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of a router's traffic counters.
type Stats struct {
	Realm string
	// Received and Sent count processed messages by message-type name.
	Received map[string]uint64
	Sent     map[string]uint64
	// Sessions is the number of currently attached sessions.
	Sessions int
	// TotalAttached counts attaches since start (or last reset).
	TotalAttached uint64
}

// messageStats holds the resettable per-message-type counters required by
// the management API. The optional prometheus mirror (see metrics) is
// cumulative and unaffected by Reset.
type messageStats struct {
	mu       sync.Mutex
	realm    wamp.URI
	received map[string]uint64
	sent     map[string]uint64
	sessions int
	attached uint64
}

func newMessageStats(realm wamp.URI) *messageStats {
	return &messageStats{
		realm:    realm,
		received: map[string]uint64{},
		sent:     map[string]uint64{},
	}
}

func (s *messageStats) countReceived(msgType string) {
	s.mu.Lock()
	s.received[msgType]++
	s.mu.Unlock()
}

func (s *messageStats) countSent(msgType string) {
	s.mu.Lock()
	s.sent[msgType]++
	s.mu.Unlock()
}

func (s *messageStats) countAttached() {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
}

func (s *messageStats) setSessions(n int) {
	s.mu.Lock()
	s.sessions = n
	s.mu.Unlock()
}

func (s *messageStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	received := make(map[string]uint64, len(s.received))
	for k, v := range s.received {
		received[k] = v
	}
	sent := make(map[string]uint64, len(s.sent))
	for k, v := range s.sent {
		sent[k] = v
	}
	return Stats{
		Realm:         string(s.realm),
		Received:      received,
		Sent:          sent,
		Sessions:      s.sessions,
		TotalAttached: s.attached,
	}
}

func (s *messageStats) reset() {
	s.mu.Lock()
	s.received = map[string]uint64{}
	s.sent = map[string]uint64{}
	s.attached = 0
	s.mu.Unlock()
}

// metrics mirrors the router counters into a prometheus registry. It is
// optional; without WithMetrics the router keeps only its internal
// resettable counters.
type metrics struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	sessions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, realm wamp.URI) *metrics {
	labels := prometheus.Labels{"realm": string(realm)}
	m := &metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wampmesh",
			Subsystem:   "router",
			Name:        "messages_received_total",
			Help:        "Messages received from attached sessions, by message type.",
			ConstLabels: labels,
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "wampmesh",
			Subsystem:   "router",
			Name:        "messages_sent_total",
			Help:        "Messages delivered to attached sessions, by message type.",
			ConstLabels: labels,
		}, []string{"type"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wampmesh",
			Subsystem:   "router",
			Name:        "sessions",
			Help:        "Currently attached sessions.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.received, m.sent, m.sessions)
	return m
}

func (m *metrics) countReceived(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *metrics) countSent(msgType string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(msgType).Inc()
}

func (m *metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
