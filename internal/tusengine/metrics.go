package tusengine

import "sync/atomic"

// Metrics holds the engine's in-process counters, exported through
// the ambient Prometheus-style exporter (internal/metrics).
type Metrics struct {
	CreatedTotal   atomic.Int64
	CompletedTotal atomic.Int64
	ExpiredTotal   atomic.Int64
	BytesReceived  atomic.Int64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// Snapshot returns a point-in-time copy suitable for exposition.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"tus_uploads_created_total":   m.CreatedTotal.Load(),
		"tus_uploads_completed_total": m.CompletedTotal.Load(),
		"tus_uploads_expired_total":   m.ExpiredTotal.Load(),
		"tus_bytes_received_total":    m.BytesReceived.Load(),
	}
}
