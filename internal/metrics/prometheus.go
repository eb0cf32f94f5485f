// Package metrics exposes a hand-rolled Prometheus text exporter over
// the engine's upload/offset/completion counters.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"tusdrop/internal/tusengine"
)

// Exporter renders an engine's Metrics snapshot as Prometheus text
// exposition format.
type Exporter struct {
	engine *tusengine.Engine
}

// NewExporter binds the exporter to engine.
func NewExporter(engine *tusengine.Engine) *Exporter {
	return &Exporter{engine: engine}
}

// Handler serves GET /metrics.
func (e *Exporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshot := e.engine.Metrics().Snapshot()
		names := make([]string, 0, len(snapshot))
		for name := range snapshot {
			names = append(names, name)
		}
		sort.Strings(names)

		var out strings.Builder
		out.WriteString("# HELP tusdrop_info Build info\n# TYPE tusdrop_info gauge\ntusdrop_info 1\n\n")
		for _, name := range names {
			out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			out.WriteString(fmt.Sprintf("%s %d\n\n", name, snapshot[name]))
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.String()))
	}
}
