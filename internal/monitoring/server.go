package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paveg/broadcastjoin/internal/version"
)

// Server exposes collected metrics and counters over HTTP.
type Server struct {
	collector *MetricsCollector
	counters  *Counters
	server    *http.Server
}

// NewMonitoringServer creates a new monitoring server. counters may be nil.
func NewMonitoringServer(collector *MetricsCollector, counters *Counters, port int) *Server {
	mux := http.NewServeMux()

	server := &Server{
		collector: collector,
		counters:  counters,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second, //nolint:mnd // Standard timeout value
		},
	}

	mux.HandleFunc("/metrics", server.handleMetrics)
	mux.HandleFunc("/counters", server.handleCounters)
	mux.HandleFunc("/health", server.handleHealth)

	return server
}

// Start starts the monitoring server.
func (ms *Server) Start() error {
	return ms.server.ListenAndServe()
}

// Stop stops the monitoring server.
func (ms *Server) Stop() error {
	return ms.server.Close()
}

func (ms *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"metrics": ms.collector.GetMetrics(),
		"summary": ms.collector.GetSummary(),
	})
}

func (ms *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ms.counters == nil {
		http.Error(w, "No counters registered", http.StatusNotFound)
		return
	}
	writeJSON(w, ms.counters.Snapshot())
}

func (ms *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	if ms.counters != nil && ms.counters.FatalCode() != 0 {
		status = "failed"
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"enabled":   ms.collector.IsEnabled(),
		"version":   version.Version,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", version.UserAgent())
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
