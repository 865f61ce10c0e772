// Package status implements a small read-only HTTP surface for operators
// and orchestrators: health probes, a JSON stats snapshot, and the
// Prometheus registry.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot is the point-in-time state rendered at /stats. StatsFunc
// supplies it lazily so the server never holds a reference to live
// pipeline state.
type Snapshot struct {
	State         string            `json:"state"`
	LinesRead     int64             `json:"lines_read"`
	StoreSizes    map[string]int    `json:"store_sizes"`
	DeadLetters   int64             `json:"dead_letters"`
	UptimeSeconds float64           `json:"uptime_seconds"`
}

// StatsFunc produces the current Snapshot on demand.
type StatsFunc func() Snapshot

// Server exposes /healthz, /stats and /metrics over HTTP.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// New builds a Server bound to addr. stats is called fresh on every
// request to /stats.
func New(addr string, stats StatsFunc, logger *logrus.Logger) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats()); err != nil {
			logger.WithError(err).Error("status: failed to encode /stats response")
		}
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start launches the server in the background. A bind failure is reported
// asynchronously through logger rather than blocking startup — the status
// server is an operational convenience, not on the anonymization critical
// path.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("status server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
