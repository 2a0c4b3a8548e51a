package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/shopsync/internal/core/domain"
)

// Server exposes the manager's status over HTTP: health, detailed state,
// the conflict queue and Prometheus metrics.
type Server struct {
	manager *Manager
	server  *http.Server
}

// NewServer creates the status server.
func NewServer(manager *Manager, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		manager: manager,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/conflicts/ack", s.handleConflictAck)
	mux.HandleFunc("/totals", s.handleTotals)
	mux.HandleFunc("/entity", s.handleEntity)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server. ErrServerClosed after a clean Stop is not an
// error.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.manager.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": report.Status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.manager.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.manager.Conflicts().Records())
}

func (s *Server) handleConflictAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if !s.manager.Conflicts().Acknowledge(id) {
		http.Error(w, "unknown conflict id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	kind := domain.Kind(r.URL.Query().Get("collection"))
	id := r.URL.Query().Get("id")
	if kind == "" || id == "" {
		http.Error(w, "missing collection or id", http.StatusBadRequest)
		return
	}
	e, ok := s.manager.Entity(kind, id)
	if !ok {
		http.Error(w, "unknown entity", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      e.ID,
		"version": e.Version,
		"fields":  e.Fields,
	})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	bills := s.manager.Totals(domain.KindBill, domain.FieldAmount)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"bill_count": bills.Count,
		"bill_total": bills.Sum,
		"bill_avg":   bills.Avg,
		"profit":     s.manager.Profit(),
	})
}
