package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/control"
	"FleetGuard/internal/logger"
	"FleetGuard/internal/round"
)

// Provider exposes the read-only query interface of a run.
type Provider interface {
	Status() round.Status
	ConsensusState() aggregation.Vector
	AgentState(id int) (control.State, error)
	Agents() []control.State
	Trust() []float64
	MetricsSnapshot() round.Metrics
}

// ConsensusResponse is the body of GET /consensus.
type ConsensusResponse struct {
	Dimension int       `json:"dimension"`
	Digest    string    `json:"digest"`
	Consensus []float64 `json:"consensus"`
}

// RoundsResponse is the body of GET /rounds.
type RoundsResponse struct {
	Total             int            `json:"total"`
	TotalParticipants int            `json:"total_participants"`
	TotalFlagged      int            `json:"total_flagged"`
	TotalViolations   int            `json:"total_violations"`
	DegenerateRounds  int            `json:"degenerate_rounds"`
	ViolationsByKind  map[string]int `json:"violations_by_kind"`
	Rounds            []round.Record `json:"rounds"`
}

// Server is the HTTP query server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	provider Provider            // provider answers state queries
	gatherer prometheus.Gatherer // gatherer backs /metrics; nil disables it
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP query server.
func New(addr string, provider Provider, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		provider: provider,
		gatherer: gatherer,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /consensus", s.handleConsensus)
	mux.HandleFunc("GET /trust", s.handleTrust)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleAgent)
	mux.HandleFunc("GET /rounds", s.handleRounds)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

// handleConsensus handles GET /consensus requests.
func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	c := s.provider.ConsensusState()

	writeJSON(w, http.StatusOK, ConsensusResponse{
		Dimension: len(c),
		Digest:    round.Digest(c),
		Consensus: c,
	})
}

// handleTrust handles GET /trust requests.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]float64{
		"trust": s.provider.Trust(),
	})
}

// handleAgents handles GET /agents requests.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Agents())
}

// handleAgent handles GET /agents/{id} requests.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseAgentID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.provider.AgentState(id)
	if errors.Is(err, control.ErrUnknownAgent) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// handleRounds handles GET /rounds?from=N&limit=M requests.
func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	q, err := parseRoundQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := s.provider.MetricsSnapshot()

	writeJSON(w, http.StatusOK, RoundsResponse{
		Total:             len(m.Rounds),
		TotalParticipants: m.TotalParticipants,
		TotalFlagged:      m.TotalFlagged,
		TotalViolations:   m.TotalViolations,
		DegenerateRounds:  m.DegenerateRounds,
		ViolationsByKind:  m.ViolationsByKind,
		Rounds:            q.apply(m.Rounds),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
