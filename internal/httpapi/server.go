package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/oakline/tradegate/internal/engine"
	"github.com/oakline/tradegate/internal/gateway"
	"github.com/oakline/tradegate/internal/persistence"
)

// Server is the JSON decision API. It is a thin wrapper over the engine:
// authentication, sessions, and page rendering live in outer collaborators.
type Server struct {
	engine   *engine.Engine
	requests persistence.TradeRequestRepo
	gateway  *gateway.Gateway
	server   *http.Server
}

// New creates a server listening on addr. The Prometheus registry backs the
// /metrics endpoint.
func New(addr string, eng *engine.Engine, requests persistence.TradeRequestRepo, gw *gateway.Gateway, promReg *prometheus.Registry) *Server {
	s := &Server{
		engine:   eng,
		requests: requests,
		gateway:  gw,
	}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.HandleFunc("/api/v1/requests", s.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/requests/{id}", s.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/requests/{id}/escalate", s.handleEscalate).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ListenAndServe runs the server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("decision API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := s.engine.Submit(r.Context(), sub)
	if err != nil {
		if engine.IsValidation(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusServiceUnavailable, "unable to evaluate request")
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such trade request")
			return
		}
		log.Error().Err(err).Str("id", id).Msg("get request failed")
		writeError(w, http.StatusServiceUnavailable, "unable to load request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type escalateBody struct {
	EmployeeID    string `json:"employee_id"`
	Justification string `json:"justification"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body escalateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.engine.EscalateByEmployee(r.Context(), id, body.EmployeeID, body.Justification)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such trade request")
	case errors.Is(err, engine.ErrEscalationNotAllowed), errors.Is(err, persistence.ErrAlreadyEscalated):
		writeError(w, http.StatusConflict, "escalation not permitted for this request")
	case engine.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Str("id", id).Msg("escalation failed")
		writeError(w, http.StatusServiceUnavailable, "unable to escalate request")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"breakers": s.gateway.BreakerStates(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
