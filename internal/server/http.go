package server

import (
	"PointSwap/internal/command"
	"PointSwap/internal/core"
	"PointSwap/internal/ingestion"
	"PointSwap/internal/match"
	"PointSwap/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 16

// Engine is what the HTTP API needs from the coordinating loop.
type Engine interface {
	ingestion.Submitter
	Snapshot() *core.Snapshot
}

// HTTPServer serves the JSON API, health endpoints and the snapshot feed.
type HTTPServer struct {
	engine  Engine
	health  *observability.HealthChecker
	feed    *SnapshotFeed
	metrics *observability.Metrics
	logger  zerolog.Logger
	addr    string
	handler http.Handler
	server  *http.Server
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func NewHTTPServer(addr string, engine Engine, health *observability.HealthChecker, feed *SnapshotFeed, metrics *observability.Metrics, logger zerolog.Logger) (*HTTPServer, error) {
	s := &HTTPServer{
		engine:  engine,
		health:  health,
		feed:    feed,
		metrics: metrics,
		logger:  logger,
		addr:    addr,
	}

	mux := runtime.NewServeMux()
	routes := []route{
		{http.MethodPost, "/v1/parties", s.command(command.TypeRegisterParty, http.StatusCreated)},
		{http.MethodGet, "/v1/parties/{party_id}", s.getParty},
		{http.MethodPost, "/v1/parties/{party_id}/session", s.command(command.TypeStartSession, http.StatusOK)},
		{http.MethodDelete, "/v1/parties/{party_id}/session", s.command(command.TypeStopSession, http.StatusOK)},
		{http.MethodGet, "/v1/parties/{party_id}/violations", s.getViolations},
		{http.MethodPost, "/v1/parties/{party_id}/violations/ack", s.command(command.TypeAcknowledgeViolations, http.StatusOK)},
		{http.MethodGet, "/v1/matches", s.listMatches},
		{http.MethodGet, "/v1/matches/{match_id}", s.getMatch},
		{http.MethodPost, "/v1/matches/{match_id}/confirm", s.command(command.TypeConfirmMatch, http.StatusOK)},
		{http.MethodPost, "/v1/matches/{match_id}/decline", s.command(command.TypeDeclineMatch, http.StatusOK)},
		{http.MethodPost, "/v1/matches/{match_id}/deposit", s.command(command.TypeReportDeposit, http.StatusOK)},
		{http.MethodPost, "/v1/matches/{match_id}/receipt", s.command(command.TypeConfirmReceipt, http.StatusOK)},
		{http.MethodPost, "/v1/matches/{match_id}/reject", s.command(command.TypeRejectDeposit, http.StatusOK)},
		{http.MethodGet, "/v1/snapshot", s.getSnapshot},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.method+" "+rt.pattern, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if health != nil {
		httpMux.HandleFunc("/healthz", health.LivenessHandler)
		httpMux.HandleFunc("/readyz", health.ReadinessHandler)
	}
	if feed != nil {
		// websocket upgrades need the raw ResponseWriter
		httpMux.Handle("/v1/feed", feed)
	}
	httpMux.Handle("/", mux)
	s.handler = httpMux

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is done (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// command builds a handler that decodes the body, merges path ids and
// submits the named command.
func (s *HTTPServer) command(t command.Type, okStatus int) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var p ingestion.Payload
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &p); err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("decode body: %w", err))
				return
			}
		}
		if id, ok := params["party_id"]; ok {
			p.PartyID = id
		}
		if id, ok := params["match_id"]; ok {
			p.MatchID = id
		}
		if rid := r.Header.Get("Idempotency-Key"); rid != "" && p.RequestID == "" {
			p.RequestID = rid
		}

		cmd, err := p.Command(t.String())
		if err != nil {
			status, code := http.StatusBadRequest, "bad_request"
			if errors.Is(err, match.ErrNotParticipant) {
				status, code = http.StatusForbidden, "not_participant"
			}
			writeError(w, status, code, err)
			return
		}

		res, err := s.engine.Submit(r.Context(), cmd)
		if err != nil {
			code := core.ErrorCode(err)
			if code == "internal" {
				s.logger.Error().Err(err).Str("command", t.String()).Msg("command failed")
			}
			writeError(w, StatusFor(err), code, err)
			return
		}
		writeJSON(w, okStatus, res)
	}
}

func (s *HTTPServer) getParty(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathID(w, params, "party_id")
	if !ok {
		return
	}
	party, found := s.engine.Snapshot().Party(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown_party", fmt.Errorf("party %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, party)
}

func (s *HTTPServer) getViolations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathID(w, params, "party_id")
	if !ok {
		return
	}
	snap := s.engine.Snapshot()
	if _, found := snap.Party(id); !found {
		writeError(w, http.StatusNotFound, "unknown_party", fmt.Errorf("party %s not found", id))
		return
	}
	entries := snap.ViolationsFor(id)
	if entries == nil {
		entries = []core.ViolationView{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"party_id": id, "violations": entries})
}

func (s *HTTPServer) listMatches(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	snap := s.engine.Snapshot()
	matches := snap.Matches
	if raw := r.URL.Query().Get("party_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("parse party_id: %w", err))
			return
		}
		matches = snap.MatchesFor(id)
	}
	if matches == nil {
		matches = []match.View{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tick": snap.Tick, "matches": matches})
}

func (s *HTTPServer) getMatch(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := pathID(w, params, "match_id")
	if !ok {
		return
	}
	m, found := s.engine.Snapshot().Match(id)
	if !found {
		writeError(w, http.StatusNotFound, "unknown_match", fmt.Errorf("match %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *HTTPServer) getSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// StatusFor maps a command error to its HTTP status.
func StatusFor(err error) int {
	switch core.ErrorCode(err) {
	case "invalid_amount", "invalid_role", "reason_required":
		return http.StatusBadRequest
	case "not_participant":
		return http.StatusForbidden
	case "unknown_party", "unknown_match":
		return http.StatusNotFound
	case "insufficient_balance", "invalid_transition", "session_active",
		"session_inactive", "violation_pending", "duplicate":
		return http.StatusConflict
	case "engine_stopped":
		return http.StatusServiceUnavailable
	case "canceled":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

func pathID(w http.ResponseWriter, params map[string]string, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params[field])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("parse %s: %w", field, err))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, ErrorBody{Code: code, Error: err.Error()})
}
