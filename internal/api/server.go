// Package api serves the admin HTTP surface: read access to groups,
// executions and activity, the operator actions (manual replies, automation
// switches, tenant buffers, flow activation) and the ingestion webhooks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"convoflow/internal/activity"
	"convoflow/internal/bus"
	"convoflow/internal/config"
	"convoflow/internal/domain"
	"convoflow/internal/metrics"
	"convoflow/internal/store"
)

const (
	maxBodySize  = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
	maxBufferSec = 3600
)

// Store is the read side of the pipeline database.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*domain.MessageGroup, error)
	GroupMessages(ctx context.Context, groupID string) ([]domain.InboundMessage, error)
	ConversationGroups(ctx context.Context, conversationID string, limit int) ([]domain.MessageGroup, error)
	FailedGroups(ctx context.Context, limit int) ([]domain.MessageGroup, error)
	GetExecution(ctx context.Context, id string) (*domain.FlowExecution, error)
	ListCustomerExecutions(ctx context.Context, tenantID, customerID string, limit int) ([]domain.FlowExecution, error)
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	SetBufferSeconds(ctx context.Context, tenantID string, seconds int, now time.Time) error
	Stats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

// Tracker records operator activity.
type Tracker interface {
	RecordManualReply(ctx context.Context, r domain.ManualReply) error
	SetAutomation(ctx context.Context, conversationID string, enabled bool) error
	Customer(ctx context.Context, tenantID, customerID string) (*domain.CustomerActivity, error)
}

// Catalog lists and toggles flow definitions.
type Catalog interface {
	All(ctx context.Context) ([]domain.FlowDefinition, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// EventSource replays recent pipeline events and streams new ones.
type EventSource interface {
	Replay(eventType string, since time.Time) []bus.Event
	On(eventType string, handler bus.EventHandler) string
	Off(eventType, handlerID string)
}

// Config wires the server. Store, Tracker and Catalog are required.
type Config struct {
	Host    string
	Port    int
	Store   Store
	Tracker Tracker
	Catalog Catalog
	Events  EventSource    // optional
	App     *config.Config // served sanitized on GET /api/config
	Ingest  http.Handler   // generic JSON webhook on POST /api/ingest
	Mounts  map[string]http.Handler
	Metrics string // metrics path; empty disables
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server is the admin and webhook HTTP server.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
	now    func() time.Time

	// closing ends hijacked stream connections, which Shutdown does not track.
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds the server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux(), logger: cfg.Logger, now: cfg.Now, closing: make(chan struct{})}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.handle("GET /healthz", s.handleHealth)
	s.handle("GET /api/stats", s.handleStats)
	s.handle("GET /api/config", s.handleConfig)
	s.handle("GET /api/events", s.handleEvents)
	if cfg.Events != nil {
		// Not instrumented: the upgrade needs the raw http.Hijacker.
		s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	}

	s.handle("GET /api/groups/failed", s.handleFailedGroups)
	s.handle("GET /api/groups/{id}", s.handleGroup)
	s.handle("GET /api/conversations/{id}/groups", s.handleConversationGroups)
	s.handle("PUT /api/conversations/{id}/automation", s.handleAutomation)

	s.handle("GET /api/executions/{id}", s.handleExecution)
	s.handle("GET /api/customers/{tenant}/{customer}", s.handleCustomer)
	s.handle("POST /api/manual-replies", s.handleManualReply)

	s.handle("GET /api/flows", s.handleFlows)
	s.handle("PUT /api/flows/{id}/active", s.handleFlowActive)

	s.handle("GET /api/tenants", s.handleTenants)
	s.handle("GET /api/tenants/{id}", s.handleTenant)
	s.handle("PUT /api/tenants/{id}/buffer", s.handleTenantBuffer)

	if cfg.Ingest != nil {
		s.mux.Handle("POST /api/ingest", s.instrument("/api/ingest", cfg.Ingest))
	}
	for path, h := range cfg.Mounts {
		s.mux.Handle(path, s.instrument(path, h))
	}
	if cfg.Metrics != "" {
		s.mux.Handle("GET "+cfg.Metrics, metrics.Handler())
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("api server started", "addr", addr)

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close disconnects event stream subscribers. Start calls it on shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, fn))
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

// --- handlers ---

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "time": s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handleConfig(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.App == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "config not loaded"})
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(s.cfg.App))
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(rw, http.StatusOK, []bus.Event{})
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = t
	}
	events := s.cfg.Events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(rw, http.StatusOK, events)
}

func (s *Server) handleFailedGroups(rw http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(rw, r)
	if !ok {
		return
	}
	groups, err := s.cfg.Store.FailedGroups(r.Context(), limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(groups))
}

type groupResponse struct {
	*domain.MessageGroup
	Messages []domain.InboundMessage `json:"messages"`
}

func (s *Server) handleGroup(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, err := s.cfg.Store.GetGroup(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	msgs, err := s.cfg.Store.GroupMessages(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, groupResponse{MessageGroup: g, Messages: nonNil(msgs)})
}

func (s *Server) handleConversationGroups(rw http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(rw, r)
	if !ok {
		return
	}
	groups, err := s.cfg.Store.ConversationGroups(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(groups))
}

func (s *Server) handleAutomation(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Tracker.SetAutomation(r.Context(), id, *body.Enabled); err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"conversation_id": id, "automation_enabled": *body.Enabled})
}

func (s *Server) handleExecution(rw http.ResponseWriter, r *http.Request) {
	x, err := s.cfg.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, x)
}

type customerResponse struct {
	Activity   *domain.CustomerActivity `json:"activity"`
	Executions []domain.FlowExecution   `json:"executions"`
}

func (s *Server) handleCustomer(rw http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(rw, r)
	if !ok {
		return
	}
	tenant, customer := r.PathValue("tenant"), r.PathValue("customer")
	a, err := s.cfg.Tracker.Customer(r.Context(), tenant, customer)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	execs, err := s.cfg.Store.ListCustomerExecutions(r.Context(), tenant, customer, limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, customerResponse{Activity: a, Executions: nonNil(execs)})
}

func (s *Server) handleManualReply(rw http.ResponseWriter, r *http.Request) {
	var reply domain.ManualReply
	if !decodeBody(rw, r, &reply) {
		return
	}
	if err := s.cfg.Tracker.RecordManualReply(r.Context(), reply); err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleFlows(rw http.ResponseWriter, r *http.Request) {
	flows, err := s.cfg.Catalog.All(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(flows))
}

func (s *Server) handleFlowActive(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	if body.Active == nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "active is required"})
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Catalog.SetActive(r.Context(), id, *body.Active); err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"flow_id": id, "active": *body.Active})
}

func (s *Server) handleTenants(rw http.ResponseWriter, r *http.Request) {
	tenants, err := s.cfg.Store.ListTenants(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, nonNil(tenants))
}

func (s *Server) handleTenant(rw http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Store.GetTenant(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, t)
}

func (s *Server) handleTenantBuffer(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		BufferSeconds *int `json:"buffer_seconds"`
	}
	if !decodeBody(rw, r, &body) {
		return
	}
	if body.BufferSeconds == nil || *body.BufferSeconds < 0 || *body.BufferSeconds > maxBufferSec {
		writeJSON(rw, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("buffer_seconds must be between 0 and %d", maxBufferSec),
		})
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Store.SetBufferSeconds(r.Context(), id, *body.BufferSeconds, s.now()); err != nil {
		s.writeError(rw, err)
		return
	}
	s.logger.Info("tenant buffer updated", "tenant", id, "seconds", *body.BufferSeconds)
	writeJSON(rw, http.StatusOK, map[string]any{"tenant_id": id, "buffer_seconds": *body.BufferSeconds})
}

// --- helpers ---

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// writeError maps domain errors to status codes and hides internal ones.
func (s *Server) writeError(rw http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, activity.ErrInvalidReply), errors.Is(err, domain.ErrInvalidFlow):
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("api request failed", "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func limitParam(rw http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxLimit {
		writeJSON(rw, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("limit must be between 1 and %d", maxLimit),
		})
		return 0, false
	}
	return n, true
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
