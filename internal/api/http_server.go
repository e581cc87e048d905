package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"techsync/internal/config"
	"techsync/internal/events"
	"techsync/internal/metrics"
	"techsync/internal/models"
	"techsync/internal/service"
	"techsync/internal/worker"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type Queue interface {
	Enqueue(ctx context.Context, actionType models.ActionType, payload json.RawMessage) (string, error)
	Pending(ctx context.Context) ([]models.SyncAction, error)
	Drain(ctx context.Context) ([]models.SyncResult, error)
}

type Syncer interface {
	Pull(ctx context.Context) (*models.PullResult, error)
	Agenda(ctx context.Context) ([]models.Snapshot, error)
	Order(ctx context.Context, id string) (*models.Snapshot, error)
}

type Connectivity interface {
	Online() bool
	Set(online bool) bool
}

type EventSource interface {
	SubscribeAll(handler events.EventHandler) func()
}

// StoreHealth reports whether the store is serving from its fallback.
type StoreHealth interface {
	Degraded() bool
}

// Dependencies are the components the control API drives. Store is optional.
type Dependencies struct {
	Queue        Queue
	Sync         Syncer
	Connectivity Connectivity
	Events       EventSource
	Store        StoreHealth
}

// HTTPServer is the local control API used by the technician UI and the CLI.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Dependencies
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger

	closing chan struct{}
}

type enqueueRequest struct {
	Type    models.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func NewHTTPServer(cfg config.APIConfig, deps Dependencies, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger, closing: make(chan struct{})}
	srv.auth = NewHTTPAuth(cfg)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/actions", srv.handleListActions).Methods(http.MethodGet)
	v1.HandleFunc("/actions", srv.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/sync", srv.handleDrain).Methods(http.MethodPost)
	v1.HandleFunc("/sync/pull", srv.handlePull).Methods(http.MethodPost)
	v1.HandleFunc("/agenda", srv.handleAgenda).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{id}", srv.handleOrder).Methods(http.MethodGet)
	v1.HandleFunc("/connectivity", srv.handleGetConnectivity).Methods(http.MethodGet)
	v1.HandleFunc("/connectivity", srv.handleSetConnectivity).Methods(http.MethodPost)
	v1.HandleFunc("/events", srv.handleEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(srv.instrument)

	handler := loggingMiddleware(logger, srv.auth.Wrap(r))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Connectivity != nil {
		resp["online"] = s.deps.Connectivity.Online()
	}
	if s.deps.Store != nil && s.deps.Store.Degraded() {
		resp["status"] = "degraded"
		resp["store"] = "fallback"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.deps.Queue.Pending(r.Context())
	if err != nil {
		s.internalError(w, "list actions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(string(body.Type)) == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), body.Type, body.Payload)
	switch {
	case errors.Is(err, worker.ErrUnknownActionType), errors.Is(err, worker.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.internalError(w, "enqueue", err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func (s *HTTPServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Queue.Drain(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("drain")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "results": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *HTTPServer) handlePull(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sync.Pull(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("pull")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAgenda(w http.ResponseWriter, r *http.Request) {
	agenda, err := s.deps.Sync.Agenda(r.Context())
	if err != nil {
		s.internalError(w, "agenda", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agenda": agenda})
}

func (s *HTTPServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	snap, err := s.deps.Sync.Order(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrOrderUnavailable):
		writeError(w, http.StatusNotFound, "order not available offline")
	case err != nil:
		s.internalError(w, "order", err)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *HTTPServer) handleGetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Connectivity.Online()})
}

func (s *HTTPServer) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body connectivityRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	changed := s.deps.Connectivity.Set(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online, "changed": changed})
}

func (s *HTTPServer) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// instrument counts requests per route template.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.IncHTTP(endpoint)
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
