package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/progress"
	"lectern/internal/results"
	"lectern/internal/services"
	"lectern/internal/stage"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	// longPollWindow stays below the server write timeout.
	longPollWindow = 25 * time.Second
	maxSubmitBytes = 1 << 20
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/documents", s.handleSubmit)
	mux.HandleFunc("GET /api/documents", s.handleList)
	mux.HandleFunc("GET /api/documents/{id}/state", s.handleState)
	mux.HandleFunc("GET /api/documents/{id}/result", s.handleResult)
	mux.HandleFunc("POST /api/documents/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	return requireToken(s.token, mux)
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, api.CodeInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URI) == "" {
		s.writeError(w, http.StatusBadRequest, api.CodeInvalid, "uri is required")
		return
	}
	doc := stage.DocumentRef{
		ID:          strings.TrimSpace(req.DocumentID),
		URI:         strings.TrimSpace(req.URI),
		ContentType: req.ContentType,
		Pages:       req.Pages,
		Metadata:    req.Metadata,
	}
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := services.WithRequestID(r.Context(), requestID)
	engine := s.daemon.Engine()
	if err := engine.Submit(ctx, doc); err != nil {
		s.writeEngineError(w, err)
		return
	}
	state, err := engine.State(ctx, doc.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.FromState(state))
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []results.Status
	for _, value := range r.URL.Query()["state"] {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := results.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, api.CodeInvalid, fmt.Sprintf("unknown state %q", value))
			return
		}
		statuses = append(statuses, status)
	}
	states, err := s.daemon.ListStates(r.Context(), statuses...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ListResponse{Documents: api.FromStates(states)})
}

func (s *apiServer) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.daemon.Engine().State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromState(state))
}

func (s *apiServer) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.daemon.Engine().Result(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromResult(res))
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Engine().Cancel(r.PathValue("id"), pipeline.ReasonRequested); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Engine().Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	filter := progress.Filter{DocumentID: strings.TrimSpace(query.Get("document"))}

	ctx := r.Context()
	if follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, longPollWindow)
		defer cancel()
	}

	hub := s.daemon.Engine().Hub()
	oldest := hub.Oldest()
	events, next, err := hub.Fetch(ctx, since, limit, follow, filter)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusInternalServerError, api.CodeInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.EventsResponse{
		Events:    api.FromEvents(events),
		Next:      next,
		Oldest:    oldest,
		Truncated: since+1 < oldest,
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		Running:   status.Running,
		PID:       status.PID,
		StorePath: status.StorePath,
		LockPath:  status.LockPath,
		Engine:    api.FromEngineStatus(status.Engine),
		Checks:    api.FromPreflight(status.Checks),
	})
}

// writeEngineError maps engine and store errors onto HTTP responses.
func (s *apiServer) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotReady):
		s.writeError(w, http.StatusAccepted, api.CodeNotReady, err.Error())
	case errors.Is(err, results.ErrNotFound):
		s.writeError(w, http.StatusNotFound, api.CodeNotFound, "document not found")
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, api.CodeAlreadyRunning, err.Error())
	case errors.Is(err, pipeline.ErrAlreadyProcessed):
		s.writeError(w, http.StatusConflict, api.CodeAlreadyProcessed, err.Error())
	case errors.Is(err, pipeline.ErrNotRunning):
		s.writeError(w, http.StatusConflict, api.CodeNotRunning, err.Error())
	case errors.Is(err, pipeline.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, api.CodeUnavailable, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, api.CodeInvalid, err.Error())
	default:
		s.log().Error("api request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
