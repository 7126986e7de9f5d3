package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/taxsync/internal/auth"
	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/internal/runner"
	"github.com/yourorg/taxsync/pkg/types"
)

// Service is what the HTTP surface exposes.
type Service interface {
	Sync(ctx context.Context, req runner.Request) (*types.SyncRunResult, error)
	Documents(ctx context.Context, f types.DocumentFilter) ([]types.SyncRecord, error)
	ListSessions(ctx context.Context) ([]types.SessionInfo, error)
	Logout(ctx context.Context, tenantID string) error
	Purge(ctx context.Context, tenantID string) error
	Checkpoints(ctx context.Context, tenantID string) ([]types.Checkpoint, error)
}

// Server is the job trigger and query API.
type Server struct {
	cfg    *config.Config
	svc    Service
	logger *slog.Logger
	mux    *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, svc Service, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if svc == nil {
		return nil, errors.New("service is nil")
	}
	srv := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logging.OrDiscard(logger),
		mux:    http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	s.mux.HandleFunc("/api/documents", s.handleDocuments)
	s.mux.HandleFunc("/api/checkpoints", s.handleCheckpoints)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	TenantID       string `json:"tenant_id"`
	TaxID          string `json:"tax_id"`
	Secret         string `json:"secret"`
	Months         int    `json:"months"`
	MonthOffset    int    `json:"month_offset"`
	Resume         bool   `json:"resume"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	res, err := s.svc.Sync(ctx, runner.Request{
		Credentials: auth.Credentials{TenantID: req.TenantID, TaxID: req.TaxID, Secret: req.Secret},
		Months:      req.Months,
		MonthOffset: req.MonthOffset,
		Resume:      req.Resume,
	})
	if err != nil {
		s.logger.Warn("run rejected", "tenant", req.TenantID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.svc.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	id, tail, ok := splitPath(r.URL.Path, "/api/sessions/")
	if !ok || id == "" || tail != "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if err := s.svc.Purge(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "status": "deleted"})
		return
	}
	if err := s.svc.Logout(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "status": "invalidated"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := types.DocumentFilter{TenantID: q.Get("tenant"), Direction: types.Direction(q.Get("direction"))}
	if f.TenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	switch f.Direction {
	case "", types.DirectionPurchase, types.DirectionSale:
	default:
		http.Error(w, "direction must be purchase or sale", http.StatusBadRequest)
		return
	}
	if v := q.Get("period"); v != "" {
		p, err := types.ParsePeriod(v)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Period = &p
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	docs, err := s.svc.Documents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	cps, err := s.svc.Checkpoints(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		authErr *types.AuthenticationError
		downErr *types.PortalUnavailableError
		status  = http.StatusInternalServerError
	)
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &downErr):
		status = http.StatusServiceUnavailable
		if secs := int(downErr.RetryAfter.Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	return id, tail, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
