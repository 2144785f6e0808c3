package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/integrity"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/orchestrator"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

const (
	maxBodyBytes = 4096
	version      = "1.0.0"
)

// Guardian is the orchestrator surface the API drives
type Guardian interface {
	Snapshot() types.StateSnapshot
	Present(ctx context.Context, uid string) error
	Recover(ctx context.Context, credential string) error
}

// TokenRegistry manages registered tokens
type TokenRegistry interface {
	List() []types.TokenRecord
	Register(uid, label string) (types.TokenRecord, error)
	Revoke(uid string) (types.TokenRecord, error)
}

// AuditLog is read by the API and records token changes
type AuditLog interface {
	Append(ctx context.Context, kind audit.Kind, detail map[string]any) (audit.Record, error)
	ReadFrom(ctx context.Context, cursor uint64, limit int) ([]audit.Record, error)
	Head() uint64
}

// ManifestStore lists and loads backup manifests
type ManifestStore interface {
	List() ([]integrity.Summary, error)
	Get(id string) (*integrity.Manifest, error)
}

// CredentialVerifier checks the operator credential
type CredentialVerifier interface {
	Verify(secret string) bool
}

// Deps are the components served by the API. Operator may be nil, which
// disables every operator-only route.
type Deps struct {
	Guardian  Guardian
	Tokens    TokenRegistry
	Audit     AuditLog
	Manifests ManifestStore
	Operator  CredentialVerifier
	Gatherer  prometheus.Gatherer
}

// Server is the loopback operator API
type Server struct {
	logger    *logging.Logger
	hostID    string
	deps      Deps
	limiter   *RateLimiter
	router    *mux.Router
	server    *http.Server
	startTime time.Time
}

// NewServer creates a new HTTP server
func NewServer(logger *logging.Logger, hostID, addr string, rps float64, burst int, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		logger:    logger.WithComponent("http"),
		hostID:    hostID,
		deps:      deps,
		limiter:   NewRateLimiter(rps, burst),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	limited := func(h http.HandlerFunc) http.Handler {
		return s.limiter.Middleware(h)
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/v1/audit", s.handleAudit).Methods("GET")

	s.router.HandleFunc("/v1/manifests", s.handleListManifests).Methods("GET")
	s.router.HandleFunc("/v1/manifests/{id}", s.handleGetManifest).Methods("GET")
	s.router.HandleFunc("/v1/manifests/{id}/verify", s.handleVerifyManifest).Methods("POST")

	s.router.Handle("/v1/present", limited(s.handlePresent)).Methods("POST")
	s.router.Handle("/v1/tokens", limited(s.operatorOnly(s.handleListTokens))).Methods("GET")
	s.router.Handle("/v1/tokens", limited(s.operatorOnly(s.handleRegisterToken))).Methods("POST")
	s.router.Handle("/v1/tokens/{uid}/revoke", limited(s.operatorOnly(s.handleRevokeToken))).Methods("POST")
	s.router.Handle("/v1/recover", limited(s.handleRecover)).Methods("POST")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until ctx is done. Bind errors are returned immediately.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.LogSystemEvent("http_server_started", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.LogSystemEvent("http_server_stopped")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		HostID:    s.hostID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		HostID:    s.hostID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version,
		State:     s.deps.Guardian.Snapshot(),
		AuditHead: s.deps.Audit.Head(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var after uint64
	if v := query.Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = parsed
	}
	limit := 0
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.deps.Audit.ReadFrom(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("Failed to read audit log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}

	next := after
	if len(records) > 0 {
		next = records[len(records)-1].Sequence
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Records: records, Next: next, Head: s.deps.Audit.Head()})
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.deps.Manifests.List()
	if err != nil {
		s.logger.Error("Failed to list manifests", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list manifests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifests": summaries, "count": len(summaries)})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadManifest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleVerifyManifest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadManifest(w, r)
	if !ok {
		return
	}

	resp := VerifyResponse{
		ManifestID: m.ID,
		Files:      integrity.VerifyManifest(m),
		Mismatched: []string{},
	}
	if err := m.VerifySeal(); err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	} else {
		resp.SealValid = true
	}
	if err := integrity.VerifyArchive(m); err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	} else {
		resp.ArchiveOK = true
	}
	for path, match := range resp.Files {
		if !match {
			resp.Mismatched = append(resp.Mismatched, path)
		}
	}
	sort.Strings(resp.Mismatched)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadManifest(w http.ResponseWriter, r *http.Request) (*integrity.Manifest, bool) {
	id := mux.Vars(r)["id"]
	m, err := s.deps.Manifests.Get(id)
	if errors.Is(err, integrity.ErrManifestNotFound) {
		writeError(w, http.StatusNotFound, "manifest not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to load manifest", "manifest_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load manifest")
		return nil, false
	}
	return m, true
}

// handlePresent answers every submission identically
func (s *Server) handlePresent(w http.ResponseWriter, r *http.Request) {
	var req PresentRequest
	if err := decodeBody(r, &req); err == nil && req.UID != "" {
		_ = s.deps.Guardian.Present(r.Context(), req.UID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.deps.Tokens.List()
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	rec, err := s.deps.Tokens.Register(req.UID, req.Label)
	switch {
	case errors.Is(err, auth.ErrInvalidUID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrTokenExists), errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("Failed to register token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register token")
		return
	}

	s.recordTokenChange(r.Context(), audit.KindTokenRegistered, rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Tokens.Revoke(mux.Vars(r)["uid"])
	if errors.Is(err, auth.ErrTokenNotFound) {
		writeError(w, http.StatusNotFound, "token not registered")
		return
	}
	if err != nil {
		s.logger.Error("Failed to revoke token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}

	s.recordTokenChange(r.Context(), audit.KindTokenRevoked, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recordTokenChange(ctx context.Context, kind audit.Kind, rec types.TokenRecord) {
	if _, err := s.deps.Audit.Append(ctx, kind, map[string]any{
		"uid":   rec.UID,
		"label": rec.Label,
	}); err != nil {
		s.logger.Error("Failed to audit token change", "kind", kind, "error", err)
	}
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeBody(r, &req); err != nil || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "credential is required")
		return
	}

	err := s.deps.Guardian.Recover(r.Context(), req.Credential)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.deps.Guardian.Snapshot())
	case errors.Is(err, orchestrator.ErrNotLockedDown):
		writeError(w, http.StatusConflict, "system is not locked down")
	case errors.Is(err, orchestrator.ErrRecoveryDenied):
		writeError(w, http.StatusForbidden, "recovery denied")
	default:
		writeError(w, http.StatusServiceUnavailable, "recovery unavailable")
	}
}

// operatorOnly requires "Authorization: Bearer <operator credential>"
func (s *Server) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		secret, found := strings.CutPrefix(header, "Bearer ")
		if s.deps.Operator == nil || !found || secret == "" || !s.deps.Operator.Verify(secret) {
			writeError(w, http.StatusUnauthorized, "operator credential required")
			return
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
