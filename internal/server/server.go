package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/integrity"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/operations"
)

// Backend is the OperationManager as seen by the HTTP API.
type Backend interface {
	List() []metadata.Record
	Get(id string) (metadata.Record, bool)
	Stats(now time.Time) operations.Stats
	Health(now time.Time) operations.Health
	CreateFullBackup(ctx context.Context, trigger metadata.Trigger) (metadata.Record, error)
	Verify(ctx context.Context, id string) (metadata.Record, error)
	Restore(ctx context.Context, opts operations.RestoreOptions) (operations.RestoreResult, error)
}

// ErrConfirmationRequired rejects destructive restores over HTTP. They need the
// interactive confirmation of "drbackup restore".
var ErrConfirmationRequired = errors.New("destructive restore requires interactive confirmation, use drbackup restore")

type Notifier interface {
	Notify(kind alert.Kind, cause error)
}

// Server exposes health, metrics and the backup API. It is meant to listen on a
// loopback or otherwise privileged address.
type Server struct {
	backend Backend
	alerts  Notifier
	log     logger.Logger
	now     func() time.Time
	srv     *http.Server
}

func New(listen string, backend Backend, alerts Notifier, log logger.Logger) *Server {
	s := &Server{backend: backend, alerts: alerts, log: log, now: time.Now}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/backups", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Get("/stats", s.stats)
		r.Get("/{id}", s.get)
		r.Post("/{id}/verify", s.verify)
		r.Post("/{id}/restore", s.restore)
	})
	return r
}

// ListenAndServe blocks until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := s.backend.Health(s.now())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.List())
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Stats(s.now()))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.backend.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, operations.ErrRestoreNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.CreateFullBackup(r.Context(), metadata.TriggerManual)
	if err != nil {
		s.log.Error("api backup failed", "error", err.Error())
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.backend.Verify(r.Context(), id)
	if err != nil {
		if isIntegrityFailure(err) {
			s.alerts.Notify(alert.KindIntegrityFailed, err)
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "backup": rec})
}

type restoreRequest struct {
	ValidateOnly *bool `json:"validate_only"`
}

// restore runs a validate-only restore drill. An empty body means validate-only.
func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode restore request: %w", err))
			return
		}
	}
	if req.ValidateOnly != nil && !*req.ValidateOnly {
		writeError(w, http.StatusForbidden, ErrConfirmationRequired)
		return
	}

	id := chi.URLParam(r, "id")
	res, err := s.backend.Restore(r.Context(), operations.RestoreOptions{BackupID: id, ValidateOnly: true})
	if err != nil {
		s.log.Error("api restore validation failed", "backup_id", id, "error", err.Error())
		if isIntegrityFailure(err) {
			s.alerts.Notify(alert.KindIntegrityFailed, err)
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func isIntegrityFailure(err error) bool {
	return errors.Is(err, integrity.ErrChecksumMismatch) ||
		errors.Is(err, integrity.ErrCorruptArtifact) ||
		errors.Is(err, integrity.ErrArtifactMissing)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, operations.ErrRestoreNotFound):
		return http.StatusNotFound
	case errors.Is(err, operations.ErrLocked), errors.Is(err, operations.ErrRestoreNotCompleted):
		return http.StatusConflict
	case isIntegrityFailure(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
