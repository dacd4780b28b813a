// Package docstore is a reference document backend for the collaboration
// server. It keeps the update log, snapshots and permissions in sqlite and
// serves the internal endpoints the hub calls.
package docstore

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/backend"
	"github.com/manpreetbhatti/lattice/collab/internal/compaction"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/db"
)

const (
	maxUpdateSize = 10 * 1024 * 1024
	maxJSONSize   = 64 * 1024
)

type Server struct {
	database    *db.Database
	compactor   *compaction.Service
	secret      string
	defaultRole auth.Role
	logger      *slog.Logger
}

// New builds the store. compactor may be nil, which disables on-demand
// compaction.
func New(database *db.Database, compactor *compaction.Service, secret string, defaultRole auth.Role, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		database:    database,
		compactor:   compactor,
		secret:      secret,
		defaultRole: defaultRole,
		logger:      logger.With("component", "docstore"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Get("/stats", s.StatsHandler)
		r.Get("/documents", s.ListDocumentsHandler)
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Put("/", s.PutDocumentHandler)
			r.Delete("/", s.DeleteDocumentHandler)
			r.Get("/last-state", s.LastStateHandler)
			r.Post("/update", s.UpdateHandler)
			r.Post("/snapshot", s.SnapshotHandler)
			r.Post("/compact", s.CompactHandler)
			r.Get("/role", s.RoleHandler)
			r.Put("/permissions", s.PermissionsHandler)
		})
	})
	return r
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("could not encode response", "err", err)
	}
}

// errorResponse uses the "message" key, which the hub's backend client reads
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"message": message})
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.database.GetStats()
	if err != nil {
		s.logger.Error("could not read stats", "err", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

func (s *Server) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := s.database.ListDocuments(limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	if docs == nil {
		docs = []db.Document{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"documents": docs,
		"limit":     limit,
		"offset":    offset,
	})
}

type PutDocumentRequest struct {
	Title string `json:"title"`
}

func (s *Server) PutDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PutDocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize)).Decode(&req); err != nil && err != io.EOF {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.database.CreateDocument(id, req.Title); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save document")
		return
	}
	doc, err := s.database.GetDocument(id)
	if err != nil || doc == nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read document")
		return
	}
	s.jsonResponse(w, http.StatusOK, doc)
}

func (s *Server) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.database.DeleteDocument(id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LastStateHandler returns the snapshot and every update after it
func (s *Server) LastStateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.database.GetDocument(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read document")
		return
	}
	if doc == nil {
		s.errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	state := backend.DocumentState{Title: doc.Title, Updates: []backend.DocumentUpdate{}}
	snap, err := s.database.GetSnapshot(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read snapshot")
		return
	}
	if snap != nil {
		state.Snapshot = snap.Data
		state.SnapshotSeq = snap.Seq
	}

	updates, err := s.database.UpdatesAfter(id, state.SnapshotSeq)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read updates")
		return
	}
	for _, u := range updates {
		state.Updates = append(state.Updates, backend.DocumentUpdate{Seq: u.Seq, Binary: u.Data})
	}

	s.jsonResponse(w, http.StatusOK, state)
}

// readUpdate reads a raw body and checks that it decodes as an update
func (s *Server) readUpdate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateSize))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "Body too large")
		return nil, false
	}
	if _, err := crdt.DecodeUpdate(body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Malformed update")
		return nil, false
	}
	return body, true
}

func (s *Server) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	update, ok := s.readUpdate(w, r)
	if !ok {
		return
	}

	seq, err := s.database.AppendUpdate(id, r.Header.Get("X-User-Id"), update)
	if err != nil {
		s.logger.Error("could not append update", "doc", id, "err", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save update")
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]any{"seq": seq})
}

// SnapshotHandler folds the incoming full state together with the stored log
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := s.readUpdate(w, r)
	if !ok {
		return
	}

	snap, err := s.database.RewriteSnapshot(id, -1, crdt.MergeUpdates, state)
	if err != nil {
		s.logger.Error("could not save snapshot", "doc", id, "err", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save snapshot")
		return
	}
	s.logger.Info("snapshot stored", "doc", id, "seq", snap.Seq, "bytes", len(snap.Data))
	s.jsonResponse(w, http.StatusOK, map[string]any{"snapshot_seq": snap.Seq})
}

func (s *Server) CompactHandler(w http.ResponseWriter, r *http.Request) {
	if s.compactor == nil {
		s.errorResponse(w, http.StatusNotImplemented, "Compaction disabled")
		return
	}
	compacted, err := s.compactor.CompactDocument(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Compaction failed")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"compacted": compacted})
}

type RoleResponse struct {
	Role auth.Role `json:"role"`
}

func (s *Server) RoleHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	name, ok, err := s.database.GetPermission(id, userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read permission")
		return
	}
	role := s.defaultRole
	if ok {
		role = auth.ParseRole(name)
	}
	s.jsonResponse(w, http.StatusOK, RoleResponse{Role: role})
}

type PermissionRequest struct {
	UserID string    `json:"user_id"`
	Role   auth.Role `json:"role"`
}

func (s *Server) PermissionsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PermissionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.database.SetPermission(id, req.UserID, req.Role.String()); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save permission")
		return
	}
	s.jsonResponse(w, http.StatusOK, req)
}
