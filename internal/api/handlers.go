// Package api exposes the hub over HTTP: health, metrics, the
// administrative document API and the websocket upgrade on every other path.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/ws"
)

const maxBodySize = 64 * 1024

type API struct {
	hub      *ws.Hub
	secret   string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New builds the API. secret guards /internal; gatherer backs /metrics and
// may be nil to serve the default registry.
func New(hub *ws.Hub, secret string, gatherer prometheus.Gatherer, logger *slog.Logger) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		hub:      hub,
		secret:   secret,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
	}
}

// Routes mounts every endpoint. Paths that match nothing else are websocket
// upgrades whose path names the room.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/internal", func(r chi.Router) {
		r.Use(a.requireSecret)
		r.Get("/stats", a.StatsHandler)
		r.Get("/documents/{id}/state", a.DocumentStateHandler)
		r.Delete("/documents/{id}", a.DeleteDocumentHandler)
		r.Put("/documents/{id}/permission", a.PermissionHandler)
	})

	r.HandleFunc("/*", a.hub.ServeWs)
	return r
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("could not encode response", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// requireSecret accepts the shared secret as a bearer token or in
// X-Internal-Secret.
func (a *API) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Secret")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if a.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) != 1 {
			a.errorResponse(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.hub.Stats(r.Context())
	if err != nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Hub unavailable")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"active_rooms":       stats.Rooms,
		"active_connections": stats.Connections,
		"closing":            a.hub.Closing(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

type DocumentStateResponse struct {
	Binary []byte `json:"binary"`
}

func (a *API) DocumentStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := a.hub.DocumentState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.hubError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, DocumentStateResponse{Binary: state})
}

func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.hub.DeleteDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.hubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PermissionRequest accepts user_id as a JSON string or number
type PermissionRequest struct {
	UserID json.Number `json:"user_id"`
	Role   *auth.Role  `json:"role"`
}

func (p *PermissionRequest) UnmarshalJSON(b []byte) error {
	var raw struct {
		UserID json.RawMessage `json:"user_id"`
		Role   *auth.Role      `json:"role"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Role = raw.Role

	var s string
	if err := json.Unmarshal(raw.UserID, &s); err == nil {
		p.UserID = json.Number(s)
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(string(raw.UserID)))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return errors.New("user_id must be a string or number")
	}
	p.UserID = n
	return nil
}

func (a *API) PermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Role == nil {
		a.errorResponse(w, http.StatusBadRequest, "user_id and role are required")
		return
	}

	updated, err := a.hub.SetPermission(r.Context(), chi.URLParam(r, "id"), req.UserID.String(), *req.Role)
	if err != nil {
		a.hubError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"ok":      true,
		"updated": updated,
	})
}

func (a *API) hubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ws.ErrRoomNotFound):
		a.errorResponse(w, http.StatusNotFound, "Document not found")
	case errors.Is(err, ws.ErrHubStopped):
		a.errorResponse(w, http.StatusServiceUnavailable, "Hub unavailable")
	default:
		a.logger.Error("admin request failed", "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "Request failed")
	}
}
