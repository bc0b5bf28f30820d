// Package handlers serves the broker's HTTP status API: connection, command
// and session listings, a websocket stream of interactive output, the audit
// trail, recent server logs and Prometheus metrics.
//
// The package-level Manager, Auditor and DB are set from the serve command
// before NewRouter is called.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
)

var logger = logrus.WithField("component", "http")

var (
	Manager *sshmanager.Manager
	Auditor *sshaudit.Auditor // nil when auditing is disabled
	DB      *gorm.DB
)

// NewRouter returns the API routes.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", ListConnections)
		r.Get("/connections/{id}", GetConnection)
		r.Get("/connections/{id}/events", GetConnectionEvents)
		r.Delete("/connections/{id}", DeleteConnection)

		r.Get("/commands", ListCommands)
		r.Get("/commands/{id}", GetCommand)
		r.Delete("/commands/{id}", TerminateCommand)

		r.Get("/sessions", ListSessions)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", TerminateSession)
		r.Get("/sessions/{id}/stream", StreamSession)

		r.Get("/audit", GetAuditLogs)
		r.Get("/logs", GetServerLogs)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// idParam returns the unescaped {id} path segment. Connection ids carry '@'
// and ':', which clients may percent-encode.
func idParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// requireManager writes 503 and returns false when Manager is unset.
func requireManager(w http.ResponseWriter) bool {
	if Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return false
	}
	return true
}
