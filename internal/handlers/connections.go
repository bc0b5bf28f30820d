package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

func ListConnections(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	list := Manager.ListConnections()
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": list, "count": len(list)})
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	info, ok := Manager.Status(idParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetConnectionEvents returns the event history of a connection, oldest
// first. History outlives the connection, so a disconnected id still
// answers. ?limit= keeps only the newest entries.
func GetConnectionEvents(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	id := idParam(r)
	events := Manager.Events(id)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		events = Manager.RecentEvents(id, n)
	}
	if len(events) == 0 {
		if _, ok := Manager.Status(id); !ok {
			writeError(w, http.StatusNotFound, "Connection not found")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": id,
		"events":        events,
		"count":         len(events),
	})
}

func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	id := idParam(r)
	if !Manager.Disconnect(id) {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	logger.Infof("connection %s disconnected over HTTP", logutil.SanitizeForLog(id))
	w.WriteHeader(http.StatusNoContent)
}
