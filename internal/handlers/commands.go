package handlers

import (
	"net/http"
	"strconv"
)

func ListCommands(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	list := Manager.ListAsyncCommands()
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": list, "count": len(list)})
}

// GetCommand returns a command's status including its accumulated output.
func GetCommand(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	info, ok := Manager.CommandStatus(idParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func TerminateCommand(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	id := idParam(r)
	if !Manager.TerminateCommand(id) {
		writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	info, _ := Manager.CommandStatus(id)
	writeJSON(w, http.StatusOK, info)
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	list := Manager.ListInteractiveSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list, "count": len(list)})
}

// GetSession returns a session with its retained output. ?max_lines= keeps
// only the last lines; the default returns everything retained.
func GetSession(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	maxLines := 0
	if v := r.URL.Query().Get("max_lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid max_lines")
			return
		}
		maxLines = n
	}
	out, ok := Manager.InteractiveOutput(idParam(r), maxLines)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func TerminateSession(w http.ResponseWriter, r *http.Request) {
	if !requireManager(w) {
		return
	}
	if !Manager.TerminateInteractiveSession(idParam(r)) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
