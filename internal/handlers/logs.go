package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/sshbroker/internal/logging"
)

// GetServerLogs returns the tail of the log file (?lines=, default 200).
// The tail is empty when logging goes to stderr only.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
