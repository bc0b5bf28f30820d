package handlers

import (
	"net/http"

	"github.com/gluk-w/sshbroker/internal/sshlink"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if DB != nil {
		dbStatus = "disconnected"
		sqlDB, err := DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	total, connected := 0, 0
	if Manager != nil {
		for _, info := range Manager.ListConnections() {
			total++
			if info.Status == sshlink.StatusConnected.String() {
				connected++
			}
		}
	}

	status := "healthy"
	if Manager == nil || dbStatus == "disconnected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                status,
		"database":              dbStatus,
		"connections":           total,
		"connected_connections": connected,
	})
}
