package api

import (
	"net/http"

	"github.com/upmon/upmon/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleSystemStatus returns a handler for GET /api/v1/system/status.
// No authentication is required.
func HandleSystemStatus(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := cp.SystemStatus()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// HandleDashboard returns a handler for GET /api/v1/dashboard.
func HandleDashboard(cp *service.ControlPlane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := cp.DashboardOverview(RequestUserID(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
