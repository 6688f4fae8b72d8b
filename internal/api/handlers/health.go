package handlers

import (
	"net/http"

	"github.com/pysugar/issuebridge/internal/version"
	"gorm.io/gorm"
)

// HealthHandler pings the database.
// GET /healthz
func HealthHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := database.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	}
}
