package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// HealthHandler serves health check status as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_connections": s.registry.ConnectionCount(),
		"known_users":        s.registry.UserCount(),
		"backup_file":        s.store.Path(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
