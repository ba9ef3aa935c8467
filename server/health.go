package server

import (
	"net/http"
)

// Health reports coarse service status plus database reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		dbStatus = "unreachable"
	}
	status := "ok"
	code := http.StatusOK
	if dbStatus != "ok" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{
		"status":      status,
		"database":    dbStatus,
		"environment": s.settings.Environment,
	})
}

// HealthReady gates traffic on database readiness.
func (s *Server) HealthReady(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthLive is the trivial liveness probe.
func (s *Server) HealthLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
