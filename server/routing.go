package server

import (
	"net/http"
	"strings"

	"github.com/teranos/pulsed/auth"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))

	s.handle("GET /api/pulse/jobs", s.HandleListJobs)                            // List jobs (filters: queue, status, tag, handler, schedule_id, bulk_id)
	s.handle("POST /api/pulse/jobs", s.HandleSubmitJob)                          // Submit a job
	s.handle("GET /api/pulse/jobs/{id}", s.HandleGetJob)                         // Job details
	s.handle("GET /api/pulse/jobs/{id}/executions", s.HandleJobExecutions)       // Attempt history
	s.handle("GET /api/pulse/jobs/{id}/dependencies", s.HandleJobDependencies)   // Prerequisite edges
	s.handle("POST /api/pulse/jobs/{id}/cancel", s.HandleCancelJob)              // Cancel (body: reason)
	s.handle("POST /api/pulse/jobs/{id}/retry", s.HandleRetryJob)                // Retry a failed job
	s.handle("POST /api/pulse/jobs/{id}/rerun", s.HandleRerunJob)                // Copy a finished job as a new one
	s.handle("GET /api/pulse/queues", s.HandleListQueues)                        // Queues with live job counts
	s.handle("GET /api/pulse/queues/{name}", s.HandleGetQueue)                   // One queue with live job counts
	s.handle("POST /api/pulse/queues/{name}/{action}", s.HandleQueueAction)      // pause, resume, stop
	s.handle("GET /api/pulse/schedules", s.HandleListSchedules)                  // List schedules
	s.handle("POST /api/pulse/schedules", s.HandleCreateSchedule)                // Create a schedule
	s.handle("GET /api/pulse/schedules/{id}", s.HandleGetSchedule)               // Schedule details
	s.handle("PATCH /api/pulse/schedules/{id}", s.HandleUpdateSchedule)          // Enable or disable
	s.handle("DELETE /api/pulse/schedules/{id}", s.HandleDeleteSchedule)         // Remove a schedule
	s.handle("GET /api/pulse/templates", s.HandleListTemplates)                  // List templates
	s.handle("POST /api/pulse/templates/{ref}/jobs", s.HandleSubmitFromTemplate) // Submit a job from a template
	s.handle("GET /api/pulse/bulk", s.HandleListBulk)                            // List bulk requests
	s.handle("POST /api/pulse/bulk", s.HandleSubmitBulk)                         // Submit a bulk request
	s.handle("GET /api/pulse/bulk/{id}", s.HandleGetBulk)                        // Bulk progress
	s.handle("POST /api/pulse/bulk/{id}/cancel", s.HandleCancelBulk)             // Cancel a bulk request
	s.handle("GET /api/pulse/workers", s.HandleListWorkers)                      // Registered workers
	s.handle("GET /api/pulse/locks", s.HandleListLocks)                          // Held resource locks
	s.handle("GET /api/pulse/stats", s.HandleJobStats)                           // Job counts by status
	s.handle("GET /api/pulse/metrics/hourly", s.HandleHourlyMetrics)             // Hourly rollups (since, queue)

	// Preflight for every API route; answered by corsMiddleware before auth
	s.mux.HandleFunc("OPTIONS /api/", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.corsMiddleware(s.auth.RequireAuth(h)))
}

// createdBy is the token subject, or def when auth is off.
func (s *Server) createdBy(r *http.Request, def string) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return def
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// originAllowed uses prefix matching so any port of an allowed host passes.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
