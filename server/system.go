package server

import (
	"net/http"
	"time"

	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/metrics"
	"github.com/teranos/pulsed/version"
)

const maxMetricsWindow = 90 * 24 * time.Hour

// HandleHealth reports whether the job store is reachable.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  version.Get().Short(),
		WorkerID: s.scheduler.Dispatcher().WorkerID(),
	}
	if err := s.scheduler.Store().DB().PingContext(r.Context()); err != nil {
		s.logger.Warnw("Health check failed", "error", err)
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListWorkers handles GET /api/pulse/workers
func (s *Server) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.scheduler.Store().ListWorkers(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to list workers")
		return
	}
	if workers == nil {
		workers = []*async.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// HandleListLocks handles GET /api/pulse/locks
func (s *Server) HandleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.scheduler.Store().ListLocks(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to list locks")
		return
	}
	if locks == nil {
		locks = []async.Lock{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locks": locks,
		"count": len(locks),
	})
}

// HandleJobStats handles GET /api/pulse/stats
func (s *Server) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.scheduler.Store().JobStats(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to count jobs")
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_status": stats,
		"total":     total,
	})
}

// HandleHourlyMetrics handles GET /api/pulse/metrics/hourly?since=24h&queue=mail
func (s *Server) HandleHourlyMetrics(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxMetricsWindow {
			writeError(w, http.StatusBadRequest, "Invalid since: "+v)
			return
		}
		since = d
	}

	now := s.scheduler.Store().Clock().Now()
	rows, err := metrics.Hourly(r.Context(), s.scheduler.Store().DB(), now.Add(-since), r.URL.Query().Get("queue"))
	if err != nil {
		handleError(w, s.logger, err, "failed to query metrics")
		return
	}
	if rows == nil {
		rows = []metrics.Hour{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hours": rows,
		"count": len(rows),
	})
}
