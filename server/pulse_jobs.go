package server

import (
	"net/http"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
)

const (
	// Default and max limits for listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// HandleListJobs handles GET /api/pulse/jobs
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := async.ListFilter{
		Queue:      q.Get("queue"),
		Status:     async.JobStatus(q.Get("status")),
		Tag:        q.Get("tag"),
		Handler:    q.Get("handler"),
		ScheduleID: q.Get("schedule_id"),
		BulkID:     q.Get("bulk_id"),
		Limit:      parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
		Offset:     parseIntQueryParam(r, "offset", 0, 0, 1000000),
	}
	if filter.Status != "" && !async.IsValidStatus(string(filter.Status)) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+string(filter.Status))
		return
	}

	jobs, total, err := s.scheduler.ListJobs(r.Context(), filter)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:    jobs,
		Count:   len(jobs),
		Total:   total,
		HasMore: filter.Offset+len(jobs) < total,
	})
}

// HandleSubmitJob handles POST /api/pulse/jobs
func (s *Server) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body SubmitJobRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	req, err := body.toSubmitRequest(s.scheduler.Store().Clock().Now())
	if err != nil {
		handleError(w, s.logger, err, "invalid job")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = s.createdBy(r, "api")
	}

	job, err := s.scheduler.Submit(r.Context(), req)
	if err != nil {
		handleError(w, s.logger, err, "failed to submit job")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse submit job",
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.Handler,
		logger.FieldQueue, job.Queue,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, job)
}

// HandleGetJob handles GET /api/pulse/jobs/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleJobExecutions handles GET /api/pulse/jobs/{id}/executions?limit=50&offset=0
func (s *Server) HandleJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.scheduler.GetJob(r.Context(), jobID); err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	limit := parseIntQueryParam(r, "limit", 50, 1, 100)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1000000)
	execs, total, err := s.scheduler.ListExecutions(r.Context(), jobID, limit, offset)
	if err != nil {
		handleError(w, s.logger, err, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*async.Execution{}
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{
		Executions: execs,
		Count:      len(execs),
		Total:      total,
		HasMore:    offset+len(execs) < total,
	})
}

// HandleJobDependencies handles GET /api/pulse/jobs/{id}/dependencies
func (s *Server) HandleJobDependencies(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.scheduler.GetJob(r.Context(), jobID); err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}
	deps, err := s.scheduler.Store().ListDependencies(r.Context(), jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to list dependencies")
		return
	}
	if deps == nil {
		deps = []async.Dependency{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dependencies": deps,
		"count":        len(deps),
	})
}

// HandleCancelJob handles POST /api/pulse/jobs/{id}/cancel
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if err := readOptionalJSON(w, r, &body); err != nil {
		return
	}
	job, err := s.scheduler.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel job")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse cancel job",
		logger.FieldJobID, job.ID,
		"reason", body.Reason,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, job)
}

// HandleRetryJob handles POST /api/pulse/jobs/{id}/retry
func (s *Server) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to retry job")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse retry job", logger.FieldJobID, job.ID)
	writeJSON(w, http.StatusOK, job)
}

// HandleRerunJob handles POST /api/pulse/jobs/{id}/rerun
func (s *Server) HandleRerunJob(w http.ResponseWriter, r *http.Request) {
	var body RerunRequest
	if err := readOptionalJSON(w, r, &body); err != nil {
		return
	}
	if body.CreatedBy == "" {
		body.CreatedBy = s.createdBy(r, "api")
	}
	job, err := s.scheduler.Rerun(r.Context(), r.PathValue("id"), body.CreatedBy)
	if err != nil {
		handleError(w, s.logger, err, "failed to rerun job")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse rerun job",
		logger.FieldJobID, job.ID,
		"rerun_of", r.PathValue("id"))
	writeJSON(w, http.StatusCreated, job)
}
