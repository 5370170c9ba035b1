package server

import (
	"net/http"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/schedule"
)

// HandleListSchedules handles GET /api/pulse/schedules
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.Schedules().ListSchedules(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to list schedules")
		return
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

// HandleCreateSchedule handles POST /api/pulse/schedules
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	pulseLog := logger.AddPulseSymbol(s.logger)

	var body CreateScheduleRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	spec, err := body.toSpec()
	if err != nil {
		handleError(w, s.logger, err, "invalid schedule")
		return
	}
	if body.Template != "" {
		tmpl, err := s.scheduler.Schedules().GetTemplate(r.Context(), body.Template)
		if err != nil {
			handleError(w, s.logger, err, "failed to resolve template")
			return
		}
		spec.TemplateID = tmpl.ID
	}

	sched, err := s.scheduler.CreateSchedule(r.Context(), spec)
	if err != nil {
		pulseLog.Warnw("Pulse create schedule rejected",
			"name", body.Name,
			"kind", body.Kind,
			logger.FieldError, err)
		handleError(w, s.logger, err, "failed to create schedule")
		return
	}
	pulseLog.Infow("Pulse create schedule",
		logger.FieldScheduleID, sched.ID,
		"kind", sched.Kind,
		"next_run", sched.NextScheduledRun,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, sched)
}

// HandleGetSchedule handles GET /api/pulse/schedules/{id}
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler.Schedules().GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// HandleUpdateSchedule handles PATCH /api/pulse/schedules/{id}
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var body UpdateScheduleRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	id := r.PathValue("id")
	var (
		sched *schedule.Schedule
		err   error
	)
	if *body.Enabled {
		sched, err = s.scheduler.EnableSchedule(r.Context(), id)
	} else {
		sched, err = s.scheduler.DisableSchedule(r.Context(), id)
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to update schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse update schedule",
		logger.FieldScheduleID, sched.ID,
		"enabled", sched.Enabled)
	writeJSON(w, http.StatusOK, sched)
}

// HandleDeleteSchedule handles DELETE /api/pulse/schedules/{id}. Jobs the
// schedule already emitted are kept.
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Schedules().DeleteSchedule(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "failed to delete schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse delete schedule", logger.FieldScheduleID, id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListTemplates handles GET /api/pulse/templates
func (s *Server) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.scheduler.Schedules().ListTemplates(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to list templates")
		return
	}
	if templates == nil {
		templates = []*schedule.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

// HandleSubmitFromTemplate handles POST /api/pulse/templates/{ref}/jobs.
// The body is optional; its set fields override the template.
func (s *Server) HandleSubmitFromTemplate(w http.ResponseWriter, r *http.Request) {
	var body SubmitJobRequest
	if err := readOptionalJSON(w, r, &body); err != nil {
		return
	}
	overrides, err := body.toSubmitRequest(s.scheduler.Store().Clock().Now())
	if err != nil {
		handleError(w, s.logger, err, "invalid job")
		return
	}
	if overrides.CreatedBy == "" {
		overrides.CreatedBy = s.createdBy(r, "api")
	}

	var job *async.Job
	if job, err = s.scheduler.SubmitFromTemplate(r.Context(), r.PathValue("ref"), overrides); err != nil {
		handleError(w, s.logger, err, "failed to submit from template")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse submit from template",
		"template", r.PathValue("ref"),
		logger.FieldJobID, job.ID)
	writeJSON(w, http.StatusCreated, job)
}
