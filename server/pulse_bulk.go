package server

import (
	"net/http"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/bulk"
)

// HandleListBulk handles GET /api/pulse/bulk?status=pending&limit=50
func (s *Server) HandleListBulk(w http.ResponseWriter, r *http.Request) {
	status := bulk.Status(r.URL.Query().Get("status"))
	switch status {
	case "", bulk.StatusPending, bulk.StatusProcessing, bulk.StatusCompleted, bulk.StatusFailed, bulk.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status: "+string(status))
		return
	}

	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	reqs, err := s.scheduler.Bulks().List(r.Context(), status, limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list bulk requests")
		return
	}
	if reqs == nil {
		reqs = []*bulk.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// HandleSubmitBulk handles POST /api/pulse/bulk. Jobs are created in the
// background, so the response is 202 with the stored request.
func (s *Server) HandleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var body SubmitBulkRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	spec, err := body.toSpec()
	if err != nil {
		handleError(w, s.logger, err, "invalid bulk request")
		return
	}
	if spec.CreatedBy == "" {
		spec.CreatedBy = s.createdBy(r, "api")
	}

	req, err := s.scheduler.SubmitBulk(r.Context(), spec)
	if err != nil {
		handleError(w, s.logger, err, "failed to submit bulk request")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse submit bulk",
		logger.FieldBulkID, req.ID,
		logger.FieldHandler, req.Handler,
		logger.FieldCount, req.Total,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, req)
}

// HandleGetBulk handles GET /api/pulse/bulk/{id}
func (s *Server) HandleGetBulk(w http.ResponseWriter, r *http.Request) {
	req, err := s.scheduler.Bulks().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get bulk request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleCancelBulk handles POST /api/pulse/bulk/{id}/cancel
func (s *Server) HandleCancelBulk(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if err := readOptionalJSON(w, r, &body); err != nil {
		return
	}
	id := r.PathValue("id")
	n, err := s.scheduler.CancelBulk(r.Context(), id, body.Reason)
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel bulk request")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse cancel bulk",
		logger.FieldBulkID, id,
		logger.FieldCount, n)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"cancelled": n,
	})
}
