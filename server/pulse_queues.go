package server

import (
	"context"
	"net/http"

	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
)

// HandleListQueues handles GET /api/pulse/queues
func (s *Server) HandleListQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queues, err := s.scheduler.Store().ListQueues(ctx)
	if err != nil {
		handleError(w, s.logger, err, "failed to list queues")
		return
	}

	stats := make([]*async.QueueStats, 0, len(queues))
	for _, q := range queues {
		st, err := s.scheduler.Store().GetQueueStats(ctx, q.Name)
		if err != nil {
			handleError(w, s.logger, err, "failed to get queue stats")
			return
		}
		stats = append(stats, st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues": stats,
		"count":  len(stats),
	})
}

// HandleGetQueue handles GET /api/pulse/queues/{name}
func (s *Server) HandleGetQueue(w http.ResponseWriter, r *http.Request) {
	st, err := s.scheduler.Store().GetQueueStats(r.Context(), r.PathValue("name"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get queue stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleQueueAction handles POST /api/pulse/queues/{name}/{pause|resume|stop}
func (s *Server) HandleQueueAction(w http.ResponseWriter, r *http.Request) {
	var action func(context.Context, string) (*async.Queue, error)
	switch r.PathValue("action") {
	case "pause":
		action = s.scheduler.PauseQueue
	case "resume":
		action = s.scheduler.ResumeQueue
	case "stop":
		action = s.scheduler.StopQueue
	default:
		writeError(w, http.StatusNotFound, "Unknown queue action: "+r.PathValue("action"))
		return
	}

	q, err := action(r.Context(), r.PathValue("name"))
	if err != nil {
		handleError(w, s.logger, err, "failed to update queue")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Pulse queue "+r.PathValue("action"),
		logger.FieldQueue, q.Name,
		"status", q.Status,
		"remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, q)
}
