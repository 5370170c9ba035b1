package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulsed/auth"
	pulsedtest "github.com/teranos/pulsed/internal/testing"
	"github.com/teranos/pulsed/pulse"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/clock"
	"github.com/teranos/pulsed/pulse/schedule"
)

var epoch = time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, origins ...string) (*Server, *pulse.Scheduler) {
	t.Helper()
	return newTestServerWithOptions(t, Options{AllowedOrigins: origins})
}

func newTestServerWithOptions(t *testing.T, opts Options) (*Server, *pulse.Scheduler) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	log := zaptest.NewLogger(t).Sugar()
	sched := pulse.New(pulsedtest.CreateTestDB(t), nil, pulse.Config{
		Clock: clock.NewFake(epoch),
		Seed:  42,
		Meter: mp.Meter("test"),
	}, log)
	return New(sched, opts, log), sched
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doWithToken(t, s, method, path, "", body)
}

func doWithToken(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, sched := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, sched.Dispatcher().WorkerID(), h.WorkerID)
}

func TestSubmitAndGetJob(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/pulse/jobs", map[string]interface{}{
		"handler":       "reports.build",
		"payload":       map[string]string{"day": "2025-03-08"},
		"queue":         "reports",
		"priority":      "high",
		"delay_seconds": 600,
		"tags":          []string{"nightly"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[async.Job](t, rec)
	assert.Equal(t, "reports.build", job.Handler)
	assert.Equal(t, async.PriorityHigh, job.Priority)
	assert.Equal(t, async.JobStatusScheduled, job.Status)
	assert.Equal(t, "api", job.CreatedBy)
	assert.True(t, job.NextRunAt.Equal(epoch.Add(10*time.Minute)))

	rec = do(t, s, http.MethodGet, "/api/pulse/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decode[async.Job](t, rec).ID)

	rec = do(t, s, http.MethodGet, "/api/pulse/jobs/"+job.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execs := decode[ListExecutionsResponse](t, rec)
	assert.Empty(t, execs.Executions)
	assert.False(t, execs.HasMore)
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing handler", map[string]interface{}{"queue": "q"}},
		{"unknown priority", map[string]interface{}{"handler": "h", "priority": "urgent"}},
		{"unknown field", map[string]interface{}{"handler": "h", "colour": "blue"}},
		{"negative delay", map[string]interface{}{"handler": "h", "delay_seconds": -5}},
		{"cron and interval", map[string]interface{}{"handler": "h", "cron_expression": "* * * * *", "interval_seconds": 60}},
		{"dependency without id", map[string]interface{}{"handler": "h", "depends_on": []map[string]string{{"kind": "on_success"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/pulse/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/pulse/jobs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/pulse/jobs/nope/executions", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/pulse/jobs/nope/dependencies", nil).Code)
}

func TestListJobsFilters(t *testing.T) {
	s, sched := newTestServer(t)
	ctx := context.Background()
	for _, q := range []string{"mail", "mail", "reports"} {
		_, err := sched.Submit(ctx, async.SubmitRequest{Handler: "h", Queue: q})
		require.NoError(t, err)
	}

	rec := do(t, s, http.MethodGet, "/api/pulse/jobs?queue=mail&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[ListJobsResponse](t, rec)
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasMore)

	rec = do(t, s, http.MethodGet, "/api/pulse/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobDependencies(t *testing.T) {
	s, sched := newTestServer(t)
	first, err := sched.Submit(context.Background(), async.SubmitRequest{Handler: "extract"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/pulse/jobs", map[string]interface{}{
		"handler":    "load",
		"depends_on": []map[string]string{{"depends_on": first.ID, "kind": "on_completion"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decode[async.Job](t, rec)

	rec = do(t, s, http.MethodGet, "/api/pulse/jobs/"+second.ID+"/dependencies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deps := decode[struct {
		Dependencies []async.Dependency `json:"dependencies"`
	}](t, rec)
	require.Len(t, deps.Dependencies, 1)
	assert.Equal(t, first.ID, deps.Dependencies[0].DependsOn)
	assert.Equal(t, async.OnCompletion, deps.Dependencies[0].Kind)
}

func TestCancelRetryRerun(t *testing.T) {
	s, sched := newTestServer(t)
	job, err := sched.Submit(context.Background(), async.SubmitRequest{Handler: "h"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/pulse/jobs/"+job.ID+"/cancel", CancelRequest{Reason: "operator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, async.JobStatusCancelled, decode[async.Job](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/api/pulse/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelling twice conflicts")

	rec = do(t, s, http.MethodPost, "/api/pulse/jobs/"+job.ID+"/rerun", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rerun := decode[async.Job](t, rec)
	assert.NotEqual(t, job.ID, rerun.ID)

	rec = do(t, s, http.MethodPost, "/api/pulse/jobs/"+job.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[async.Job](t, rec).Status.IsTerminal())
}

func TestQueueActions(t *testing.T) {
	s, sched := newTestServer(t)
	require.NoError(t, sched.SyncQueues(context.Background(), []async.QueueSpec{{Name: "mail", MaxConcurrentJobs: 2}}))

	rec := do(t, s, http.MethodPost, "/api/pulse/queues/mail/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, async.QueuePaused, decode[async.Queue](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/api/pulse/queues/mail/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, async.QueueActive, decode[async.Queue](t, rec).Status)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/pulse/queues/mail/explode", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/pulse/queues/ghost/pause", nil).Code)

	rec = do(t, s, http.MethodGet, "/api/pulse/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Queues []async.QueueStats `json:"queues"`
	}](t, rec)
	var names []string
	for _, q := range list.Queues {
		names = append(names, q.Name)
	}
	assert.Contains(t, names, "mail")
}

func TestScheduleLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/pulse/schedules", map[string]interface{}{
		"name":             "sync",
		"handler":          "crm.sync",
		"kind":             "interval",
		"interval_minutes": 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sched := decode[schedule.Schedule](t, rec)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextScheduledRun)

	rec = do(t, s, http.MethodPatch, "/api/pulse/schedules/"+sched.ID, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[schedule.Schedule](t, rec).Enabled)

	rec = do(t, s, http.MethodPatch, "/api/pulse/schedules/"+sched.ID, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/pulse/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rec)["count"])

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/pulse/schedules/"+sched.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/pulse/schedules/"+sched.ID, nil).Code)
}

func TestCreateScheduleValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/pulse/schedules", map[string]interface{}{
		"handler":     "h",
		"kind":        "weekly",
		"run_on_days": "mon,funday",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/pulse/schedules", map[string]interface{}{
		"handler":    "h",
		"kind":       "daily",
		"start_date": "08/03/2025",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/pulse/schedules", map[string]interface{}{
		"template": "missing",
		"kind":     "interval",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitFromTemplate(t *testing.T) {
	s, sched := newTestServer(t)
	_, err := sched.Schedules().CreateTemplate(context.Background(), schedule.TemplateSpec{
		Name:    "digest",
		Handler: "mail.digest",
		Queue:   "mail",
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/pulse/templates/digest/jobs", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[async.Job](t, rec)
	assert.Equal(t, "mail.digest", job.Handler)
	assert.Equal(t, "mail", job.Queue)

	rec = do(t, s, http.MethodGet, "/api/pulse/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rec)["count"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/pulse/templates/nope/jobs", nil).Code)
}

func TestBulkEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/pulse/bulk", map[string]interface{}{
		"handler":  "mail.send",
		"payloads": []map[string]int{{"n": 1}, {"n": 2}, {"n": 3}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var req struct {
		ID     string `json:"id"`
		Total  int    `json:"total"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, 3, req.Total)
	assert.Equal(t, "pending", req.Status)

	rec = do(t, s, http.MethodGet, "/api/pulse/bulk/"+req.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/pulse/bulk?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/pulse/bulk?status=lost", nil).Code)

	rec = do(t, s, http.MethodPost, "/api/pulse/bulk/"+req.ID+"/cancel", CancelRequest{Reason: "typo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/pulse/bulk", map[string]interface{}{"handler": "mail.send"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no payloads")
}

func TestWorkersLocksAndMetrics(t *testing.T) {
	s, sched := newTestServer(t)
	_, err := sched.Submit(context.Background(), async.SubmitRequest{Handler: "reports.build"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/pulse/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[struct {
		ByStatus map[string]int `json:"by_status"`
		Total    int            `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[string(async.JobStatusPending)])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/pulse/workers", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/pulse/locks", nil).Code)

	rec = do(t, s, http.MethodGet, "/api/pulse/metrics/hourly?since=6h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/pulse/metrics/hourly?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/pulse/metrics/hourly?since=-1h", nil).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodDelete, "/api/pulse/jobs", nil).Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, "http://localhost")

	req := httptest.NewRequest(http.MethodOptions, "/api/pulse/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBearerAuth(t *testing.T) {
	tokens, err := auth.NewTokenManager("0123456789abcdef0123456789abcdef", clock.NewFake(epoch))
	require.NoError(t, err)
	s, _ := newTestServerWithOptions(t, Options{
		AllowedOrigins: []string{"http://localhost"},
		Tokens:         tokens,
	})
	writer, err := tokens.GenerateToken("deploy-bot", time.Hour, false)
	require.NoError(t, err)
	reader, err := tokens.GenerateToken("dashboard", time.Hour, true)
	require.NoError(t, err)

	// health and preflight stay open
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
	req := httptest.NewRequest(http.MethodOptions, "/api/pulse/jobs", nil)
	req.Header.Set("Origin", "http://localhost")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/pulse/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	body := map[string]interface{}{"handler": "reports.build"}
	assert.Equal(t, http.StatusForbidden,
		doWithToken(t, s, http.MethodPost, "/api/pulse/jobs", reader, body).Code)
	assert.Equal(t, http.StatusOK,
		doWithToken(t, s, http.MethodGet, "/api/pulse/jobs", reader, nil).Code)

	rec = doWithToken(t, s, http.MethodPost, "/api/pulse/jobs", writer, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[async.Job](t, rec)
	assert.Equal(t, "deploy-bot", job.CreatedBy)
}

func TestServeStopsWithContext(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}
