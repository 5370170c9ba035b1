package schedule

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/internal/util"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/clock"
)

func newTestMaterializer(s *Store, emitted *[]*async.Job) *Materializer {
	return NewMaterializer(s, MaterializerConfig{}, func(j *async.Job) {
		*emitted = append(*emitted, j)
	}, zap.NewNop().Sugar())
}

func fireTimes(jobs []*async.Job) []string {
	var out []string
	for _, j := range jobs {
		out = append(out, j.FireAt.UTC().Format("15:04"))
	}
	sort.Strings(out)
	return out
}

func TestMaterializeWithinHorizon(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	sched := createSchedule(t, s, ScheduleSpec{
		Kind:            calendar.KindInterval,
		IntervalMinutes: 15,
		Queue:           "reports",
		Priority:        async.PriorityHigh,
		MaxRetries:      util.Ptr(1),
	})

	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "09:15 is beyond the 5 minute horizon")

	clk.Advance(11 * time.Minute)
	n, err = m.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, emitted, 1)

	job := emitted[0]
	assert.Equal(t, sched.ID, job.ScheduleID)
	assert.True(t, at(9, 15).Equal(*job.FireAt))
	assert.True(t, at(9, 15).Equal(*job.ScheduledAt))
	assert.Equal(t, async.JobStatusScheduled, job.Status)
	assert.Equal(t, "reports", job.Queue)
	assert.Equal(t, async.PriorityHigh, job.Priority)
	assert.Equal(t, 1, job.MaxRetries)
	assert.Equal(t, "schedule:"+sched.ID, job.CreatedBy)

	stored, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, at(9, 30).Equal(*stored.NextScheduledRun))

	// Not claimable before its fire instant.
	claims, err := s.Jobs().Claim(ctx, "reports", "w", 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestMaterializeTwiceYieldsOneJob(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	sched := createSchedule(t, s, ScheduleSpec{})
	clk.Advance(11 * time.Minute)
	_, err := m.Tick(ctx)
	require.NoError(t, err)

	// Rewind the cursor, as a second process that read the row before the
	// first committed would see it.
	_, err = s.db.Exec(s.db.Rebind(`UPDATE job_schedules SET next_scheduled_run = ? WHERE id = ?`),
		clock.Millis(at(9, 15)), sched.ID)
	require.NoError(t, err)

	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, scheduleJobs(t, s, sched.ID), 1)
	assert.Len(t, emitted, 1)
}

func TestMaterializeCatchesUpOneMissedFire(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	sched := createSchedule(t, s, ScheduleSpec{})

	// Down for two hours: seven fires were missed.
	clk.Advance(2*time.Hour + 11*time.Minute)
	_, err := m.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"09:15", "11:15"}, fireTimes(scheduleJobs(t, s, sched.ID)),
		"the oldest missed fire runs, then the grid resumes from now")

	stored, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, at(11, 30).Equal(*stored.NextScheduledRun))
}

func TestMaterializeDisablesAtEndDate(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	end := at(9, 20)
	sched := createSchedule(t, s, ScheduleSpec{EndDate: &end})

	clk.Advance(14 * time.Minute)
	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.NextScheduledRun)

	clk.Advance(time.Hour)
	n, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaterializeQueueStatus(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	_, err := s.Jobs().CreateQueue(ctx, async.QueueSpec{Name: "paused"})
	require.NoError(t, err)
	_, err = s.Jobs().SetQueueStatus(ctx, "paused", async.QueuePaused)
	require.NoError(t, err)
	_, err = s.Jobs().CreateQueue(ctx, async.QueueSpec{Name: "stopped"})
	require.NoError(t, err)
	_, err = s.Jobs().SetQueueStatus(ctx, "stopped", async.QueueStopped)
	require.NoError(t, err)

	paused := createSchedule(t, s, ScheduleSpec{Queue: "paused"})
	stopped := createSchedule(t, s, ScheduleSpec{Queue: "stopped"})

	clk.Advance(11 * time.Minute)
	_, err = m.Tick(ctx)
	require.NoError(t, err)

	assert.Len(t, scheduleJobs(t, s, paused.ID), 1, "paused queues keep materializing")
	assert.Empty(t, scheduleJobs(t, s, stopped.ID))

	got, err := s.GetSchedule(ctx, stopped.ID)
	require.NoError(t, err)
	assert.True(t, at(9, 30).Equal(*got.NextScheduledRun), "the skipped fire still advances the cursor")
}

func TestLastRunRecordedOnTerminalJob(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	var emitted []*async.Job
	m := newTestMaterializer(s, &emitted)

	sched := createSchedule(t, s, ScheduleSpec{DefaultPayload: json.RawMessage(`{"since":"last_run","full":true}`)})
	clk.Advance(11 * time.Minute)
	_, err := m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.JSONEq(t, `{"full":true}`, string(emitted[0].Payload), "first run has no since filter")

	clk.Advance(5 * time.Minute)
	claims, err := s.Jobs().Claim(ctx, async.DefaultQueue, "w", 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	_, err = s.Jobs().Complete(ctx, async.Outcome{
		JobID:       claims[0].Job.ID,
		ExecutionID: claims[0].ExecutionID,
		WorkerID:    claims[0].WorkerID,
		Duration:    time.Second,
	})
	require.NoError(t, err)

	stored, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.True(t, at(9, 16).Equal(*stored.LastRun))

	clk.Advance(10 * time.Minute)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, emitted, 2)
	assert.JSONEq(t, `{"since":"2025-03-08T09:16:00Z","full":true}`, string(emitted[1].Payload))
}

func TestResolvePayloadLastRun(t *testing.T) {
	m := NewMaterializer(nil, MaterializerConfig{}, nil, zap.NewNop().Sugar())
	last := at(8, 0)

	tests := []struct {
		name    string
		payload string
		lastRun *time.Time
		want    string
	}{
		{"no payload", "", &last, ""},
		{"no marker", `{"since":"yesterday"}`, &last, `{"since":"yesterday"}`},
		{"resolved", `{"since":"last_run"}`, &last, `{"since":"2025-03-08T08:00:00Z"}`},
		{"first run", `{"since":"last_run","n":1}`, nil, `{"n":1}`},
		{"not an object", `["last_run"]`, &last, `["last_run"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &Schedule{ID: "s", DefaultPayload: json.RawMessage(tt.payload), LastRun: tt.lastRun}
			got := m.resolvePayloadLastRun(sched)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMaterializerRunAndStats(t *testing.T) {
	s, clk := newTestStore(t)
	createSchedule(t, s, ScheduleSpec{})
	clk.Advance(11 * time.Minute)

	done := make(chan struct{})
	m := NewMaterializer(s, MaterializerConfig{Interval: time.Hour}, func(*async.Job) { close(done) }, zap.NewNop().Sugar())
	m.SetSystemMetrics(func() async.SystemMetrics { return async.SystemMetrics{WorkersTotal: 2} })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not materialize")
	}
	cancel()
	require.NoError(t, <-errc)

	stats := m.GetStats()
	assert.EqualValues(t, 1, stats["jobs_emitted"])
	assert.EqualValues(t, 1, stats["ticks_since_start"])
	assert.Equal(t, "5m0s", stats["horizon"])
}
