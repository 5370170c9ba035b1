package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pulsedtest "github.com/teranos/pulsed/internal/testing"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/calendar"
	"github.com/teranos/pulsed/pulse/clock"
)

// epoch is a Saturday.
var epoch = time.Date(2025, time.March, 8, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	jobs := async.NewStore(pulsedtest.CreateTestDB(t), async.StoreConfig{
		Clock:  clk,
		Policy: async.NewRetryPolicy(42),
	}, zap.NewNop().Sugar())
	return NewStore(jobs, zap.NewNop().Sugar()), clk
}

func createSchedule(t *testing.T, s *Store, spec ScheduleSpec) *Schedule {
	t.Helper()
	if spec.Handler == "" && spec.TemplateID == "" {
		spec.Handler = "reports.build"
	}
	if spec.Kind == "" {
		spec.Kind = calendar.KindInterval
		spec.IntervalMinutes = 15
	}
	sched, err := s.CreateSchedule(context.Background(), spec)
	require.NoError(t, err)
	return sched
}

func scheduleJobs(t *testing.T, s *Store, scheduleID string) []*async.Job {
	t.Helper()
	jobs, _, err := s.Jobs().ListJobs(context.Background(), async.ListFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	return jobs
}

func at(hour, minute int) time.Time {
	return time.Date(epoch.Year(), epoch.Month(), epoch.Day(), hour, minute, 0, 0, time.UTC)
}

