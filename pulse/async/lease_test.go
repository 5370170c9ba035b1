package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

func TestRenewerGivesUpWithinLease(t *testing.T) {
	clk := clock.NewFake(epoch)
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := NewStore(sqlx.NewDb(conn, "sqlite3"), StoreConfig{Clock: clk}, zap.NewNop().Sugar())
	for i := 0; i < maxRenewFailures; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("disk image is malformed"))
	}

	claim := detachedClaim("test.noop")
	var cancelled atomic.Bool
	r := newRenewer(s, claim, &JobContext{Job: claim.Job}, func() { cancelled.Store(true) }, zap.NewNop().Sugar())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan struct{})
	go func() {
		r.run(ctx)
		close(done)
	}()

	// First renewal at half the lease, then quick retries.
	steps := []time.Duration{claim.Lease / 2, storeRetryBackoff, 2 * storeRetryBackoff}
	var elapsed time.Duration
	for _, step := range steps {
		require.Eventually(t, func() bool { return clk.Waiters() == 1 }, 2*time.Second, time.Millisecond)
		clk.Advance(step)
		elapsed += step
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("renewer did not stop")
	}
	assert.True(t, r.lost.Load())
	assert.True(t, cancelled.Load(), "handler is cancelled")
	assert.Less(t, elapsed, claim.Lease, "lease is given up before it expires")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewerRecoversAfterFailure(t *testing.T) {
	clk := clock.NewFake(epoch)
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := NewStore(sqlx.NewDb(conn, "sqlite3"), StoreConfig{Clock: clk}, zap.NewNop().Sugar())

	claim := detachedClaim("test.noop")
	mock.ExpectBegin().WillReturnError(errors.New("disk image is malformed"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET expires_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE job_locks SET expires_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT cancel_requested").WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}).AddRow(0))
	mock.ExpectCommit()

	r := newRenewer(s, claim, &JobContext{Job: claim.Job}, func() {}, zap.NewNop().Sugar())
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.run(ctx)

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, 2*time.Second, time.Millisecond)
	clk.Advance(claim.Lease / 2)
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, 2*time.Second, time.Millisecond)
	clk.Advance(storeRetryBackoff)

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, 2*time.Second, time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, r.lost.Load())
}
