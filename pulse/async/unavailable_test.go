package async

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewStore(sqlx.NewDb(conn, "sqlite3"), StoreConfig{}, zap.NewNop().Sugar()), mock
}

func TestBusyStoreSurfacesAsUnavailable(t *testing.T) {
	s, mock := newMockStore(t)
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	for i := 0; i < storeRetryAttempts; i++ {
		mock.ExpectBegin().WillReturnError(busy)
	}

	_, err := s.Submit(context.Background(), SubmitRequest{Handler: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, IsStoreUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet(), "every attempt began a transaction")
}

func TestBusyStoreRecovers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(sqlite3.Error{Code: sqlite3.ErrLocked})
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE job_workers SET status = 'stopped'").
		WithArgs(sqlmock.AnyArg(), "worker-x").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.StopWorker(context.Background(), "worker-x"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermanentStoreErrorIsNotRetried(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk image is malformed"))

	_, err := s.Cancel(context.Background(), "job", "")
	require.Error(t, err)
	assert.False(t, IsStoreUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
