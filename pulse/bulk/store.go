package bulk

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/clock"
)

// MaxPayloads caps the payloads of one request.
const MaxPayloads = 100000

// Store persists bulk requests alongside the job tables.
type Store struct {
	jobs   *async.Store
	db     *sqlx.DB
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewStore creates a bulk store that shares the job store's database.
func NewStore(jobs *async.Store, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{
		jobs:   jobs,
		db:     jobs.DB(),
		clock:  jobs.Clock(),
		logger: log.Named("bulk"),
	}
}

// Jobs returns the job store requests expand into.
func (s *Store) Jobs() *async.Store { return s.jobs }

func (s *Store) now() time.Time {
	return s.clock.Now().Truncate(time.Millisecond)
}

// summaryColumns omits the payloads, which can be large.
const summaryColumns = `id, name, handler, queue, priority, max_retries, retry_delay_seconds, timeout_seconds,
	status, total, created, completed, failed, created_by, created_at, updated_at, completed_at`

type requestRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Handler           string         `db:"handler"`
	Queue             string         `db:"queue"`
	Payloads          sql.NullString `db:"payloads"`
	Priority          int            `db:"priority"`
	MaxRetries        int            `db:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	TimeoutSeconds    int            `db:"timeout_seconds"`
	Status            string         `db:"status"`
	Total             int            `db:"total"`
	Created           int            `db:"created"`
	Completed         int            `db:"completed"`
	Failed            int            `db:"failed"`
	CreatedBy         string         `db:"created_by"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
	CompletedAt       sql.NullInt64  `db:"completed_at"`
}

func (r *requestRow) toRequest() (*Request, error) {
	req := &Request{
		ID:                r.ID,
		Name:              r.Name,
		Handler:           r.Handler,
		Queue:             r.Queue,
		Priority:          async.Priority(r.Priority),
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		TimeoutSeconds:    r.TimeoutSeconds,
		Status:            Status(r.Status),
		Total:             r.Total,
		Created:           r.Created,
		Completed:         r.Completed,
		Failed:            r.Failed,
		CreatedBy:         r.CreatedBy,
		CreatedAt:         clock.FromMillis(r.CreatedAt),
		UpdatedAt:         clock.FromMillis(r.UpdatedAt),
	}
	if r.CompletedAt.Valid {
		t := clock.FromMillis(r.CompletedAt.Int64)
		req.CompletedAt = &t
	}
	if r.Payloads.Valid {
		if err := json.Unmarshal([]byte(r.Payloads.String), &req.Payloads); err != nil {
			return nil, errors.Wrapf(err, "failed to decode payloads of bulk request %s", r.ID)
		}
	}
	return req, nil
}

// Submit validates and stores a bulk request in Pending. The expander
// turns it into jobs. Resubmitting an existing ID returns the stored
// request untouched.
func (s *Store) Submit(ctx context.Context, spec Spec) (*Request, error) {
	req, err := s.newRequest(spec)
	if err != nil {
		return nil, err
	}
	payloads, err := json.Marshal(req.Payloads)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "payloads are not valid JSON"), errors.ErrInvalidRequest)
	}

	var out *Request
	err = s.jobs.WithTx(ctx, "submit bulk", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO bulk_requests (
				id, name, handler, queue, payloads, priority, max_retries, retry_delay_seconds, timeout_seconds,
				status, total, created, completed, failed, created_by, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			req.ID, req.Name, req.Handler, req.Queue, string(payloads), int(req.Priority),
			req.MaxRetries, req.RetryDelaySeconds, req.TimeoutSeconds,
			string(req.Status), req.Total, req.CreatedBy,
			clock.Millis(req.CreatedAt), clock.Millis(req.UpdatedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert bulk request %s", req.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if n == 0 {
			out, err = getRequest(ctx, tx, req.ID, false)
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) newRequest(spec Spec) (*Request, error) {
	if strings.TrimSpace(spec.Handler) == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "handler is required")
	}
	if len(spec.Payloads) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "bulk request needs at least one payload")
	}
	if len(spec.Payloads) > MaxPayloads {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "bulk request has %d payloads, limit is %d", len(spec.Payloads), MaxPayloads)
	}
	for i, p := range spec.Payloads {
		if len(p) == 0 || !json.Valid(p) {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "payload %d is not valid JSON", i)
		}
	}

	now := s.now()
	req := &Request{
		ID:                spec.ID,
		Name:              spec.Name,
		Handler:           spec.Handler,
		Queue:             spec.Queue,
		Payloads:          spec.Payloads,
		Priority:          spec.Priority,
		MaxRetries:        async.DefaultMaxRetries,
		RetryDelaySeconds: spec.RetryDelaySeconds,
		TimeoutSeconds:    spec.TimeoutSeconds,
		Status:            StatusPending,
		Total:             len(spec.Payloads),
		CreatedBy:         spec.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.ID == "" {
		req.ID = async.NewID()
	}
	if req.Name == "" {
		req.Name = req.Handler
	}
	if req.Queue == "" {
		req.Queue = async.DefaultQueue
	}
	if req.Priority == 0 {
		req.Priority = async.PriorityNormal
	}
	if req.Priority < async.PriorityLow || req.Priority > async.PriorityCritical {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d out of range", req.Priority)
	}
	if spec.MaxRetries != nil {
		req.MaxRetries = *spec.MaxRetries
	}
	if req.MaxRetries < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "max_retries must be >= 0, got %d", req.MaxRetries)
	}
	if req.RetryDelaySeconds <= 0 {
		req.RetryDelaySeconds = async.DefaultRetryDelaySeconds
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = async.DefaultTimeoutSeconds
	}
	return req, nil
}

// Get retrieves a bulk request without its payloads.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	return getRequest(ctx, s.db, id, false)
}

func getRequest(ctx context.Context, q sqlx.ExtContext, id string, withPayloads bool) (*Request, error) {
	cols := summaryColumns
	if withPayloads {
		cols += `, payloads`
	}
	var row requestRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+cols+` FROM bulk_requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "bulk request %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get bulk request")
	}
	return row.toRequest()
}

// List returns bulk requests, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 || limit > async.MaxListLimit {
		limit = async.MaxListLimit
	}
	query := `SELECT ` + summaryColumns + ` FROM bulk_requests`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return s.selectRequests(ctx, query, args...)
}

// pendingIDs returns requests that still have payloads to expand, oldest first.
func (s *Store) pendingIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM bulk_requests
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending bulk requests")
	}
	return ids, nil
}

func (s *Store) selectRequests(ctx context.Context, query string, args ...interface{}) ([]*Request, error) {
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list bulk requests")
	}
	out := make([]*Request, 0, len(rows))
	for i := range rows {
		req, err := rows[i].toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Cancel stops expansion and cancels the request's jobs that are still
// Pending. Jobs already running or finished are not touched. Returns the
// number of jobs cancelled.
func (s *Store) Cancel(ctx context.Context, id, reason string) (int, error) {
	if reason == "" {
		reason = "bulk request cancelled"
	}
	cancelled := 0
	err := s.jobs.WithTx(ctx, "cancel bulk", func(tx *sqlx.Tx) error {
		req, err := getRequest(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if req.Status == StatusCancelled {
			return errors.Wrapf(errors.ErrConflict, "bulk request %s is already cancelled", id)
		}

		cancelled, err = s.jobs.CancelBulkTx(ctx, tx, id, reason)
		if err != nil {
			return err
		}
		now := clock.Millis(s.now())
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE bulk_requests SET status = 'cancelled', completed_at = COALESCE(completed_at, ?), updated_at = ?
			WHERE id = ?`), now, now, id)
		if err != nil {
			return errors.Wrapf(err, "failed to cancel bulk request %s", id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Infow("Cancelled bulk request",
		logger.FieldBulkID, id,
		logger.FieldCount, cancelled,
	)
	return cancelled, nil
}
