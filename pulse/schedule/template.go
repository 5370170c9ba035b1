package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/async"
	"github.com/teranos/pulsed/pulse/clock"
)

const templateColumns = `id, name, description, handler, default_payload, queue, priority,
	timeout_seconds, max_retries, retry_delay_seconds, tags, created_at, updated_at`

type templateRow struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	Handler           string         `db:"handler"`
	DefaultPayload    sql.NullString `db:"default_payload"`
	Queue             string         `db:"queue"`
	Priority          int            `db:"priority"`
	TimeoutSeconds    int            `db:"timeout_seconds"`
	MaxRetries        int            `db:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	Tags              string         `db:"tags"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r *templateRow) toTemplate() *Template {
	t := &Template{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		Handler:           r.Handler,
		Queue:             r.Queue,
		Priority:          async.Priority(r.Priority),
		TimeoutSeconds:    r.TimeoutSeconds,
		MaxRetries:        r.MaxRetries,
		RetryDelaySeconds: r.RetryDelaySeconds,
		CreatedAt:         clock.FromMillis(r.CreatedAt),
		UpdatedAt:         clock.FromMillis(r.UpdatedAt),
	}
	if r.DefaultPayload.Valid {
		t.DefaultPayload = json.RawMessage(r.DefaultPayload.String)
	}
	if r.Tags != "" {
		t.Tags = strings.Split(r.Tags, ",")
	}
	return t
}

// CreateTemplate stores a named set of job defaults. Names are unique.
func (s *Store) CreateTemplate(ctx context.Context, spec TemplateSpec) (*Template, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "template name is required")
	}
	if strings.TrimSpace(spec.Handler) == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "handler is required")
	}
	if len(spec.DefaultPayload) > 0 && !json.Valid(spec.DefaultPayload) {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "default payload is not valid JSON")
	}

	now := s.now()
	t := &Template{
		ID:                async.NewID(),
		Name:              name,
		Description:       spec.Description,
		Handler:           spec.Handler,
		DefaultPayload:    spec.DefaultPayload,
		Queue:             spec.Queue,
		Priority:          spec.Priority,
		TimeoutSeconds:    spec.TimeoutSeconds,
		MaxRetries:        async.DefaultMaxRetries,
		RetryDelaySeconds: spec.RetryDelaySeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, tag := range spec.Tags {
		if tag = strings.TrimSpace(tag); tag != "" && !strings.Contains(tag, ",") {
			t.Tags = append(t.Tags, tag)
		}
	}
	if t.Queue == "" {
		t.Queue = async.DefaultQueue
	}
	if t.Priority == 0 {
		t.Priority = async.PriorityNormal
	}
	if t.Priority < async.PriorityLow || t.Priority > async.PriorityCritical {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d out of range", t.Priority)
	}
	if spec.MaxRetries != nil {
		t.MaxRetries = *spec.MaxRetries
	}
	if t.MaxRetries < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "max_retries must be >= 0, got %d", t.MaxRetries)
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = async.DefaultTimeoutSeconds
	}
	if t.RetryDelaySeconds <= 0 {
		t.RetryDelaySeconds = async.DefaultRetryDelaySeconds
	}

	err := s.jobs.WithTx(ctx, "create template", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO job_templates (`+templateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO NOTHING`),
			t.ID, t.Name, t.Description, t.Handler,
			sql.NullString{String: string(t.DefaultPayload), Valid: len(t.DefaultPayload) > 0},
			t.Queue, int(t.Priority), t.TimeoutSeconds, t.MaxRetries, t.RetryDelaySeconds,
			strings.Join(t.Tags, ","), clock.Millis(t.CreatedAt), clock.Millis(t.UpdatedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert template %s", t.Name)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if n == 0 {
			return errors.Wrapf(errors.ErrConflict, "template %s already exists", t.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTemplate retrieves a template by ID or name.
func (s *Store) GetTemplate(ctx context.Context, ref string) (*Template, error) {
	return getTemplate(ctx, s.db, ref)
}

func getTemplate(ctx context.Context, q sqlx.ExtContext, ref string) (*Template, error) {
	var row templateRow
	err := sqlx.GetContext(ctx, q, &row,
		q.Rebind(`SELECT `+templateColumns+` FROM job_templates WHERE id = ? OR name = ? LIMIT 1`), ref, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "template %s", ref)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get template")
	}
	return row.toTemplate(), nil
}

// ListTemplates returns every template ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+templateColumns+` FROM job_templates ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}
	out := make([]*Template, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTemplate())
	}
	return out, nil
}

// DeleteTemplate removes a template. Schedules that referenced it keep the
// job fields they copied at creation.
func (s *Store) DeleteTemplate(ctx context.Context, ref string) error {
	return s.jobs.WithTx(ctx, "delete template", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_templates WHERE id = ? OR name = ?`), ref, ref)
		if err != nil {
			return errors.Wrapf(err, "failed to delete template %s", ref)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if n == 0 {
			return errors.Wrapf(errors.ErrNotFound, "template %s", ref)
		}
		return nil
	})
}

// SubmitFromTemplate submits a job whose unset fields come from the
// template. Tags are merged; an override payload replaces the default.
func (s *Store) SubmitFromTemplate(ctx context.Context, ref string, overrides async.SubmitRequest) (*async.Job, error) {
	t, err := s.GetTemplate(ctx, ref)
	if err != nil {
		return nil, err
	}

	req := overrides
	req.TemplateID = t.ID
	if req.Handler == "" {
		req.Handler = t.Handler
	}
	if req.Name == "" {
		req.Name = t.Name
	}
	if len(req.Payload) == 0 {
		req.Payload = t.DefaultPayload
	}
	if req.Queue == "" {
		req.Queue = t.Queue
	}
	if req.Priority == 0 {
		req.Priority = t.Priority
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = t.TimeoutSeconds
	}
	if req.RetryDelaySeconds == 0 {
		req.RetryDelaySeconds = t.RetryDelaySeconds
	}
	if req.MaxRetries == nil {
		n := t.MaxRetries
		req.MaxRetries = &n
	}
	req.Tags = append(append([]string(nil), t.Tags...), overrides.Tags...)

	return s.jobs.Submit(ctx, req)
}
