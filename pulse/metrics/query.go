package metrics

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

// Hour is one stored rollup row.
type Hour struct {
	Date           string    `db:"date" json:"date"`
	Hour           int       `db:"hour" json:"hour"`
	Queue          string    `db:"queue" json:"queue"`
	Submitted      int64     `db:"submitted" json:"submitted"`
	Completed      int64     `db:"completed" json:"completed"`
	Failed         int64     `db:"failed" json:"failed"`
	TimedOut       int64     `db:"timed_out" json:"timed_out"`
	TotalWaitMS    float64   `db:"total_wait_ms" json:"total_wait_ms"`
	TotalProcessMS float64   `db:"total_process_ms" json:"total_process_ms"`
	AvgWaitMS      float64   `db:"avg_wait_ms" json:"avg_wait_ms"`
	AvgProcessMS   float64   `db:"avg_process_ms" json:"avg_process_ms"`
	UpdatedAtMS    int64     `db:"updated_at" json:"-"`
	UpdatedAt      time.Time `db:"-" json:"updated_at"`
}

// Start is the beginning of the hour the row covers, in UTC.
func (h *Hour) Start() time.Time {
	d, err := time.Parse(time.DateOnly, h.Date)
	if err != nil {
		return time.Time{}
	}
	return d.Add(time.Duration(h.Hour) * time.Hour)
}

// SuccessRate is completed over finished, or 0 when nothing finished.
func (h *Hour) SuccessRate() float64 {
	finished := h.Completed + h.Failed + h.TimedOut
	if finished == 0 {
		return 0
	}
	return float64(h.Completed) / float64(finished)
}

// Hourly returns rows for hours starting at or after since, oldest first.
// An empty queue returns every queue.
func Hourly(ctx context.Context, db *sqlx.DB, since time.Time, queue string) ([]Hour, error) {
	since = since.UTC().Truncate(time.Hour)
	sinceDate := since.Format(time.DateOnly)

	query := `SELECT date, hour, queue, submitted, completed, failed, timed_out,
			total_wait_ms, total_process_ms, avg_wait_ms, avg_process_ms, updated_at
		FROM job_metrics
		WHERE (date > ? OR (date = ? AND hour >= ?))`
	args := []interface{}{sinceDate, sinceDate, since.Hour()}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY date, hour, queue`

	var rows []Hour
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to query job metrics")
	}
	for i := range rows {
		rows[i].UpdatedAt = clock.FromMillis(rows[i].UpdatedAtMS)
	}
	return rows, nil
}
