// Package ledger persists a bounded, most-recent-first log of forwarded
// requests to SQLite, including extracted token usage where available.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Usage holds token counts extracted from an upstream response body.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
}

// Entry is one logged request/response pair.
type Entry struct {
	ID           string
	Timestamp    time.Time
	Service      string
	Method       string
	Path         string
	StatusCode   int
	DurationMs   int64
	ErrorMessage *string
	Channel      *string
	TargetURL    *string
	RequestBody  *string
	ResponseBody *string
	Usage        *Usage
}

// Query narrows a listing by service family and supports offset pagination.
type Query struct {
	Service string
	Limit   int
	Offset  int
}

// UsagePeriod aggregates ledger entries over a rolling time window.
type UsagePeriod struct {
	Label            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ModelUsageRow aggregates ledger entries for one model over the trailing 7 days.
type ModelUsageRow struct {
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Ledger is a SQLite-backed, bounded request log. Each entry records its
// service family; cmd/pafd opens a separate Ledger per family.
type Ledger struct {
	mu      sync.Mutex
	db      *sql.DB
	maxRows int
}

// Open creates or opens the SQLite database at path and applies the schema.
func Open(path string, maxRows int) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	return &Ledger{db: db, maxRows: maxRows}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// SetMaxRows adjusts the retention bound applied on the next insert.
func (l *Ledger) SetMaxRows(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxRows = n
}

// Insert records e, then — within the same critical section — trims the
// oldest rows past the retention bound, matching the teacher's
// insert-then-maintain_log_limit ordering.
func (l *Ledger) Insert(ctx context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var promptTokens, completionTokens, totalTokens *int64
	var model *string
	if e.Usage != nil {
		promptTokens = &e.Usage.PromptTokens
		completionTokens = &e.Usage.CompletionTokens
		totalTokens = &e.Usage.TotalTokens
		model = &e.Usage.Model
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO request_log (
			id, timestamp, service, method, path, status_code, duration_ms,
			error_message, channel, target_url, request_body, response_body,
			prompt_tokens, completion_tokens, total_tokens, model
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339), e.Service, e.Method, e.Path,
		e.StatusCode, e.DurationMs, e.ErrorMessage, e.Channel, e.TargetURL,
		e.RequestBody, e.ResponseBody, promptTokens, completionTokens, totalTokens, model)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}

	return l.maintainLimitLocked(ctx)
}

func (l *Ledger) maintainLimitLocked(ctx context.Context) error {
	if l.maxRows <= 0 {
		return nil
	}

	var count int64
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_log").Scan(&count); err != nil {
		return fmt.Errorf("ledger: count: %w", err)
	}

	toDelete := count - int64(l.maxRows)
	if toDelete <= 0 {
		return nil
	}

	_, err := l.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE id IN (
			SELECT id FROM request_log ORDER BY timestamp ASC LIMIT ?
		)`, toDelete)
	if err != nil {
		return fmt.Errorf("ledger: trim: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes every row timestamped before cutoff, used by the
// background log-purge loop independently of the row-count bound.
func (l *Ledger) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, "DELETE FROM request_log WHERE timestamp < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return res.RowsAffected()
}

// List returns entries matching q, most-recent-first, plus the total count
// ignoring pagination.
func (l *Ledger) List(ctx context.Context, q Query) ([]*Entry, int64, error) {
	where := "1=1"
	var args []interface{}
	if q.Service != "" {
		where += " AND service = ?"
		args = append(args, q.Service)
	}

	var total int64
	if err := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: count: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := append(append([]interface{}{}, args...), limit, q.Offset)

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, timestamp, service, method, path, status_code, duration_ms,
			error_message, channel, target_url, request_body, response_body,
			prompt_tokens, completion_tokens, total_tokens, model
		FROM request_log WHERE %s ORDER BY timestamp DESC LIMIT ? OFFSET ?`, where), fetchArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Get returns a single entry by id, or nil if absent.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, timestamp, service, method, path, status_code, duration_ms,
			error_message, channel, target_url, request_body, response_body,
			prompt_tokens, completion_tokens, total_tokens, model
		FROM request_log WHERE id = ?`, id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return e, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	e := &Entry{}
	var ts string
	var promptTokens, completionTokens, totalTokens sql.NullInt64
	var model sql.NullString

	if err := row.Scan(&e.ID, &ts, &e.Service, &e.Method, &e.Path, &e.StatusCode, &e.DurationMs,
		&e.ErrorMessage, &e.Channel, &e.TargetURL, &e.RequestBody, &e.ResponseBody,
		&promptTokens, &completionTokens, &totalTokens, &model); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		parsed = time.Now().UTC()
	}
	e.Timestamp = parsed

	if promptTokens.Valid && completionTokens.Valid && totalTokens.Valid && model.Valid {
		e.Usage = &Usage{
			PromptTokens:     promptTokens.Int64,
			CompletionTokens: completionTokens.Int64,
			TotalTokens:      totalTokens.Int64,
			Model:            model.String,
		}
	}
	return e, nil
}

// UsagePeriods returns request/token rollups for today, yesterday, 3d, 7d and
// 30d windows, optionally filtered to one service family.
func (l *Ledger) UsagePeriods(ctx context.Context, service string) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	periods := []struct {
		label string
		since time.Time
		until time.Time
	}{
		{"today", todayStart, time.Time{}},
		{"yesterday", yesterdayStart, todayStart},
		{"3 days", now.Add(-3 * 24 * time.Hour), time.Time{}},
		{"7 days", now.Add(-7 * 24 * time.Hour), time.Time{}},
		{"30 days", now.Add(-30 * 24 * time.Hour), time.Time{}},
	}

	out := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		// A zero until leaves the window open-ended, so rows stamped in the
		// current second (timestamps have second precision) are counted.
		where := "timestamp >= ?"
		args := []interface{}{p.since.Format(time.RFC3339)}
		if !p.until.IsZero() {
			where += " AND timestamp < ?"
			args = append(args, p.until.Format(time.RFC3339))
		}
		if service != "" {
			where += " AND service = ?"
			args = append(args, service)
		}

		up := UsagePeriod{Label: p.label}
		row := l.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(prompt_tokens),0),
				COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0)
			FROM request_log WHERE %s`, where), args...)
		if err := row.Scan(&up.Requests, &up.PromptTokens, &up.CompletionTokens, &up.TotalTokens); err != nil {
			return nil, fmt.Errorf("ledger: usage period %s: %w", p.label, err)
		}
		out = append(out, up)
	}
	return out, nil
}

// ModelUsage returns per-model usage for the trailing 7 days, optionally
// filtered to one service family, ordered by total tokens descending.
func (l *Ledger) ModelUsage(ctx context.Context, service string) ([]ModelUsageRow, error) {
	since := time.Now().UTC().Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	where := "timestamp >= ? AND model IS NOT NULL"
	args := []interface{}{since}
	if service != "" {
		where += " AND service = ?"
		args = append(args, service)
	}

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT model, COUNT(*), COALESCE(SUM(prompt_tokens),0),
			COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM request_log WHERE %s GROUP BY model ORDER BY SUM(total_tokens) DESC`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: model usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsageRow
	for rows.Next() {
		var m ModelUsageRow
		if err := rows.Scan(&m.Model, &m.Requests, &m.PromptTokens, &m.CompletionTokens, &m.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
