package alert

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository persists alert history.
type Repository interface {
	Insert(ctx context.Context, ev Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// Prune deletes events fired before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository implements Repository on the alert_history table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores an event. Re-inserting the same ID is a no-op.
func (r *SQLiteRepository) Insert(ctx context.Context, ev Event) error {
	var value sql.NullFloat64
	if ev.Value != nil {
		value = sql.NullFloat64{Float64: *ev.Value, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_history (id, rule_id, device_id, metric, level, message, value, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.RuleID, ev.DeviceID, ev.Metric, ev.Level, ev.Message, value, ev.Source,
		ev.FiredAt.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// Recent returns the newest stored events.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLogSize
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, device_id, metric, level, message, value, source, created_at
		FROM alert_history
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			value   sql.NullFloat64
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.RuleID, &ev.DeviceID, &ev.Metric, &ev.Level, &ev.Message, &value, &ev.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		if value.Valid {
			v := value.Float64
			ev.Value = &v
		}
		if ev.FiredAt, err = time.Parse(storedTimeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return out, nil
}

// Prune deletes events fired before cutoff.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM alert_history WHERE created_at < ?`,
		cutoff.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	return n, nil
}
