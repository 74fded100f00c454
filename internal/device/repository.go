package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists device identity across restarts.
type Repository interface {
	// Upsert inserts or updates a device record. Only identity, last-seen
	// and the merged status fields are stored.
	Upsert(ctx context.Context, rec Record) error

	// List returns all stored records in first-seen order.
	List(ctx context.Context) ([]Record, error)

	// Delete removes a record. Returns ErrDeviceNotFound if absent.
	Delete(ctx context.Context, id string) error
}

// storedTimeLayout is fixed-width so stored timestamps compare correctly
// as text.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository implements Repository on the device_records table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert writes rec. last_seen never moves backwards in storage either.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDevice)
	}

	extra := rec.LastStatus
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshalling status: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_records (id, type, location, firmware_version, last_seen, extra)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			location = excluded.location,
			firmware_version = excluded.firmware_version,
			last_seen = MAX(device_records.last_seen, excluded.last_seen),
			extra = excluded.extra`,
		rec.ID,
		rec.Type,
		rec.Location,
		rec.FirmwareVersion,
		rec.LastSeen.UTC().Format(storedTimeLayout),
		string(extraJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting device record: %w", err)
	}
	return nil
}

// List returns every stored record.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, location, firmware_version, last_seen, extra
		FROM device_records
		ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying device records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			lastSeen  string
			extraJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Location, &rec.FirmwareVersion, &lastSeen, &extraJSON); err != nil {
			return nil, fmt.Errorf("scanning device record: %w", err)
		}
		if rec.LastSeen, err = time.Parse(storedTimeLayout, lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen for %s: %w", rec.ID, err)
		}
		if extraJSON != "" && extraJSON != "{}" {
			if err := json.Unmarshal([]byte(extraJSON), &rec.LastStatus); err != nil {
				return nil, fmt.Errorf("unmarshalling status for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device records: %w", err)
	}
	return out, nil
}

// Delete removes a record.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM device_records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
