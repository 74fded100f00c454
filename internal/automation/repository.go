package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for rule persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Upsert(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

// ruleColumns is the SELECT column list for rule queries.
const ruleColumns = `id, name, trigger_def, condition_def, action_def, enabled,
			level_triggered, created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get retrieves a rule by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// Upsert inserts or replaces a rule. created_at of an existing row is kept.
func (r *SQLiteRepository) Upsert(ctx context.Context, rule *Rule) error {
	triggerJSON, err := json.Marshal(rule.Trigger)
	if err != nil {
		return fmt.Errorf("marshalling trigger: %w", err)
	}
	actionJSON, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("marshalling action: %w", err)
	}
	var conditionJSON []byte
	if rule.Condition != nil {
		if conditionJSON, err = json.Marshal(rule.Condition); err != nil {
			return fmt.Errorf("marshalling condition: %w", err)
		}
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_rules (
			id, name, trigger_def, condition_def, action_def, enabled,
			level_triggered, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			trigger_def = excluded.trigger_def,
			condition_def = excluded.condition_def,
			action_def = excluded.action_def,
			enabled = excluded.enabled,
			level_triggered = excluded.level_triggered,
			updated_at = excluded.updated_at`,
		rule.ID,
		rule.Name,
		string(triggerJSON),
		string(conditionJSON),
		string(actionJSON),
		boolToInt(rule.Enabled),
		boolToInt(rule.LevelTriggered),
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting rule: %w", err)
	}
	return nil
}

// Delete removes a rule by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var (
		rule                                   Rule
		triggerJSON, conditionJSON, actionJSON string
		enabled, levelTriggered                int
		createdAt, updatedAt                   string
	)
	err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&triggerJSON,
		&conditionJSON,
		&actionJSON,
		&enabled,
		&levelTriggered,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(triggerJSON), &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger of %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &rule.Action); err != nil {
		return nil, fmt.Errorf("unmarshalling action of %s: %w", rule.ID, err)
	}
	if conditionJSON != "" {
		var c Condition
		if err := json.Unmarshal([]byte(conditionJSON), &c); err != nil {
			return nil, fmt.Errorf("unmarshalling condition of %s: %w", rule.ID, err)
		}
		rule.Condition = &c
	}
	rule.Enabled = enabled != 0
	rule.LevelTriggered = levelTriggered != 0

	if rule.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", rule.ID, err)
	}
	if rule.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at of %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
