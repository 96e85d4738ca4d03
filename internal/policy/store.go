package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists policy records.
type Store interface {
	ListPolicies(ctx context.Context) ([]Record, error)
	UpsertPolicy(ctx context.Context, rec Record) error
	DeletePolicy(ctx context.Context, name string) error
}

// PostgresStore keeps records in the mcp_gate_policies table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createPoliciesTable = `
CREATE TABLE IF NOT EXISTS mcp_gate_policies (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	level       TEXT NOT NULL,
	settings    JSONB NOT NULL DEFAULT '{}'::jsonb,
	conditions  JSONB NOT NULL DEFAULT '{}'::jsonb,
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'active',
	expires_at  TIMESTAMPTZ,
	created_by  TEXT NOT NULL DEFAULT 'system',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createPoliciesTable); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

type policyRow struct {
	ID         string
	Name       string
	Level      string
	Settings   []byte // JSONB
	Conditions []byte // JSONB
	Priority   int
	Status     string
	ExpiresAt  sql.NullTime
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, level, settings, conditions, priority, status,
		       expires_at, created_by, created_at, updated_at
		FROM mcp_gate_policies
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("ListPolicies: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r policyRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Level, &r.Settings, &r.Conditions,
			&r.Priority, &r.Status, &r.ExpiresAt, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListPolicies: scan: %w", err)
		}
		rec, err := parsePolicyRow(&r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPolicies: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, rec Record) error {
	settings, err := json.Marshal(nonNilMap(rec.Settings))
	if err != nil {
		return fmt.Errorf("UpsertPolicy: settings: %w", err)
	}
	conditions, err := json.Marshal(nonNilMap(rec.Conditions))
	if err != nil {
		return fmt.Errorf("UpsertPolicy: conditions: %w", err)
	}
	var expiresAt sql.NullTime
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *rec.ExpiresAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_gate_policies
			(id, name, level, settings, conditions, priority, status,
			 expires_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			level      = EXCLUDED.level,
			settings   = EXCLUDED.settings,
			conditions = EXCLUDED.conditions,
			priority   = EXCLUDED.priority,
			status     = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			created_by = EXCLUDED.created_by,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Name, string(rec.Level), settings, conditions, rec.Priority,
		string(rec.Status), expiresAt, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("UpsertPolicy: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_gate_policies WHERE name = $1`, name); err != nil {
		return fmt.Errorf("DeletePolicy: %w", err)
	}
	return nil
}

func parsePolicyRow(row *policyRow) (Record, error) {
	rec := Record{
		ID:        row.ID,
		Name:      row.Name,
		Level:     Level(row.Level),
		Priority:  row.Priority,
		Status:    Status(row.Status),
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if !validLevels[rec.Level] {
		return Record{}, fmt.Errorf("parsePolicyRow: %s: unknown level %q", row.Name, row.Level)
	}
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, &rec.Settings); err != nil {
			return Record{}, fmt.Errorf("parsePolicyRow: settings: %w", err)
		}
	}
	if len(row.Conditions) > 0 && string(row.Conditions) != "{}" {
		if err := json.Unmarshal(row.Conditions, &rec.Conditions); err != nil {
			return Record{}, fmt.Errorf("parsePolicyRow: conditions: %w", err)
		}
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
