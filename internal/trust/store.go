package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store persists trust records.
type Store interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
}

// Dialect selects placeholder syntax for SQLStore.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore keeps records in the mcp_server_trust table. It works against
// Postgres (pgx stdlib driver) and SQLite (modernc driver).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const createTrustTable = `
CREATE TABLE IF NOT EXISTS mcp_server_trust (
	server_id       TEXT PRIMARY KEY,
	trust_level     TEXT NOT NULL,
	whitelist_tools TEXT NOT NULL DEFAULT '[]',
	blacklist_tools TEXT NOT NULL DEFAULT '[]',
	user_granted    BOOLEAN NOT NULL DEFAULT FALSE,
	auto_granted    BOOLEAN NOT NULL DEFAULT FALSE,
	granted_by      TEXT NOT NULL DEFAULT '',
	expires_at      BIGINT,
	updated_at      BIGINT NOT NULL
)`

// EnsureSchema creates the table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTrustTable); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, trust_level, whitelist_tools, blacklist_tools,
		       user_granted, auto_granted, granted_by, expires_at, updated_at
		FROM mcp_server_trust
		ORDER BY server_id
	`)
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                   Record
			level, white, black string
			expiresAt           sql.NullInt64
			updatedAt           int64
		)
		if err := rows.Scan(&r.ServerID, &level, &white, &black,
			&r.UserGranted, &r.AutoGranted, &r.GrantedBy, &expiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("LoadAll: scan: %w", err)
		}
		if r.Level, err = ParseLevel(level); err != nil {
			return nil, fmt.Errorf("LoadAll: %s: %w", r.ServerID, err)
		}
		if err := json.Unmarshal([]byte(white), &r.WhitelistTools); err != nil {
			return nil, fmt.Errorf("LoadAll: %s: whitelist_tools: %w", r.ServerID, err)
		}
		if err := json.Unmarshal([]byte(black), &r.BlacklistTools); err != nil {
			return nil, fmt.Errorf("LoadAll: %s: blacklist_tools: %w", r.ServerID, err)
		}
		if expiresAt.Valid {
			t := time.Unix(0, expiresAt.Int64).UTC()
			r.ExpiresAt = &t
		}
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	white, err := json.Marshal(nonNil(rec.WhitelistTools))
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	black, err := json.Marshal(nonNil(rec.BlacklistTools))
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	var expiresAt sql.NullInt64
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: rec.ExpiresAt.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mcp_server_trust
			(server_id, trust_level, whitelist_tools, blacklist_tools,
			 user_granted, auto_granted, granted_by, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			trust_level = excluded.trust_level,
			whitelist_tools = excluded.whitelist_tools,
			blacklist_tools = excluded.blacklist_tools,
			user_granted = excluded.user_granted,
			auto_granted = excluded.auto_granted,
			granted_by = excluded.granted_by,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), rec.ServerID, string(rec.Level), string(white), string(black),
		rec.UserGranted, rec.AutoGranted, rec.GrantedBy, expiresAt, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
