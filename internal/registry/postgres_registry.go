package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, serverID, toolName string) (*toolRow, error)
}

type toolRow struct {
	ID               string
	ServerID         string
	ToolName         string
	Description      sql.NullString
	ArgumentSchema   sql.NullString // JSONB
	StrictMode       bool
	BlockOnSuspicion bool
	AllowedPaths     string // JSONB array
	AllowedSchemes   string // JSONB array
}

const createToolsTableSQL = `
	CREATE TABLE IF NOT EXISTS mcp_gate_tool_definitions (
		id                 TEXT PRIMARY KEY,
		server_id          TEXT NOT NULL,
		tool_name          TEXT NOT NULL,
		description        TEXT,
		argument_schema    JSONB,
		strict_mode        BOOLEAN NOT NULL DEFAULT false,
		block_on_suspicion BOOLEAN NOT NULL DEFAULT false,
		allowed_paths      JSONB NOT NULL DEFAULT '[]',
		allowed_schemes    JSONB NOT NULL DEFAULT '[]',
		UNIQUE (server_id, tool_name)
	)
`

type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) LookupTool(ctx context.Context, serverID, toolName string) (*toolRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, tool_name, description, argument_schema,
		       strict_mode, block_on_suspicion, allowed_paths, allowed_schemes
		FROM mcp_gate_tool_definitions
		WHERE server_id = $1 AND tool_name = $2
	`, serverID, toolName)

	var r toolRow
	if err := row.Scan(
		&r.ID, &r.ServerID, &r.ToolName, &r.Description, &r.ArgumentSchema,
		&r.StrictMode, &r.BlockOnSuspicion, &r.AllowedPaths, &r.AllowedSchemes,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// EnsureSchema creates the tool definition table if it is missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createToolsTableSQL); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

// PostgresToolRegistry reads tool definitions from Postgres through a cache.
type PostgresToolRegistry struct {
	store  ToolStore
	cache  *ToolCache
	logger *zap.Logger
}

// PostgresToolRegistryConfig configures the PostgresToolRegistry.
type PostgresToolRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresToolRegistry(cfg PostgresToolRegistryConfig) *PostgresToolRegistry {
	return newPostgresToolRegistryWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresToolRegistryWithStore creates a registry with a custom store (for testing).
func newPostgresToolRegistryWithStore(store ToolStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresToolRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	return &PostgresToolRegistry{
		store:  store,
		cache:  NewToolCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresToolRegistry) GetTool(ctx context.Context, serverID, toolName string) (*ToolDefinition, error) {
	cached := r.cache.Get(serverID, toolName)
	if cached.Hit {
		if cached.NeedsRefresh {
			go r.refreshInBackground(serverID, toolName)
		}
		return cached.Tool, nil
	}

	td, err := r.fetch(ctx, serverID, toolName)
	if err != nil {
		return nil, fmt.Errorf("GetTool: %w", err)
	}
	r.cache.Set(serverID, toolName, td)
	return td, nil
}

// fetch returns nil, nil for an unregistered tool.
func (r *PostgresToolRegistry) fetch(ctx context.Context, serverID, toolName string) (*ToolDefinition, error) {
	row, err := r.store.LookupTool(ctx, serverID, toolName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseToolRow(row)
}

func (r *PostgresToolRegistry) refreshInBackground(serverID, toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	td, err := r.fetch(ctx, serverID, toolName)
	if err != nil {
		r.logger.Warn("background tool registry refresh failed",
			zap.String("server_id", serverID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		r.cache.releaseRefresh(serverID, toolName)
		return
	}
	r.cache.Set(serverID, toolName, td)
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:               row.ID,
		ServerID:         row.ServerID,
		ToolName:         row.ToolName,
		Description:      row.Description.String,
		StrictMode:       row.StrictMode,
		BlockOnSuspicion: row.BlockOnSuspicion,
	}

	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" && row.ArgumentSchema.String != "null" {
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &td.ArgumentSchema); err != nil {
			return nil, fmt.Errorf("parseToolRow: argument_schema: %w", err)
		}
	}
	if err := unmarshalList(row.AllowedPaths, &td.AllowedPaths); err != nil {
		return nil, fmt.Errorf("parseToolRow: allowed_paths: %w", err)
	}
	if err := unmarshalList(row.AllowedSchemes, &td.AllowedSchemes); err != nil {
		return nil, fmt.Errorf("parseToolRow: allowed_schemes: %w", err)
	}
	return td, nil
}

func unmarshalList(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
