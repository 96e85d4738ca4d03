package cli

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	// SQLite driver for the local trust database.
	_ "modernc.org/sqlite"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// state is the local trust and policy state a command works against.
type state struct {
	trust    *trust.Manager
	policies *policy.Engine
	db       *sql.DB
}

func (o *options) openState(ctx context.Context, logger *zap.Logger) (*state, error) {
	st := &state{policies: policy.NewEngine(nil, logger)}

	var store trust.Store
	if o.statePath != "" {
		db, err := sql.Open("sqlite", o.statePath)
		if err != nil {
			return nil, fmt.Errorf("open state %s: %w", o.statePath, err)
		}
		db.SetMaxOpenConns(1)
		sqlStore := trust.NewSQLStore(db, trust.DialectSQLite)
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		st.db = db
		store = sqlStore
	}
	st.trust = trust.NewManager(store, logger)
	if err := st.trust.Load(ctx); err != nil {
		st.close()
		return nil, err
	}

	if o.policyPath != "" {
		cfg, err := policy.LoadFile(o.policyPath)
		if err != nil {
			st.close()
			return nil, err
		}
		if err := st.policies.Apply(ctx, cfg); err != nil {
			st.close()
			return nil, err
		}
	}
	return st, nil
}

func (s *state) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}
