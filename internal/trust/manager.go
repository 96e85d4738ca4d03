package trust

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Manager owns the trust records. Mutations are serialized and written
// through to the store before they become visible.
type Manager struct {
	mu      sync.RWMutex
	records map[string]Record
	store   Store
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a Manager. A nil store keeps records in memory only.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		records: make(map[string]Record),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Load replaces in-memory state with the store's contents.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("Load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record, len(recs))
	for _, r := range recs {
		m.records[r.ServerID] = r
	}
	m.logger.Info("trust records loaded", zap.Int("count", len(recs)))
	return nil
}

// Get returns the record for serverID. Unknown servers and lapsed grants
// read as untrusted.
func (m *Manager) Get(serverID string) Record {
	m.mu.RLock()
	rec, ok := m.records[serverID]
	m.mu.RUnlock()
	if !ok {
		return defaultRecord(serverID)
	}
	rec = rec.clone()
	if rec.Expired(m.now()) {
		rec.Level = LevelUntrusted
	}
	return rec
}

// List returns a snapshot of every known record ordered by server id.
func (m *Manager) List() []Record {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Get(id))
	}
	return out
}

// Grant sets the trust level for a server on behalf of a user. A positive
// ttl makes the grant expire.
func (m *Manager) Grant(ctx context.Context, serverID string, level Level, grantedBy string, ttl time.Duration) error {
	if _, err := ParseLevel(string(level)); err != nil {
		return fmt.Errorf("Grant: %w", err)
	}
	return m.mutate(ctx, serverID, func(r *Record) {
		r.Level = level
		r.UserGranted = true
		r.AutoGranted = false
		r.GrantedBy = grantedBy
		r.ExpiresAt = nil
		if ttl > 0 {
			exp := m.now().Add(ttl)
			r.ExpiresAt = &exp
		}
	})
}

// Revoke resets a server to untrusted. Tool lists are kept.
func (m *Manager) Revoke(ctx context.Context, serverID, actor string) error {
	return m.mutate(ctx, serverID, func(r *Record) {
		r.Level = LevelUntrusted
		r.UserGranted = false
		r.AutoGranted = false
		r.GrantedBy = actor
		r.ExpiresAt = nil
	})
}

// WhitelistTool adds tool to the server's whitelist.
func (m *Manager) WhitelistTool(ctx context.Context, serverID, tool string) error {
	return m.mutate(ctx, serverID, func(r *Record) {
		r.WhitelistTools = insertSorted(r.WhitelistTools, tool)
	})
}

// BlacklistTool adds tool to the server's blacklist.
func (m *Manager) BlacklistTool(ctx context.Context, serverID, tool string) error {
	return m.mutate(ctx, serverID, func(r *Record) {
		r.BlacklistTools = insertSorted(r.BlacklistTools, tool)
	})
}

func (m *Manager) mutate(ctx context.Context, serverID string, fn func(*Record)) error {
	if serverID == "" {
		return fmt.Errorf("trust: empty server id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[serverID]
	if !ok {
		rec = defaultRecord(serverID)
	}
	rec = rec.clone()
	fn(&rec)
	rec.UpdatedAt = m.now()

	if m.store != nil {
		if err := m.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("mutate: %w", err)
		}
	}
	m.records[serverID] = rec

	m.logger.Info("trust record updated",
		zap.String("server_id", serverID),
		zap.String("trust_level", string(rec.Level)),
		zap.Int("whitelisted", len(rec.WhitelistTools)),
		zap.Int("blacklisted", len(rec.BlacklistTools)),
	)
	return nil
}

// RequiresConfirmation decides whether calling tool on serverID needs an
// explicit confirmation. A blacklisted tool always does. Otherwise only a
// whitelisted tool on a trusted server with no sensitive path in its
// parameters is exempt.
func (m *Manager) RequiresConfirmation(serverID, tool string, p *structpb.Struct) bool {
	rec := m.Get(serverID)
	if rec.Blacklisted(tool) {
		return true
	}
	if rec.Level != LevelTrusted || !rec.Whitelisted(tool) {
		return true
	}
	return risk.ContainsSensitivePath(p)
}
