package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	err     error
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (s *memStore) ListPolicies(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, s.err
}

func (s *memStore) UpsertPolicy(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records[rec.Name] = rec
	return nil
}

func (s *memStore) DeletePolicy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.records, name)
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(nil, zap.NewNop())
}

func TestEffective_DefaultsOnly(t *testing.T) {
	e := newTestEngine(t)
	p := e.Effective(Context{UserID: "alice"})

	assert.Equal(t, trust.LevelUntrusted, p.DefaultServerTrust())
	assert.Equal(t, risk.LevelMedium, p.RequireConfirmationThreshold())
	assert.True(t, p.AutoBlockHighRisk())
	assert.Equal(t, time.Hour, p.SessionTrustTimeout())
	assert.Equal(t, 10, p.MaxConcurrentExecutions())
	assert.False(t, p.EmergencyMode)
	assert.Empty(t, p.AppliedPolicies)
	assert.Equal(t, "alice", p.EvaluatedFor.UserID)
	assert.False(t, p.EvaluationTimestamp.IsZero())
}

func TestEffective_PriorityOverridesAndKeepsUnmatchedKeys(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Create(ctx, map[string]any{
		"name":     "org-defaults",
		"level":    "global",
		"priority": 10,
		"settings": map[string]any{
			"require_confirmation_threshold": "high",
			"session_trust_timeout":          600,
		},
	})
	require.NoError(t, err)
	_, err = e.Create(ctx, map[string]any{
		"name":       "alice-overrides",
		"level":      "user",
		"priority":   80,
		"conditions": map[string]any{"user_id": "alice"},
		"settings": map[string]any{
			"require_confirmation_threshold": "critical",
			"custom_user_flag":               true,
		},
	})
	require.NoError(t, err)

	p := e.Effective(Context{UserID: "alice"})
	assert.Equal(t, risk.LevelCritical, p.RequireConfirmationThreshold())
	assert.Equal(t, 10*time.Minute, p.SessionTrustTimeout(), "unmatched global key must survive")
	assert.Equal(t, []string{"org-defaults", "alice-overrides"}, p.AppliedPolicies)
	assert.Equal(t, true, p.Settings["custom_user_flag"])

	q := e.Effective(Context{UserID: "bob"})
	assert.Equal(t, risk.LevelHigh, q.RequireConfirmationThreshold())
	_, present := q.Value("custom_user_flag")
	assert.False(t, present, "user-specific keys must be absent for other users")
}

func TestEffective_EqualPriorityLaterRecordWins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	for _, name := range []string{"first", "second"} {
		_, err := e.Create(ctx, map[string]any{
			"name": name, "level": "global", "priority": 5,
			"settings": map[string]any{"tag": name},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, "second", e.Effective(Context{}).Settings["tag"])
}

func TestEffective_ConditionMatching(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	noon := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday
	late := time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)

	mustCreate := func(data map[string]any) {
		_, err := e.Create(ctx, data)
		require.NoError(t, err)
	}
	mustCreate(map[string]any{
		"name": "fs-server", "level": "server", "priority": 20,
		"conditions": map[string]any{"server_id": []any{"fs", "fs2"}},
		"settings":   map[string]any{"server_flag": true},
	})
	mustCreate(map[string]any{
		"name": "night", "level": "time_based", "priority": 30,
		"conditions": map[string]any{"time_range": map[string]any{"start": "22:00", "end": "06:00"}},
		"settings":   map[string]any{"auto_block_high_risk": true, "night": true},
	})
	mustCreate(map[string]any{
		"name": "weekends", "level": "time_based", "priority": 30,
		"conditions": map[string]any{"days_of_week": []any{"saturday", "Sun"}},
		"settings":   map[string]any{"weekend": true},
	})
	mustCreate(map[string]any{
		"name": "unknown-condition", "level": "global", "priority": 1,
		"conditions": map[string]any{"region": "eu"},
		"settings":   map[string]any{"region_flag": true},
	})

	p := e.Effective(Context{ServerID: "fs2", Time: noon})
	assert.Equal(t, []string{"fs-server"}, p.AppliedPolicies)

	p = e.Effective(Context{ServerID: "other", Time: late})
	assert.Equal(t, []string{"night"}, p.AppliedPolicies)

	p = e.Effective(Context{Time: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)}) // Sunday
	assert.Equal(t, []string{"weekends"}, p.AppliedPolicies)
}

func TestEffective_ExpiredRecordsIgnored(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	_, err := e.Create(ctx, map[string]any{
		"name": "temp", "level": "global",
		"settings":   map[string]any{"max_concurrent_executions": 2},
		"expires_at": now.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	_, err = e.Create(ctx, map[string]any{
		"name": "disabled", "level": "global", "status": "expired",
		"settings": map[string]any{"auto_block_high_risk": false},
	})
	require.NoError(t, err)

	p := e.Effective(Context{})
	assert.Equal(t, 2, p.MaxConcurrentExecutions())
	assert.True(t, p.AutoBlockHighRisk())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 10, e.Effective(Context{}).MaxConcurrentExecutions())
}

func TestEmergency_OverridesEverything(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.Create(ctx, map[string]any{
		"name": "alice-wide-open", "level": "user", "priority": 100,
		"conditions": map[string]any{"user_id": "alice"},
		"settings":   map[string]any{"max_concurrent_executions": 50},
	})
	require.NoError(t, err)
	_, err = e.Create(ctx, map[string]any{
		"name": "lockdown-extras", "level": "emergency",
		"settings": map[string]any{"require_confirmation_threshold": "low"},
	})
	require.NoError(t, err)

	before := e.Effective(Context{UserID: "alice"})
	assert.Equal(t, 50, before.MaxConcurrentExecutions())
	assert.Equal(t, risk.LevelMedium, before.RequireConfirmationThreshold(), "emergency records are dormant")

	st := e.ActivateEmergency("credential leak", "oncall")
	assert.True(t, st.Active)
	assert.True(t, e.Emergency().Active)

	for _, c := range []Context{{UserID: "alice"}, {UserID: "bob", ServerID: "fs"}} {
		p := e.Effective(c)
		assert.True(t, p.EmergencyMode)
		assert.Equal(t, true, p.Settings[KeyEmergencyMode])
		assert.True(t, p.ConfirmationRequiredForAll())
		assert.Equal(t, EmergencyMaxConcurrent, p.MaxConcurrentExecutions())
		assert.Equal(t, risk.LevelLow, p.RequireConfirmationThreshold())
	}

	e.DeactivateEmergency("oncall")
	after := e.Effective(Context{UserID: "alice"})
	assert.False(t, after.EmergencyMode)
	assert.Equal(t, 50, after.MaxConcurrentExecutions())
}

func TestCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := NewEngine(store, zap.NewNop())

	rec, err := e.Create(ctx, map[string]any{
		"name": "p1", "level": "server", "settings": map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, "system", rec.CreatedBy)
	assert.Contains(t, store.records, "p1")

	_, err = e.Create(ctx, map[string]any{"name": "p1", "level": "server", "settings": map[string]any{}})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	updated, err := e.Update(ctx, "p1", map[string]any{"priority": 40, "name": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Priority)
	assert.Equal(t, "p1", updated.Name)
	assert.Equal(t, rec.ID, updated.ID)

	_, err = e.Update(ctx, "p1", map[string]any{"level": "galaxy"})
	require.ErrorAs(t, err, &ve)
	got, _ := e.Get("p1")
	assert.Equal(t, LevelServer, got.Level, "failed update must not apply")

	_, err = e.Update(ctx, "missing", map[string]any{})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Delete(ctx, "p1"))
	assert.NotContains(t, store.records, "p1")
	assert.ErrorIs(t, e.Delete(ctx, "p1"), ErrNotFound)
}

func TestUpsertAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := NewEngine(store, zap.NewNop())

	_, err := e.Upsert(ctx, map[string]any{"name": "p", "level": "global", "settings": map[string]any{"x": 1}})
	require.NoError(t, err)
	_, err = e.Upsert(ctx, map[string]any{"name": "p", "level": "global", "settings": map[string]any{"x": 2}})
	require.NoError(t, err)
	require.Len(t, e.List(), 1)

	reloaded := NewEngine(store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	got, ok := reloaded.Get("p")
	require.True(t, ok)
	assert.Equal(t, 2, got.Settings["x"])
}

func TestStoreFailureIsReturned(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	e := NewEngine(store, zap.NewNop())
	_, err := e.Create(context.Background(), map[string]any{"name": "p", "level": "global", "settings": map[string]any{}})
	require.Error(t, err)
	_, ok := e.Get("p")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	e := NewEngine(store, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	_, err := e.Create(ctx, map[string]any{
		"name": "short", "level": "global", "settings": map[string]any{},
		"expires_at": now.Add(time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	_, err = e.Create(ctx, map[string]any{"name": "forever", "level": "global", "settings": map[string]any{}})
	require.NoError(t, err)

	assert.Equal(t, 0, e.Sweep(ctx))
	now = now.Add(time.Hour)
	assert.Equal(t, 1, e.Sweep(ctx))
	_, ok := e.Get("short")
	assert.False(t, ok)
	assert.NotContains(t, store.records, "short")
	assert.Len(t, e.List(), 1)
}

func TestStartStopSweep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.Create(ctx, map[string]any{
		"name": "gone", "level": "global", "settings": map[string]any{},
		"expires_at": time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	e.StartSweep(5 * time.Millisecond)
	e.StartSweep(5 * time.Millisecond)
	defer e.StopSweep()

	assert.Eventually(t, func() bool {
		_, ok := e.Get("gone")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
