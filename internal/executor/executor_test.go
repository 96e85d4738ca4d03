package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/anomaly"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/confirm"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/invocation"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/permissions"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/registry"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// fakeConnections is an in-memory ConnectionManager.
type fakeConnections struct {
	gets    atomic.Int32
	sends   atomic.Int32
	getErr  error
	sendErr error
	panics  bool
	started chan struct{}
	hold    chan struct{}
}

func (f *fakeConnections) GetConnection(_ context.Context, _ string) (invocation.Connection, error) {
	f.gets.Add(1)
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f, nil
}

func (f *fakeConnections) Send(ctx context.Context, tool string, _ *structpb.Struct) (*mcp.CallToolResult, error) {
	f.sends.Add(1)
	if f.panics {
		panic("transport bug")
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return mcp.NewToolResultText("ok from " + tool), nil
}

type recorder struct {
	mu     sync.Mutex
	events []anomaly.Event
}

func (r *recorder) RecordEvent(ev anomaly.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []anomaly.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anomaly.Event(nil), r.events...)
}

type countingSurface struct {
	calls  atomic.Int32
	choice confirm.Choice
	err    error
	panics bool
	block  bool
}

func (s *countingSurface) Confirm(ctx context.Context, req confirm.Request) (confirm.Choice, error) {
	s.calls.Add(1)
	if s.panics {
		panic("render failed")
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.choice, s.err
}

type fixture struct {
	trust    *trust.Manager
	policies *policy.Engine
	sink     *audit.MemoryWriter
	events   *recorder
	conns    *fakeConnections
	metrics  *metrics.Metrics
	exec     *Executor
}

func newFixture(t *testing.T, surface confirm.Surface, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		trust:    trust.NewManager(nil, zap.NewNop()),
		policies: policy.NewEngine(nil, zap.NewNop()),
		sink:     audit.NewMemoryWriter(),
		events:   &recorder{},
		conns:    &fakeConnections{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	cfg := Config{
		Trust:    f.trust,
		Policies: f.policies,
		Audit:    f.sink,
		Events:   f.events,
		Surface:  surface,
		Metrics:  f.metrics,
		Logger:   zap.NewNop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.exec = New(cfg)
	return f
}

func (f *fixture) ctx() invocation.Context {
	return invocation.Context{
		ServerID:    "fs",
		UserID:      "alice",
		SessionID:   "sess-1",
		Interface:   invocation.InterfaceCLI,
		Connections: f.conns,
	}
}

func (f *fixture) trustAndWhitelist(t *testing.T, tool string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.trust.Grant(ctx, "fs", trust.LevelTrusted, "admin", 0))
	require.NoError(t, f.trust.WhitelistTool(ctx, "fs", tool))
}

func requireExecError(t *testing.T, err error, want ErrorType) *Error {
	t.Helper()
	require.Error(t, err)
	var xerr *Error
	require.True(t, errors.As(err, &xerr), "expected *executor.Error, got %T", err)
	require.Equal(t, want, xerr.Type, "reason: %s", xerr.SecurityReason)
	return xerr
}

func TestExecuteSecure_TrustedWhitelistedIsAllowed(t *testing.T) {
	f := newFixture(t, nil)
	f.trustAndWhitelist(t, "read_file")

	res, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/safe.txt"}), f.ctx())
	require.NoError(t, err)

	assert.Equal(t, DecisionAllowed, res.SecurityDecision)
	assert.False(t, res.ConfirmationRequired)
	assert.Equal(t, risk.LevelLow, res.RiskLevel)
	assert.True(t, res.AuditLogged)
	require.NotNil(t, res.ToolResult)
	assert.EqualValues(t, 1, f.conns.sends.Load())

	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, res.RequestID, recs[0].RequestID)
	assert.Equal(t, audit.DecisionAllowed, recs[0].Decision)
	assert.Equal(t, "low", recs[0].RiskLevel)
	assert.Equal(t, "alice", recs[0].UserID)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "tool_execution", events[0].Type)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("allowed", "low")))
}

func TestExecuteSecure_TraversalIsBlockedBeforeDispatch(t *testing.T) {
	f := newFixture(t, nil)
	f.trustAndWhitelist(t, "read_file")

	res, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "../../etc/passwd"}), f.ctx())
	assert.Nil(t, res)
	xerr := requireExecError(t, err, ErrSanitizationBlocked)
	assert.Equal(t, risk.LevelHigh, xerr.RiskLevel)
	assert.Contains(t, xerr.SecurityReason, "traversal")
	assert.NotEmpty(t, xerr.RequestID)
	assert.Zero(t, f.conns.gets.Load(), "connection manager must not be reached")

	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.DecisionDenied, recs[0].Decision)
	assert.Equal(t, string(ErrSanitizationBlocked), recs[0].ErrorType)
	assert.Equal(t, "high", recs[0].RiskLevel)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "security_violation", events[0].Type)
	assert.NotNil(t, events[0].Parameters, "the detector sees the original parameters")
}

func TestExecuteHeadless_MixedEncodedTraversalIsBlocked(t *testing.T) {
	f := newFixture(t, nil)
	f.trustAndWhitelist(t, "read_file")

	res, err := f.exec.ExecuteHeadless(context.Background(), "read_file",
		params.New(map[string]any{"path": `.%2E\.%2E\windows\system32`}), f.ctx(), nil)
	assert.Nil(t, res)
	requireExecError(t, err, ErrSanitizationBlocked)
	assert.Zero(t, f.conns.sends.Load())
}

func TestExecuteSecure_DestructiveCommandIsBlocked(t *testing.T) {
	f := newFixture(t, nil)
	f.trustAndWhitelist(t, "execute_command")

	_, err := f.exec.ExecuteSecure(context.Background(), "execute_command",
		params.New(map[string]any{"command": "rm -rf /"}), f.ctx())
	requireExecError(t, err, ErrSanitizationBlocked)
	assert.Zero(t, f.conns.gets.Load())
}

func TestExecuteSecure_ConfirmationChoices(t *testing.T) {
	tests := []struct {
		name      string
		surface   *countingSurface
		wantErr   bool
		wantSends int32
	}{
		{"cancel denies", &countingSurface{choice: confirm.ChoiceCancel}, true, 0},
		{"block denies", &countingSurface{choice: confirm.ChoiceBlockTool}, true, 0},
		{"execute once allows", &countingSurface{choice: confirm.ChoiceExecuteOnce}, false, 1},
		{"surface error denies", &countingSurface{err: errors.New("tty gone")}, true, 0},
		{"surface panic denies", &countingSurface{panics: true}, true, 0},
		{"unknown choice denies", &countingSurface{choice: "perhaps"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.surface)
			res, err := f.exec.ExecuteSecure(context.Background(), "read_file",
				params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())

			assert.EqualValues(t, 1, tt.surface.calls.Load())
			assert.Equal(t, tt.wantSends, f.conns.sends.Load())
			if tt.wantErr {
				requireExecError(t, err, ErrSecurityDenied)
			} else {
				require.NoError(t, err)
				assert.True(t, res.ConfirmationRequired)
			}
			// one record from the confirmation, one from the execution
			assert.Len(t, f.sink.Records(), 2)
		})
	}
}

func TestExecuteSecure_AlwaysAllowToolStopsPrompting(t *testing.T) {
	surface := &countingSurface{choice: confirm.ChoiceAlwaysAllowTool}
	f := newFixture(t, surface)
	require.NoError(t, f.trust.Grant(context.Background(), "fs", trust.LevelTrusted, "admin", 0))

	p := params.New(map[string]any{"path": "/tmp/a.txt"})
	_, err := f.exec.ExecuteSecure(context.Background(), "read_file", p, f.ctx())
	require.NoError(t, err)
	res, err := f.exec.ExecuteSecure(context.Background(), "read_file", p, f.ctx())
	require.NoError(t, err)

	assert.False(t, res.ConfirmationRequired)
	assert.EqualValues(t, 1, surface.calls.Load())
	assert.True(t, f.trust.Get("fs").Whitelisted("read_file"))
}

func TestExecuteSecure_ConfirmationTimeoutResolvesToCancel(t *testing.T) {
	surface := &countingSurface{block: true}
	f := newFixture(t, surface, func(c *Config) { c.ConfirmTimeout = 20 * time.Millisecond })

	_, err := f.exec.ExecuteSecure(context.Background(), "write_file",
		params.New(map[string]any{"path": "/tmp/out.txt"}), f.ctx())
	requireExecError(t, err, ErrSecurityDenied)

	recs := f.sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, string(confirm.ChoiceCancel), r.Choice)
	}
	assert.Equal(t, trust.LevelUntrusted, f.trust.Get("fs").Level)
}

func TestExecuteSecure_NoSurfaceDenies(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())
	requireExecError(t, err, ErrSecurityDenied)
	assert.Zero(t, f.conns.gets.Load())
}

func TestExecuteSecure_SkipConfirmation(t *testing.T) {
	surface := &countingSurface{choice: confirm.ChoiceCancel}
	f := newFixture(t, surface)
	ic := f.ctx()
	ic.SkipConfirmation = true

	res, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/a.txt"}), ic)
	require.NoError(t, err)
	assert.True(t, res.ConfirmationRequired)
	assert.Zero(t, surface.calls.Load())
}

func TestExecuteSecure_ExecutionFailures(t *testing.T) {
	transportErr := errors.New("connection refused")
	tests := []struct {
		name  string
		conns *fakeConnections
	}{
		{"get connection", &fakeConnections{getErr: transportErr}},
		{"send", &fakeConnections{sendErr: transportErr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.conns = tt.conns
			f.trustAndWhitelist(t, "read_file")

			_, err := f.exec.ExecuteSecure(context.Background(), "read_file",
				params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())
			requireExecError(t, err, ErrExecutionFailed)
			assert.ErrorIs(t, err, transportErr)

			recs := f.sink.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, audit.DecisionFailed, recs[0].Decision)
		})
	}
}

func TestExecuteSecure_PanicInTransportIsAudited(t *testing.T) {
	f := newFixture(t, nil)
	f.conns = &fakeConnections{panics: true}
	f.trustAndWhitelist(t, "read_file")

	_, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())
	requireExecError(t, err, ErrExecutionFailed)
	require.Len(t, f.sink.Records(), 1)
	assert.Equal(t, string(ErrExecutionFailed), f.sink.Records()[0].ErrorType)
}

func TestExecuteSecure_InvalidContext(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.exec.ExecuteSecure(context.Background(), "read_file", nil, invocation.Context{UserID: "alice"})
	requireExecError(t, err, ErrValidation)
	require.Len(t, f.sink.Records(), 1)
	assert.Equal(t, string(ErrValidation), f.sink.Records()[0].ErrorType)
}

func TestExecuteSecure_PermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.trustAndWhitelist(t, "write_file")
	restricted, err := permissions.Profile(permissions.ProfileRestricted)
	require.NoError(t, err)
	ic := f.ctx()
	ic.Permissions = &restricted

	_, err = f.exec.ExecuteSecure(context.Background(), "write_file",
		params.New(map[string]any{"path": "/tmp/out.txt", "content": "hi"}), ic)
	requireExecError(t, err, ErrPermissionDenied)
	assert.Zero(t, f.conns.gets.Load())

	ic.Permissions = nil
	_, err = f.exec.ExecuteSecure(context.Background(), "write_file",
		params.New(map[string]any{"path": "/tmp/out.txt", "content": "hi"}), ic)
	assert.NoError(t, err)
}

type brokenRegistry struct{}

func (brokenRegistry) GetTool(context.Context, string, string) (*registry.ToolDefinition, error) {
	return nil, errors.New("db down")
}

func TestExecuteSecure_RegisteredToolSchemaIsEnforced(t *testing.T) {
	tools := registry.NewMemoryRegistry(&registry.ToolDefinition{
		ServerID: "fs",
		ToolName: "read_file",
		ArgumentSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
		},
	})
	f := newFixture(t, nil, func(c *Config) { c.Tools = tools })
	f.trustAndWhitelist(t, "read_file")

	_, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"file": "/tmp/a.txt"}), f.ctx())
	requireExecError(t, err, ErrSanitizationBlocked)
	assert.Zero(t, f.conns.gets.Load())

	_, err = f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())
	require.NoError(t, err)
}

func TestExecuteSecure_RegistryFailureFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.Tools = brokenRegistry{} })
	f.trustAndWhitelist(t, "read_file")

	_, err := f.exec.ExecuteSecure(context.Background(), "read_file",
		params.New(map[string]any{"path": "/tmp/a.txt"}), f.ctx())
	require.NoError(t, err)
}

func TestExecuteHeadless(t *testing.T) {
	f := newFixture(t, nil)
	sensitive := params.New(map[string]any{"path": "/etc/passwd"})
	ic := f.ctx()
	ic.UserID = ""

	_, err := f.exec.ExecuteHeadless(context.Background(), "read_file", sensitive, ic, nil)
	xerr := requireExecError(t, err, ErrSecurityDenied)
	assert.Equal(t, risk.LevelHigh, xerr.RiskLevel)

	permissive := policy.DefaultEffectivePolicy()
	permissive.Settings[policy.KeyAutoBlockHighRisk] = false
	res, err := f.exec.ExecuteHeadless(context.Background(), "read_file", sensitive, ic, &permissive)
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, res.RiskLevel)

	recs := f.sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, invocation.SystemUserID, r.UserID)
		assert.Equal(t, audit.SourceHeadless, r.Source)
		assert.Equal(t, string(invocation.InterfaceHeadless), r.Interface)
	}
}

func TestExecuteSecure_EmergencyConcurrencyLimit(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.QueueTimeout = 50 * time.Millisecond })
	f.conns = &fakeConnections{started: make(chan struct{}, 3), hold: make(chan struct{})}
	f.trustAndWhitelist(t, "read_file")
	f.policies.ActivateEmergency("incident", "ops")

	ic := f.ctx()
	ic.SkipConfirmation = true
	p := params.New(map[string]any{"path": "/tmp/a.txt"})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.ExecuteSecure(context.Background(), "read_file", p, ic)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-f.conns.started:
		case <-time.After(5 * time.Second):
			t.Fatal("executions did not start")
		}
	}

	_, err := f.exec.ExecuteSecure(context.Background(), "read_file", p, ic)
	requireExecError(t, err, ErrConcurrencyLimited)

	close(f.conns.hold)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.sink.Records(), 4)
}

func TestExecuteHeadless_EmergencyLimitOverridesCallerPolicy(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.QueueTimeout = 50 * time.Millisecond })
	f.conns = &fakeConnections{started: make(chan struct{}, 3), hold: make(chan struct{})}
	f.policies.ActivateEmergency("incident", "ops")

	generous := policy.DefaultEffectivePolicy()
	generous.Settings[policy.KeyMaxConcurrentExecutions] = 50
	p := params.New(map[string]any{"path": "/tmp/a.txt"})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.ExecuteHeadless(context.Background(), "read_file", p, f.ctx(), &generous)
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-f.conns.started:
		case <-time.After(5 * time.Second):
			t.Fatal("executions did not start")
		}
	}

	_, err := f.exec.ExecuteHeadless(context.Background(), "read_file", p, f.ctx(), &generous)
	requireExecError(t, err, ErrConcurrencyLimited)

	close(f.conns.hold)
	wg.Wait()
}

func TestWeightFor(t *testing.T) {
	for _, limit := range []int{1, 3, 10, 100, maxGateLimit} {
		w := weightFor(limit)
		assert.LessOrEqual(t, int64(limit)*w, int64(gateCapacity), "limit %d", limit)
		assert.Greater(t, int64(limit+1)*w, int64(gateCapacity), "limit %d", limit)
	}
	assert.Equal(t, weightFor(1), weightFor(0))
	assert.Equal(t, weightFor(maxGateLimit), weightFor(10_000))
}

func TestCheckPermissions(t *testing.T) {
	set := permissions.Set{
		FileRead: []string{"/tmp/*"},
		Network:  []string{"api.github.com"},
		Commands: []string{"ls"},
		EnvVars:  []string{"HOME"},
	}
	tests := []struct {
		name string
		tool string
		args map[string]any
		ok   bool
	}{
		{"read allowed", "read_file", map[string]any{"path": "/tmp/x"}, true},
		{"write needs write rule", "write_file", map[string]any{"path": "/tmp/x"}, false},
		{"url allowed", "fetch", map[string]any{"url": "https://api.github.com/repos"}, true},
		{"url denied", "fetch", map[string]any{"url": "https://evil.example.com"}, false},
		{"command allowed", "run_command", map[string]any{"command": "ls -la"}, true},
		{"env denied", "run_command", map[string]any{"command": "ls", "env": map[string]any{"AWS_SECRET": "x"}}, false},
		{"env allowed", "run_command", map[string]any{"command": "ls", "env": map[string]any{"HOME": "/root"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := CheckPermissions(set, tt.tool, params.New(tt.args))
			assert.Equal(t, tt.ok, ok)
		})
	}
}
