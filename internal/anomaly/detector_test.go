package anomaly

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
)

var day = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d := New(cfg)
	d.now = func() time.Time { return day.Add(12 * time.Hour) }
	t.Cleanup(d.Close)
	return d
}

func flush(t *testing.T, d *Detector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Flush(ctx))
}

func ofType(as []Anomaly, typ Type) []Anomaly {
	var out []Anomaly
	for _, a := range as {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func burst(d *Detector, user string, n int, start time.Time) {
	for i := 0; i < n; i++ {
		d.RecordEvent(Event{
			Type:      "tool_execution",
			UserID:    user,
			ServerID:  "fs",
			ToolName:  "read_file",
			Timestamp: start.Add(time.Duration(i) * time.Second),
		})
	}
}

func TestUsagePattern_FiresOncePerMinute(t *testing.T) {
	d := newTestDetector(t, Config{})
	burst(d, "alice", 15, day)
	flush(t, d)

	usage := ofType(d.ActiveAnomalies(), TypeUsagePattern)
	require.Len(t, usage, 1)
	assert.Equal(t, "alice", usage[0].UserID)
	assert.Equal(t, StatusDetected, usage[0].Status)
	assert.Contains(t, usage[0].Description, "alice")

	burst(d, "alice", 11, day.Add(5*time.Minute))
	flush(t, d)
	assert.Len(t, ofType(d.ActiveAnomalies(), TypeUsagePattern), 2, "a later burst is a new window")
}

func TestUsagePattern_RelaxedThreshold(t *testing.T) {
	d := newTestDetector(t, Config{})
	got := d.ConfigureThresholds(map[string]any{"max_tools_per_minute": 16})
	require.Equal(t, 16, got.MaxToolsPerMinute)

	burst(d, "alice", 11, day)
	flush(t, d)
	assert.Empty(t, ofType(d.ActiveAnomalies(), TypeUsagePattern))
}

func TestConfigureThresholds_IgnoresBadInput(t *testing.T) {
	d := newTestDetector(t, Config{})
	before := d.Thresholds()
	got := d.ConfigureThresholds(map[string]any{
		"bogus":                      1,
		"max_tools_per_minute":       -1,
		"resource_spike_ratio":       "very",
		"min_baseline_events":        nil,
		"temporal_hour_distance":     5,
		"resolved_retention_seconds": float64(60),
	})
	assert.Equal(t, before.MaxToolsPerMinute, got.MaxToolsPerMinute)
	assert.Equal(t, before.ResourceSpikeRatio, got.ResourceSpikeRatio)
	assert.Equal(t, before.MinBaselineEvents, got.MinBaselineEvents)
	assert.Equal(t, 5, got.TemporalHourDistance)
	assert.Equal(t, time.Minute, got.ResolvedRetention)
}

func TestParameterPattern(t *testing.T) {
	d := newTestDetector(t, Config{})
	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../../etc/passwd"})})
	d.RecordEvent(Event{UserID: "bob", ToolName: "execute_command", Timestamp: day.Add(time.Second),
		Parameters: params.New(map[string]any{"command": "ls; cat /etc/hosts"})})
	flush(t, d)

	found := ofType(d.ActiveAnomalies(), TypeParameterPattern)
	require.Len(t, found, 2)
	// newest first
	assert.Equal(t, risk.LevelCritical, found[0].Severity)
	assert.Contains(t, found[0].Description, "command injection")
	assert.Equal(t, risk.LevelHigh, found[1].Severity)
	assert.Contains(t, found[1].Description, "directory traversal")
}

func TestColdStart_NoBaselineRules(t *testing.T) {
	d := newTestDetector(t, Config{})
	d.RecordEvent(Event{UserID: "carol", ToolName: "weird_tool", Timestamp: day.Add(-6 * time.Hour),
		ResourceUsage: map[string]float64{"cpu": 99, "memory": 8000}})
	flush(t, d)

	as := d.ActiveAnomalies()
	assert.Empty(t, ofType(as, TypeTemporalPattern))
	assert.Empty(t, ofType(as, TypeResourcePattern))
	assert.Empty(t, ofType(as, TypeBehavioralPattern))
	_, ok := d.Baseline("carol")
	assert.False(t, ok)
}

func seedBaseline(t *testing.T, d *Detector, user string) {
	t.Helper()
	tools := []string{"read_file", "list_dir"}
	for i := 0; i < 6; i++ {
		d.RecordEvent(Event{
			UserID:        user,
			ServerID:      "fs",
			ToolName:      tools[i%2],
			Timestamp:     day.Add(time.Duration(i) * 20 * time.Minute),
			ResourceUsage: map[string]float64{"cpu": 20, "memory": 100},
		})
	}
	flush(t, d)
	require.Equal(t, 1, d.RecomputeBaselines())
}

func TestBaselineRules(t *testing.T) {
	d := newTestDetector(t, Config{})
	seedBaseline(t, d, "dave")

	b, ok := d.Baseline("dave")
	require.True(t, ok)
	assert.Equal(t, []string{"list_dir", "read_file"}, b.CommonTools)
	assert.Equal(t, []int{9, 10}, b.TypicalHours)
	assert.InDelta(t, 20, b.AvgCPU, 0.001)
	assert.Equal(t, 6, b.EventCount)

	d.RecordEvent(Event{
		UserID:        "dave",
		ServerID:      "fs",
		ToolName:      "delete_everything",
		Timestamp:     day.Add(18 * time.Hour), // 03:00
		ResourceUsage: map[string]float64{"cpu": 90, "memory": 120},
	})
	flush(t, d)

	as := d.ActiveAnomalies()
	require.Len(t, ofType(as, TypeTemporalPattern), 1)
	res := ofType(as, TypeResourcePattern)
	require.Len(t, res, 1)
	assert.Contains(t, res[0].Description, "cpu")
	require.Len(t, ofType(as, TypeBehavioralPattern), 1)
	assert.Equal(t, risk.LevelLow, ofType(as, TypeBehavioralPattern)[0].Severity)
}

func TestBaselineRules_NormalActivityIsQuiet(t *testing.T) {
	d := newTestDetector(t, Config{})
	seedBaseline(t, d, "erin")

	d.RecordEvent(Event{UserID: "erin", ToolName: "read_file", Timestamp: day.Add(2 * time.Hour),
		ResourceUsage: map[string]float64{"cpu": 30}})
	flush(t, d)
	assert.Empty(t, d.ActiveAnomalies())
}

func TestUpdateStatusAndPurge(t *testing.T) {
	d := newTestDetector(t, Config{})
	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../secret"})})
	flush(t, d)
	active := d.ActiveAnomalies()
	require.Len(t, active, 1)
	id := active[0].ID

	_, err := d.UpdateStatus("nope", StatusResolved, "ops")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusDetected, d.ActiveAnomalies()[0].Status)

	_, err = d.UpdateStatus(id, Status("closed"), "ops")
	require.Error(t, err)

	a, err := d.UpdateStatus(id, StatusInvestigating, "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", a.UpdatedBy)
	assert.Equal(t, StatusInvestigating, d.ActiveAnomalies()[0].Status)

	_, err = d.UpdateStatus(id, StatusResolved, "ops")
	require.NoError(t, err)
	assert.Empty(t, d.ActiveAnomalies())
	require.Len(t, d.AllAnomalies(), 1)

	assert.Equal(t, 0, d.PurgeResolved())
	d.now = func() time.Time { return day.Add(48 * time.Hour) }
	assert.Equal(t, 1, d.PurgeResolved())
	assert.Empty(t, d.AllAnomalies())
}

func TestAnalyzeContext(t *testing.T) {
	d := newTestDetector(t, Config{})
	d.RecordEvent(Event{UserID: "bob", ServerID: "fs", ToolName: "read_file", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../x"})})
	d.RecordEvent(Event{UserID: "amy", ServerID: "git", ToolName: "git_push", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../y"})})
	flush(t, d)

	assert.Empty(t, d.AnalyzeContext(Query{}))
	assert.Len(t, d.AnalyzeContext(Query{UserID: "bob"}), 1)
	assert.Len(t, d.AnalyzeContext(Query{UserID: "bob", ServerID: "fs", ToolName: "read_file"}), 1)
	assert.Empty(t, d.AnalyzeContext(Query{UserID: "bob", ServerID: "git"}))
	assert.Len(t, d.AnalyzeContext(Query{ServerID: "git"}), 1)
	assert.Empty(t, d.AnalyzeContext(Query{UserID: "nobody"}))
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []Anomaly
	hold chan struct{}
	busy chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, a Anomaly) error {
	if p.busy != nil {
		select {
		case p.busy <- struct{}{}:
		default:
		}
	}
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, a)
	return nil
}

func TestPublisherReceivesAnomalies(t *testing.T) {
	pub := &recordingPublisher{}
	d := newTestDetector(t, Config{Publisher: pub})
	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../x"})})
	flush(t, d)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.got, 1)
	assert.Equal(t, TypeParameterPattern, pub.got[0].Type)
}

func TestRecordEvent_NeverBlocks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	pub := &recordingPublisher{hold: make(chan struct{}), busy: make(chan struct{}, 1)}
	d := newTestDetector(t, Config{BufferSize: 1, Publisher: pub, Metrics: m})

	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file", Timestamp: day,
		Parameters: params.New(map[string]any{"path": "../x"})})
	select {
	case <-pub.busy:
	case <-time.After(5 * time.Second):
		t.Fatal("processing loop never reached the publisher")
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		d.RecordEvent(Event{UserID: "bob", ToolName: "list_dir", Timestamp: day})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsDropped.WithLabelValues("anomaly")))

	close(pub.hold)
	flush(t, d)
}

func TestClose(t *testing.T) {
	d := New(Config{Logger: zap.NewNop()})
	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file"})
	d.Close()
	d.Close()

	assert.ErrorIs(t, d.Flush(context.Background()), ErrClosed)
	d.RecordEvent(Event{UserID: "bob", ToolName: "read_file"})
}

func TestStartMaintenance(t *testing.T) {
	d := newTestDetector(t, Config{})
	for i := 0; i < 6; i++ {
		d.RecordEvent(Event{UserID: "fay", ToolName: "read_file", Timestamp: day.Add(time.Duration(i) * time.Minute)})
	}
	flush(t, d)

	d.StartMaintenance(5*time.Millisecond, 5*time.Millisecond)
	d.StartMaintenance(5*time.Millisecond, 5*time.Millisecond)
	defer d.StopMaintenance()

	assert.Eventually(t, func() bool {
		_, ok := d.Baseline("fay")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestEncodeAnomaly(t *testing.T) {
	subject, data, err := encodeAnomaly(DefaultSubjectPrefix, Anomaly{
		ID: "a-1", Type: TypeUsagePattern, Severity: risk.LevelMedium, UserID: "alice", Status: StatusDetected,
	})
	require.NoError(t, err)
	assert.Equal(t, "mcp_gate.anomalies.usage_pattern", subject)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "medium", msg["severity"])
	assert.Equal(t, "alice", msg["user_id"])
	_, hasServer := msg["server_id"]
	assert.False(t, hasServer)
}

func TestDrain_StopsWhenEmpty(t *testing.T) {
	events := make(chan item, 4)
	for i := 0; i < 3; i++ {
		events <- item{event: Event{UserID: "alice"}}
	}
	n := drain(events, time.Now().Add(time.Minute), func(item) {})
	assert.Equal(t, 3, n)
	assert.Empty(t, events)
}

func TestDrain_DeadlineBoundsBusyQueue(t *testing.T) {
	events := make(chan item, 1)
	events <- item{}
	// The handler keeps the queue full, so only the deadline can end the drain.
	refill := func(item) { events <- item{} }

	start := time.Now()
	n := drain(events, start.Add(20*time.Millisecond), refill)
	assert.Positive(t, n)
	assert.Less(t, time.Since(start), 2*time.Second)
}
