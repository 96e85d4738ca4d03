package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
)

const (
	defaultBufferSize      = 10_000
	defaultMaxTrackedUsers = 10_000
	drainTimeout           = 2 * time.Second
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("anomaly detector closed")

// Config configures a Detector.
type Config struct {
	Thresholds      Thresholds
	BufferSize      int
	MaxTrackedUsers int
	Publisher       Publisher
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// item is either an event or a flush barrier.
type item struct {
	event   Event
	barrier chan struct{}
}

// Detector ingests events on a buffered channel and runs the detection rules
// on its own goroutine. RecordEvent never blocks.
type Detector struct {
	events  chan item
	done    chan struct{}
	stopped chan struct{}

	mu         sync.RWMutex
	users      *lru.Cache[string, *userState]
	anomalies  map[string]*Anomaly
	seq        uint64
	thresholds Thresholds

	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	closeOnce sync.Once

	maintMu      sync.Mutex
	maintTickers []*time.Ticker
	stopMaint    chan struct{}
}

// New creates a Detector and starts its processing loop.
func New(cfg Config) *Detector {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxTrackedUsers <= 0 {
		cfg.MaxTrackedUsers = defaultMaxTrackedUsers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	users, _ := lru.New[string, *userState](cfg.MaxTrackedUsers)

	d := &Detector{
		events:     make(chan item, cfg.BufferSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		users:      users,
		anomalies:  make(map[string]*Anomaly),
		thresholds: cfg.Thresholds,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	go d.loop()
	return d
}

// RecordEvent queues an event for detection. Non-blocking: drops the event if
// the buffer is full.
func (d *Detector) RecordEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.events <- item{event: ev}:
	default:
		d.metrics.EventDropped("anomaly")
		d.logger.Warn("anomaly buffer full, dropping event",
			zap.String("user_id", ev.UserID),
			zap.String("tool_name", ev.ToolName),
		)
	}
}

// Flush waits until every event queued before the call has been processed.
func (d *Detector) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case d.events <- item{barrier: barrier}:
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-d.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued events and stops the processing loop.
func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		d.StopMaintenance()
		close(d.done)
		<-d.stopped
	})
}

func (d *Detector) loop() {
	defer close(d.stopped)
	for {
		select {
		case it := <-d.events:
			d.handle(it)
		case <-d.done:
			drain(d.events, time.Now().Add(drainTimeout), d.handle)
			return
		}
	}
}

// drain handles queued items until the channel is empty or deadline passes.
func drain(events <-chan item, deadline time.Time, handle func(item)) int {
	n := 0
	for time.Now().Before(deadline) {
		select {
		case it := <-events:
			handle(it)
			n++
		default:
			return n
		}
	}
	return n
}

func (d *Detector) handle(it item) {
	if it.barrier != nil {
		close(it.barrier)
		return
	}
	for _, a := range d.process(it.event) {
		d.metrics.ObserveAnomaly(string(a.Type), a.Severity.String())
		d.logger.Warn("anomaly detected",
			zap.String("anomaly_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity.String()),
			zap.String("user_id", a.UserID),
			zap.String("server_id", a.ServerID),
			zap.String("tool_name", a.ToolName),
		)
		if d.publisher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := d.publisher.Publish(ctx, a); err != nil {
				d.metrics.IncrementNatsPublishErrors()
				d.logger.Warn("anomaly publish failed", zap.String("anomaly_id", a.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// process runs every rule against ev and stores the resulting anomalies.
func (d *Detector) process(ev Event) []Anomaly {
	if ev.UserID == "" {
		ev.UserID = "unknown"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users.Get(ev.UserID)
	if !ok {
		u = &userState{}
		d.users.Add(ev.UserID, u)
	}
	o := observe(ev)
	u.add(o)

	t := d.thresholds
	var found []candidate
	found = append(found, checkParameters(ev)...)
	found = append(found, checkUsage(u, ev, t)...)
	found = append(found, checkTemporal(u.baseline, ev, t)...)
	found = append(found, checkResources(u.baseline, o, t)...)
	found = append(found, checkBehavior(u.baseline, ev, t)...)

	out := make([]Anomaly, 0, len(found))
	now := d.now()
	for _, c := range found {
		d.seq++
		a := &Anomaly{
			ID:          uuid.NewString(),
			Type:        c.typ,
			Severity:    c.severity,
			Description: c.description,
			UserID:      ev.UserID,
			ServerID:    ev.ServerID,
			ToolName:    ev.ToolName,
			Status:      StatusDetected,
			DetectedAt:  now,
			UpdatedAt:   now,
			seq:         d.seq,
		}
		d.anomalies[a.ID] = a
		out = append(out, *a)
	}
	return out
}

// RecomputeBaselines rebuilds every tracked user's baseline from history and
// prunes observations outside the history window.
func (d *Detector) RecomputeBaselines() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	since := now.Add(-d.thresholds.HistoryWindow)
	computed := 0
	for _, user := range d.users.Keys() {
		u, ok := d.users.Peek(user)
		if !ok {
			continue
		}
		u.prune(since)
		u.baseline = computeBaseline(u.history, since, now, d.thresholds.MinBaselineEvents)
		if u.baseline != nil {
			computed++
		}
	}
	d.logger.Debug("baselines recomputed", zap.Int("users", d.users.Len()), zap.Int("established", computed))
	return computed
}

// Baseline returns a copy of the user's current baseline.
func (d *Detector) Baseline(userID string) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users.Peek(userID)
	if !ok || u.baseline == nil {
		return Baseline{}, false
	}
	b := *u.baseline
	b.CommonTools = append([]string(nil), b.CommonTools...)
	b.TypicalHours = append([]int(nil), b.TypicalHours...)
	return b, true
}

// ActiveAnomalies returns every anomaly not yet resolved, newest first.
func (d *Detector) ActiveAnomalies() []Anomaly {
	return d.list(func(a *Anomaly) bool { return a.Status != StatusResolved })
}

// AllAnomalies returns every stored anomaly, newest first.
func (d *Detector) AllAnomalies() []Anomaly {
	return d.list(func(*Anomaly) bool { return true })
}

func (d *Detector) list(keep func(*Anomaly) bool) []Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Anomaly
	for _, a := range d.anomalies {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

// Query selects anomalies related to an invocation. Empty fields match
// anything.
type Query struct {
	UserID   string
	ServerID string
	ToolName string
}

// AnalyzeContext returns active anomalies related to q. A query with no
// fields set returns nothing.
func (d *Detector) AnalyzeContext(q Query) []Anomaly {
	if q.UserID == "" && q.ServerID == "" && q.ToolName == "" {
		return nil
	}
	return d.list(func(a *Anomaly) bool {
		if a.Status == StatusResolved {
			return false
		}
		if q.UserID != "" && a.UserID != q.UserID {
			return false
		}
		if q.ServerID != "" && a.ServerID != "" && a.ServerID != q.ServerID {
			return false
		}
		if q.ToolName != "" && a.ToolName != "" && a.ToolName != q.ToolName {
			return false
		}
		return true
	})
}

// UpdateStatus transitions an anomaly.
func (d *Detector) UpdateStatus(id string, status Status, actor string) (Anomaly, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Anomaly{}, fmt.Errorf("UpdateStatus: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.anomalies[id]
	if !ok {
		return Anomaly{}, fmt.Errorf("UpdateStatus %q: %w", id, ErrNotFound)
	}
	now := d.now()
	a.Status = status
	a.UpdatedAt = now
	a.UpdatedBy = actor
	a.ResolvedAt = nil
	if status == StatusResolved {
		a.ResolvedAt = &now
	}
	d.logger.Info("anomaly status updated",
		zap.String("anomaly_id", id),
		zap.String("status", string(status)),
		zap.String("actor", actor),
	)
	return *a, nil
}

// PurgeResolved removes anomalies resolved longer ago than the retention window.
func (d *Detector) PurgeResolved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.thresholds.ResolvedRetention)
	removed := 0
	for id, a := range d.anomalies {
		if a.Status == StatusResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(d.anomalies, id)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Info("resolved anomalies purged", zap.Int("removed", removed))
	}
	return removed
}

// ConfigureThresholds applies recognized numeric keys and returns the result.
func (d *Detector) ConfigureThresholds(changes map[string]any) Thresholds {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = d.thresholds.apply(changes)
	return d.thresholds
}

// Thresholds returns the thresholds in force.
func (d *Detector) Thresholds() Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds
}

// StartMaintenance recomputes baselines and purges resolved anomalies on
// separate tickers until StopMaintenance or Close.
func (d *Detector) StartMaintenance(baselineInterval, purgeInterval time.Duration) {
	d.maintMu.Lock()
	defer d.maintMu.Unlock()
	if d.stopMaint != nil {
		return
	}
	baseline := time.NewTicker(baselineInterval)
	purge := time.NewTicker(purgeInterval)
	d.maintTickers = []*time.Ticker{baseline, purge}
	d.stopMaint = make(chan struct{})
	go d.maintenanceLoop(baseline, purge, d.stopMaint)
}

// StopMaintenance stops the maintenance goroutine.
func (d *Detector) StopMaintenance() {
	d.maintMu.Lock()
	defer d.maintMu.Unlock()
	for _, t := range d.maintTickers {
		t.Stop()
	}
	d.maintTickers = nil
	if d.stopMaint != nil {
		close(d.stopMaint)
		d.stopMaint = nil
	}
}

func (d *Detector) maintenanceLoop(baseline, purge *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-baseline.C:
			d.RecomputeBaselines()
		case <-purge.C:
			d.PurgeResolved()
		case <-stop:
			return
		}
	}
}
