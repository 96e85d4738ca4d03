package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EmergencyState describes an active or past emergency.
type EmergencyState struct {
	Active      bool
	Reason      string
	ActivatedBy string
	ActivatedAt time.Time
}

// Engine owns the policy records and the emergency switch. All mutations are
// serialized; reads see a consistent snapshot.
type Engine struct {
	mu        sync.RWMutex
	records   map[string]Record
	seq       uint64
	emergency EmergencyState
	store     Store
	logger    *zap.Logger
	now       func() time.Time

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// NewEngine creates an Engine. A nil store keeps records in memory only.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		records: make(map[string]Record),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Load replaces in-memory records with the store's contents.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	recs, err := e.store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("Load: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = make(map[string]Record, len(recs))
	for _, r := range recs {
		e.seq++
		r.seq = e.seq
		e.records[r.Name] = r
	}
	e.logger.Info("policies loaded", zap.Int("count", len(recs)))
	return nil
}

// Create validates data and adds a new record. Names are unique.
func (e *Engine) Create(ctx context.Context, data map[string]any) (Record, error) {
	rec, err := Validate(data)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.records[rec.Name]; exists {
		return Record{}, &ValidationError{Errors: []string{fmt.Sprintf("policy %q already exists", rec.Name)}}
	}
	now := e.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	e.seq++
	rec.seq = e.seq

	if err := e.save(ctx, rec); err != nil {
		return Record{}, err
	}
	e.logger.Info("policy created",
		zap.String("policy", rec.Name),
		zap.String("level", string(rec.Level)),
		zap.Int("priority", rec.Priority),
	)
	return rec.clone(), nil
}

// Update merges changes into an existing record and revalidates it. The name
// cannot be changed.
func (e *Engine) Update(ctx context.Context, name string, changes map[string]any) (Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.records[name]
	if !ok {
		return Record{}, fmt.Errorf("Update %q: %w", name, ErrNotFound)
	}
	merged := existing.Map()
	for k, v := range changes {
		merged[k] = v
	}
	merged["name"] = name

	rec, err := Validate(merged)
	if err != nil {
		return Record{}, err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = e.now()
	rec.seq = existing.seq

	if err := e.save(ctx, rec); err != nil {
		return Record{}, err
	}
	e.logger.Info("policy updated", zap.String("policy", name))
	return rec.clone(), nil
}

// Upsert updates the named record if it exists and creates it otherwise.
func (e *Engine) Upsert(ctx context.Context, data map[string]any) (Record, error) {
	name, _ := data["name"].(string)
	e.mu.RLock()
	_, exists := e.records[name]
	e.mu.RUnlock()
	if exists {
		return e.Update(ctx, name, data)
	}
	return e.Create(ctx, data)
}

// Delete removes a record.
func (e *Engine) Delete(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.records[name]; !ok {
		return fmt.Errorf("Delete %q: %w", name, ErrNotFound)
	}
	if e.store != nil {
		if err := e.store.DeletePolicy(ctx, name); err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
	}
	delete(e.records, name)
	e.logger.Info("policy deleted", zap.String("policy", name))
	return nil
}

func (e *Engine) save(ctx context.Context, rec Record) error {
	if e.store != nil {
		if err := e.store.UpsertPolicy(ctx, rec); err != nil {
			return fmt.Errorf("save: %w", err)
		}
	}
	e.records[rec.Name] = rec
	return nil
}

// Get returns a copy of the named record.
func (e *Engine) Get(name string) (Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[name]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// List returns every record in evaluation order.
func (e *Engine) List() []Record {
	e.mu.RLock()
	out := make([]Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()
	sortForEvaluation(out)
	return out
}

func sortForEvaluation(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority < recs[j].Priority
		}
		return recs[i].seq < recs[j].seq
	})
}

// Effective merges every active matching record onto the defaults in
// ascending priority. Emergency-level records only apply while an emergency
// is active, and an active emergency overrides the merged result.
func (e *Engine) Effective(c Context) EffectivePolicy {
	now := e.now()
	if c.Time.IsZero() {
		c.Time = now
	}

	e.mu.RLock()
	emergency := e.emergency
	var matched []Record
	for _, r := range e.records {
		if r.Expired(now) {
			continue
		}
		if r.Level == LevelEmergency && !emergency.Active {
			continue
		}
		if matches(r.Conditions, c) {
			matched = append(matched, r)
		}
	}
	e.mu.RUnlock()
	sortForEvaluation(matched)

	settings := Defaults()
	applied := make([]string, 0, len(matched))
	for _, r := range matched {
		for k, v := range r.Settings {
			settings[k] = v
		}
		applied = append(applied, r.Name)
	}

	if emergency.Active {
		settings[KeyEmergencyMode] = true
		settings[KeyConfirmationRequiredForAll] = true
		settings[KeyMaxConcurrentExecutions] = EmergencyMaxConcurrent
	}

	return EffectivePolicy{
		Settings:            settings,
		EmergencyMode:       emergency.Active,
		AppliedPolicies:     applied,
		EvaluatedFor:        c,
		EvaluationTimestamp: now,
	}
}

// ActivateEmergency switches every effective policy into emergency mode.
func (e *Engine) ActivateEmergency(reason, actor string) EmergencyState {
	e.mu.Lock()
	e.emergency = EmergencyState{Active: true, Reason: reason, ActivatedBy: actor, ActivatedAt: e.now()}
	st := e.emergency
	e.mu.Unlock()

	e.logger.Warn("emergency mode activated",
		zap.String("reason", reason),
		zap.String("actor", actor),
	)
	return st
}

// DeactivateEmergency ends an emergency.
func (e *Engine) DeactivateEmergency(actor string) EmergencyState {
	e.mu.Lock()
	was := e.emergency
	e.emergency = EmergencyState{}
	e.mu.Unlock()

	e.logger.Warn("emergency mode deactivated",
		zap.String("actor", actor),
		zap.Bool("was_active", was.Active),
		zap.Duration("duration", e.now().Sub(was.ActivatedAt)),
	)
	return EmergencyState{}
}

// Emergency returns the current emergency state.
func (e *Engine) Emergency() EmergencyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergency
}

// Sweep removes expired records and returns how many were removed. Records the
// store fails to delete are kept for the next sweep.
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for name, r := range e.records {
		if !r.Expired(now) {
			continue
		}
		if e.store != nil {
			if err := e.store.DeletePolicy(ctx, name); err != nil {
				e.logger.Warn("failed to delete expired policy", zap.String("policy", name), zap.Error(err))
				continue
			}
		}
		delete(e.records, name)
		removed++
	}
	if removed > 0 {
		e.logger.Info("expired policies swept", zap.Int("removed", removed))
	}
	return removed
}

// StartSweep runs Sweep on a ticker until StopSweep is called.
func (e *Engine) StartSweep(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweepTicker != nil {
		return
	}
	e.sweepTicker = time.NewTicker(interval)
	e.stopSweep = make(chan struct{})
	go e.sweepLoop(e.sweepTicker, e.stopSweep)
}

// StopSweep stops the sweep goroutine.
func (e *Engine) StopSweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweepTicker != nil {
		e.sweepTicker.Stop()
		e.sweepTicker = nil
	}
	if e.stopSweep != nil {
		close(e.stopSweep)
		e.stopSweep = nil
	}
}

func (e *Engine) sweepLoop(ticker *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			e.Sweep(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}
