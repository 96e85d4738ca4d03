// Package policy resolves layered policy records into an effective policy for
// a tool invocation.
package policy

import (
	"errors"
	"time"
)

// ErrNotFound is returned for operations on unknown policy names.
var ErrNotFound = errors.New("policy not found")

// Level is the layer a record belongs to.
type Level string

const (
	LevelGlobal    Level = "global"
	LevelUser      Level = "user"
	LevelServer    Level = "server"
	LevelTimeBased Level = "time_based"
	LevelEmergency Level = "emergency"
)

var validLevels = map[Level]bool{
	LevelGlobal: true, LevelUser: true, LevelServer: true, LevelTimeBased: true, LevelEmergency: true,
}

// Status of a record.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Recognized setting keys.
const (
	KeyDefaultServerTrust           = "default_server_trust"
	KeyRequireConfirmationThreshold = "require_confirmation_threshold"
	KeyAutoBlockHighRisk            = "auto_block_high_risk"
	KeySessionTrustTimeout          = "session_trust_timeout"
	KeyMaxConcurrentExecutions      = "max_concurrent_executions"
	KeyEmergencyMode                = "emergency_mode"
	KeyConfirmationRequiredForAll   = "confirmation_required_for_all"
)

// EmergencyMaxConcurrent is the concurrency ceiling while an emergency is active.
const EmergencyMaxConcurrent = 3

// Defaults returns the built-in settings every effective policy starts from.
func Defaults() map[string]any {
	return map[string]any{
		KeyDefaultServerTrust:           "untrusted",
		KeyRequireConfirmationThreshold: "medium",
		KeyAutoBlockHighRisk:            true,
		KeySessionTrustTimeout:          3600,
		KeyMaxConcurrentExecutions:      10,
	}
}

// Record is a single named policy.
type Record struct {
	ID         string
	Name       string
	Level      Level
	Settings   map[string]any
	Conditions map[string]any
	Priority   int
	Status     Status
	ExpiresAt  *time.Time
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// seq orders records of equal priority by creation.
	seq uint64
}

// Expired reports whether the record is past its expiry or marked expired.
func (r Record) Expired(now time.Time) bool {
	if r.Status == StatusExpired {
		return true
	}
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Map renders the record in the shape Validate accepts.
func (r Record) Map() map[string]any {
	m := map[string]any{
		"name":       r.Name,
		"level":      string(r.Level),
		"settings":   copyMap(r.Settings),
		"priority":   r.Priority,
		"status":     string(r.Status),
		"created_by": r.CreatedBy,
	}
	if len(r.Conditions) > 0 {
		m["conditions"] = copyMap(r.Conditions)
	}
	if r.ExpiresAt != nil {
		m["expires_at"] = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return m
}

func (r Record) clone() Record {
	c := r
	c.Settings = copyMap(r.Settings)
	c.Conditions = copyMap(r.Conditions)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
