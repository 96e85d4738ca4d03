// Package anomaly ingests security events and flags suspicious tool usage
// against per-user behavioral baselines.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotFound is returned for unknown anomaly ids.
var ErrNotFound = errors.New("anomaly not found")

// Type is the detection rule family that raised an anomaly.
type Type string

const (
	TypeParameterPattern  Type = "parameter_pattern"
	TypeUsagePattern      Type = "usage_pattern"
	TypeTemporalPattern   Type = "temporal_pattern"
	TypeResourcePattern   Type = "resource_pattern"
	TypeBehavioralPattern Type = "behavioral_pattern"
)

// Status is the triage state of an anomaly.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

// ParseStatus rejects unknown statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDetected, StatusInvestigating, StatusResolved:
		return st, nil
	default:
		return "", fmt.Errorf("unknown anomaly status %q", s)
	}
}

// Event is a single security-relevant observation.
type Event struct {
	Type       string
	UserID     string
	ServerID   string
	ToolName   string
	Parameters *structpb.Struct
	// ResourceUsage keys: "cpu" (percent) and "memory" (MB).
	ResourceUsage map[string]float64
	Timestamp     time.Time
}

// Anomaly is a detection result.
type Anomaly struct {
	ID          string
	Type        Type
	Severity    risk.Level
	Description string
	UserID      string
	ServerID    string
	ToolName    string
	Status      Status
	DetectedAt  time.Time
	UpdatedAt   time.Time
	UpdatedBy   string
	ResolvedAt  *time.Time

	seq uint64
}

// Baseline is a rolling per-user profile.
type Baseline struct {
	CommonTools  []string
	AvgCPU       float64
	AvgMemory    float64
	TypicalHours []int
	EventCount   int
	ComputedAt   time.Time
}

func (b Baseline) usesTool(tool string) bool {
	i := sort.SearchStrings(b.CommonTools, tool)
	return i < len(b.CommonTools) && b.CommonTools[i] == tool
}

// Thresholds tune the detection rules.
type Thresholds struct {
	MaxToolsPerMinute    int
	ResourceSpikeRatio   float64
	TemporalHourDistance int
	MinBaselineEvents    int
	HistoryWindow        time.Duration
	ResolvedRetention    time.Duration
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxToolsPerMinute:    10,
		ResourceSpikeRatio:   3.0,
		TemporalHourDistance: 3,
		MinBaselineEvents:    5,
		HistoryWindow:        7 * 24 * time.Hour,
		ResolvedRetention:    24 * time.Hour,
	}
}

// minCPUSpikePoints is the absolute CPU increase a spike also needs.
const minCPUSpikePoints = 50.0

// apply overlays recognized numeric keys. Unknown keys, non-numeric and
// negative values are ignored.
func (t Thresholds) apply(changes map[string]any) Thresholds {
	for k, v := range changes {
		n, ok := toFloat(v)
		if !ok || n < 0 {
			continue
		}
		switch k {
		case "max_tools_per_minute":
			t.MaxToolsPerMinute = int(n)
		case "resource_spike_ratio":
			t.ResourceSpikeRatio = n
		case "temporal_hour_distance":
			t.TemporalHourDistance = int(n)
		case "min_baseline_events":
			t.MinBaselineEvents = int(n)
		case "history_window_seconds":
			t.HistoryWindow = time.Duration(n * float64(time.Second))
		case "resolved_retention_seconds":
			t.ResolvedRetention = time.Duration(n * float64(time.Second))
		}
	}
	return t
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	default:
		return 0, false
	}
}
