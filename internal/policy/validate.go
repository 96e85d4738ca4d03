package policy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// ValidationError lists every problem found in a policy document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid policy: " + strings.Join(e.Errors, "; ")
}

// Validate checks a policy document and returns the normalized record.
// Missing optional fields get status=active, priority=0 and created_by=system.
// All problems are reported together in a *ValidationError.
func Validate(data map[string]any) (Record, error) {
	var errs []string
	addf := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	rec := Record{Status: StatusActive, CreatedBy: "system"}

	switch v, ok := data["name"]; {
	case !ok || v == nil:
		addf("name is required")
	default:
		s, isString := v.(string)
		if !isString {
			addf("name must be a string")
		} else if strings.TrimSpace(s) == "" {
			addf("name must not be empty")
		}
		rec.Name = strings.TrimSpace(s)
	}

	switch v, ok := data["level"]; {
	case !ok || v == nil:
		addf("level is required")
	default:
		s, isString := v.(string)
		if !isString {
			addf("level must be a string")
		} else if !validLevels[Level(s)] {
			addf("level must be one of global, user, server, time_based, emergency (got %q)", s)
		}
		rec.Level = Level(s)
	}

	switch v, ok := data["settings"]; {
	case !ok || v == nil:
		addf("settings is required")
	default:
		m, isMap := asMap(v)
		if !isMap {
			addf("settings must be a map")
			break
		}
		rec.Settings = m
		errs = append(errs, validateSettings(m)...)
	}

	if v, ok := data["conditions"]; ok && v != nil {
		m, isMap := asMap(v)
		if !isMap {
			addf("conditions must be a map")
		} else {
			rec.Conditions = m
		}
	}

	if v, ok := data["priority"]; ok && v != nil {
		n, isInt := asInt(v)
		if !isInt {
			addf("priority must be an integer")
		}
		rec.Priority = n
	}

	if v, ok := data["status"]; ok && v != nil {
		s, _ := v.(string)
		switch Status(s) {
		case StatusActive, StatusExpired:
			rec.Status = Status(s)
		default:
			addf("status must be active or expired")
		}
	}

	if v, ok := data["created_by"]; ok && v != nil {
		s, isString := v.(string)
		if !isString {
			addf("created_by must be a string")
		} else if s != "" {
			rec.CreatedBy = s
		}
	}

	if v, ok := data["expires_at"]; ok && v != nil {
		t, err := asTime(v)
		if err != nil {
			addf("expires_at %v", err)
		} else {
			rec.ExpiresAt = &t
		}
	}

	if len(errs) > 0 {
		return Record{}, &ValidationError{Errors: errs}
	}
	return rec, nil
}

// validateSettings type-checks the recognized keys. Other keys pass through.
func validateSettings(m map[string]any) []string {
	var errs []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		switch k {
		case KeyDefaultServerTrust:
			s, _ := v.(string)
			if _, err := trust.ParseLevel(s); err != nil {
				errs = append(errs, fmt.Sprintf("settings.%s must be trusted, untrusted or sandboxed", k))
			}
		case KeyRequireConfirmationThreshold:
			s, _ := v.(string)
			if _, err := risk.ParseLevel(s); err != nil {
				errs = append(errs, fmt.Sprintf("settings.%s must be low, medium, high or critical", k))
			}
		case KeyAutoBlockHighRisk, KeyConfirmationRequiredForAll, KeyEmergencyMode:
			if _, ok := v.(bool); !ok {
				errs = append(errs, fmt.Sprintf("settings.%s must be a boolean", k))
			}
		case KeySessionTrustTimeout:
			if n, ok := asInt(v); !ok || n < 0 {
				errs = append(errs, fmt.Sprintf("settings.%s must be a non-negative integer", k))
			}
		case KeyMaxConcurrentExecutions:
			if n, ok := asInt(v); !ok || n < 1 {
				errs = append(errs, fmt.Sprintf("settings.%s must be a positive integer", k))
			}
		}
	}
	return errs
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return copyMap(m), true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("must be an RFC 3339 timestamp")
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("must be an RFC 3339 timestamp")
	}
}
