package policy

import (
	"strings"
	"time"
)

// Context is what a policy is evaluated for.
type Context struct {
	UserID   string
	ServerID string
	ToolName string
	// Time defaults to the engine clock when zero.
	Time time.Time
}

// matches reports whether every condition holds for c. Missing keys match
// everything; unknown keys never match.
func matches(conditions map[string]any, c Context) bool {
	for key, want := range conditions {
		var ok bool
		switch key {
		case "user_id":
			ok = matchString(want, c.UserID)
		case "server_id":
			ok = matchString(want, c.ServerID)
		case "tool_name":
			ok = matchString(want, c.ToolName)
		case "time_range":
			ok = matchTimeRange(want, c.Time)
		case "days_of_week":
			ok = matchWeekday(want, c.Time.Weekday())
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchString(want any, got string) bool {
	switch w := want.(type) {
	case string:
		return w == got
	case []any:
		for _, item := range w {
			if s, ok := item.(string); ok && s == got {
				return true
			}
		}
	case []string:
		for _, s := range w {
			if s == got {
				return true
			}
		}
	}
	return false
}

// matchTimeRange accepts {"start":"HH:MM","end":"HH:MM"}; a start after end
// wraps midnight.
func matchTimeRange(want any, t time.Time) bool {
	m, ok := asMap(want)
	if !ok {
		return false
	}
	start, okStart := parseClock(m["start"])
	end, okEnd := parseClock(m["end"])
	if !okStart || !okEnd {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func parseClock(v any) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func matchWeekday(want any, day time.Weekday) bool {
	var names []string
	switch w := want.(type) {
	case []any:
		for _, item := range w {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	case []string:
		names = w
	case string:
		names = []string{w}
	}
	for _, n := range names {
		if strings.EqualFold(n, day.String()) || strings.EqualFold(n, day.String()[:3]) {
			return true
		}
	}
	return false
}
