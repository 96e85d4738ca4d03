// Package trust tracks per-server trust levels and per-tool overrides.
package trust

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level is a server's trust classification.
type Level string

const (
	LevelTrusted   Level = "trusted"
	LevelUntrusted Level = "untrusted"
	LevelSandboxed Level = "sandboxed"
)

// ParseLevel rejects anything but the three known levels.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelTrusted, LevelUntrusted, LevelSandboxed:
		return l, nil
	default:
		return "", fmt.Errorf("unknown trust level %q", s)
	}
}

// Record is the trust state of one server. Tool lists are sorted.
type Record struct {
	ServerID       string
	Level          Level
	WhitelistTools []string
	BlacklistTools []string
	UserGranted    bool
	AutoGranted    bool
	GrantedBy      string
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// defaultRecord is what an unknown server looks like.
func defaultRecord(serverID string) Record {
	return Record{ServerID: serverID, Level: LevelUntrusted}
}

// Expired reports whether a time-limited grant has lapsed at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Whitelisted reports whether tool is on the whitelist.
func (r Record) Whitelisted(tool string) bool { return contains(r.WhitelistTools, tool) }

// Blacklisted reports whether tool is on the blacklist.
func (r Record) Blacklisted(tool string) bool { return contains(r.BlacklistTools, tool) }

func contains(sorted []string, v string) bool {
	i := sort.SearchStrings(sorted, v)
	return i < len(sorted) && sorted[i] == v
}

func insertSorted(sorted []string, v string) []string {
	i := sort.SearchStrings(sorted, v)
	if i < len(sorted) && sorted[i] == v {
		return sorted
	}
	out := make([]string, 0, len(sorted)+1)
	out = append(out, sorted[:i]...)
	out = append(out, v)
	return append(out, sorted[i:]...)
}

func (r Record) clone() Record {
	c := r
	c.WhitelistTools = append([]string(nil), r.WhitelistTools...)
	c.BlacklistTools = append([]string(nil), r.BlacklistTools...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}
