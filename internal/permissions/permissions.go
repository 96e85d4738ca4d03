// Package permissions evaluates explicit allow rules for filesystem, network,
// command and environment access, plus resource ceilings. Evaluation is pure.
package permissions

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
)

// Mode is the kind of file access being requested.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unspecified"
	}
}

// Wildcard grants every target in a category.
const Wildcard = "*"

// Set is an allow-list per category. Rules are literal targets or prefixes
// ending in "*".
type Set struct {
	FileRead  []string       `yaml:"file_read" json:"file_read"`
	FileWrite []string       `yaml:"file_write" json:"file_write"`
	Network   []string       `yaml:"network" json:"network"`
	Commands  []string       `yaml:"commands" json:"commands"`
	EnvVars   []string       `yaml:"env_vars" json:"env_vars"`
	Limits    ResourceLimits `yaml:"limits" json:"limits"`
}

// ResourceLimits are ceilings; zero means unlimited.
type ResourceLimits struct {
	MaxCPUPercent       float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB         float64 `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxExecutionSeconds float64 `yaml:"max_execution_seconds" json:"max_execution_seconds"`
	MaxFileSizeMB       float64 `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	MaxNetworkRequests  float64 `yaml:"max_network_requests" json:"max_network_requests"`
}

// Usage is observed resource consumption.
type Usage struct {
	CPUPercent       float64
	MemoryMB         float64
	ExecutionSeconds float64
	FileSizeMB       float64
	NetworkRequests  float64
}

// Check is the outcome of a single permission check.
type Check struct {
	Allowed     bool
	Reason      string
	AppliedRule string
}

// Violation is a resource ceiling that was exceeded.
type Violation struct {
	Resource string
	Limit    float64
	Actual   float64
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %.2f exceeds limit %.2f", v.Resource, v.Actual, v.Limit)
}

// CheckFileAccess checks a path against the read or write rules.
func CheckFileAccess(set Set, path string, mode Mode) Check {
	rules := set.FileRead
	if mode == ModeWrite {
		rules = set.FileWrite
	}
	if hasWildcard(rules) {
		return Check{Allowed: true, Reason: fmt.Sprintf("%s access granted by wildcard", mode), AppliedRule: Wildcard}
	}
	if risk.HasPathTraversal(path) {
		return Check{Allowed: false, Reason: "path traversal is not permitted"}
	}
	if rule, ok := match(rules, path); ok {
		return Check{Allowed: true, Reason: fmt.Sprintf("%s access granted", mode), AppliedRule: rule}
	}
	return Check{Allowed: false, Reason: fmt.Sprintf("no %s rule matches %s", mode, path)}
}

// CheckNetworkAccess checks a host, host:port or URL against the network rules.
// Rules are matched against the bare host and the full target.
func CheckNetworkAccess(set Set, target string) Check {
	if hasWildcard(set.Network) {
		return Check{Allowed: true, Reason: "network access granted by wildcard", AppliedRule: Wildcard}
	}
	host := target
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			host = u.Hostname()
		}
	} else if h, _, ok := strings.Cut(target, ":"); ok {
		host = h
	}
	for _, candidate := range []string{host, target} {
		if rule, ok := match(set.Network, candidate); ok {
			return Check{Allowed: true, Reason: "network access granted", AppliedRule: rule}
		}
	}
	return Check{Allowed: false, Reason: "no network rule matches " + host}
}

// CheckCommand checks a command by its program name and by its full text.
func CheckCommand(set Set, command string) Check {
	if hasWildcard(set.Commands) {
		return Check{Allowed: true, Reason: "command granted by wildcard", AppliedRule: Wildcard}
	}
	if risk.HasPathTraversal(command) {
		return Check{Allowed: false, Reason: "path traversal is not permitted"}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Check{Allowed: false, Reason: "empty command"}
	}
	for _, candidate := range []string{fields[0], strings.TrimSpace(command)} {
		if rule, ok := match(set.Commands, candidate); ok {
			return Check{Allowed: true, Reason: "command granted", AppliedRule: rule}
		}
	}
	return Check{Allowed: false, Reason: "command not permitted: " + fields[0]}
}

// CheckEnvVar checks access to a named environment variable.
func CheckEnvVar(set Set, name string) Check {
	if hasWildcard(set.EnvVars) {
		return Check{Allowed: true, Reason: "env var granted by wildcard", AppliedRule: Wildcard}
	}
	if rule, ok := match(set.EnvVars, name); ok {
		return Check{Allowed: true, Reason: "env var granted", AppliedRule: rule}
	}
	return Check{Allowed: false, Reason: "env var not permitted: " + name}
}

// CheckResourceLimits returns every ceiling that usage exceeds.
func CheckResourceLimits(set Set, usage Usage) []Violation {
	var out []Violation
	check := func(resource string, limit, actual float64) {
		if limit > 0 && actual > limit {
			out = append(out, Violation{Resource: resource, Limit: limit, Actual: actual})
		}
	}
	l := set.Limits
	check("cpu_percent", l.MaxCPUPercent, usage.CPUPercent)
	check("memory_mb", l.MaxMemoryMB, usage.MemoryMB)
	check("execution_seconds", l.MaxExecutionSeconds, usage.ExecutionSeconds)
	check("file_size_mb", l.MaxFileSizeMB, usage.FileSizeMB)
	check("network_requests", l.MaxNetworkRequests, usage.NetworkRequests)
	return out
}

// Merge unions the list categories of base and additional. Non-zero limits in
// additional override those in base.
func Merge(base, additional Set) Set {
	out := Set{
		FileRead:  union(base.FileRead, additional.FileRead),
		FileWrite: union(base.FileWrite, additional.FileWrite),
		Network:   union(base.Network, additional.Network),
		Commands:  union(base.Commands, additional.Commands),
		EnvVars:   union(base.EnvVars, additional.EnvVars),
		Limits:    base.Limits,
	}
	override := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	a := additional.Limits
	override(&out.Limits.MaxCPUPercent, a.MaxCPUPercent)
	override(&out.Limits.MaxMemoryMB, a.MaxMemoryMB)
	override(&out.Limits.MaxExecutionSeconds, a.MaxExecutionSeconds)
	override(&out.Limits.MaxFileSizeMB, a.MaxFileSizeMB)
	override(&out.Limits.MaxNetworkRequests, a.MaxNetworkRequests)
	return out
}

func hasWildcard(rules []string) bool {
	for _, r := range rules {
		if r == Wildcard {
			return true
		}
	}
	return false
}

func match(rules []string, target string) (string, bool) {
	for _, r := range rules {
		if r == target {
			return r, true
		}
		if strings.HasSuffix(r, "*") && strings.HasPrefix(target, strings.TrimSuffix(r, "*")) {
			return r, true
		}
	}
	return "", false
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
