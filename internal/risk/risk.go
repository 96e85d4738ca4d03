// Package risk classifies MCP tool invocations into coarse risk levels.
// Everything here is pure and safe for concurrent use.
package risk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"google.golang.org/protobuf/types/known/structpb"
)

// Level is a coarse severity classification. The zero value is invalid.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unspecified"
	}
}

// ParseLevel parses a lowercase level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// Factor is a single signal contributing to a risk level.
type Factor string

const (
	FactorDestructiveCommand  Factor = "destructive_command"
	FactorCommandInjection    Factor = "command_injection_risk"
	FactorPrivilegeEscalation Factor = "privilege_escalation"
	FactorSensitivePath       Factor = "sensitive_path"
	FactorPathTraversal       Factor = "path_traversal"
	FactorUnsafeProtocol      Factor = "unsafe_protocol"
	FactorSensitiveData       Factor = "sensitive_data"
	FactorInsecureProtocol    Factor = "insecure_protocol"
	FactorCommandExecution    Factor = "command_execution"
	FactorNetworkAccess       Factor = "network_access"
	FactorWriteOperation      Factor = "write_operation"
)

var factorSeverity = map[Factor]Level{
	FactorDestructiveCommand:  LevelCritical,
	FactorCommandInjection:    LevelCritical,
	FactorPrivilegeEscalation: LevelCritical,
	FactorSensitivePath:       LevelHigh,
	FactorPathTraversal:       LevelHigh,
	FactorUnsafeProtocol:      LevelHigh,
	FactorSensitiveData:       LevelMedium,
	FactorInsecureProtocol:    LevelMedium,
	FactorCommandExecution:    LevelMedium,
	FactorNetworkAccess:       LevelLow,
	FactorWriteOperation:      LevelLow,
}

// Severity returns the level a single factor forces. Unknown factors are low.
func (f Factor) Severity() Level {
	if l, ok := factorSeverity[f]; ok {
		return l
	}
	return LevelLow
}

// Assessment is the ephemeral result of assessing one call.
type Assessment struct {
	Level   Level
	Factors []Factor // sorted, de-duplicated
}

// Has reports whether the assessment includes factor f.
func (a Assessment) Has(f Factor) bool {
	for _, x := range a.Factors {
		if x == f {
			return true
		}
	}
	return false
}

// ClassifyByFactors returns the maximum severity across factors. A single
// critical factor forces critical regardless of the others; no factors is low.
func ClassifyByFactors(factors []Factor) Level {
	level := LevelLow
	for _, f := range factors {
		if s := f.Severity(); s > level {
			level = s
		}
	}
	return level
}

var commandToolFragments = []string{"exec", "shell", "bash", "terminal", "run_command", "command"}
var writeToolFragments = []string{"write", "delete", "remove", "create", "update", "move", "rename", "upload"}

// IsWriteTool reports whether a tool name looks mutating.
func IsWriteTool(tool string) bool {
	lower := strings.ToLower(tool)
	for _, frag := range writeToolFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Assess classifies a tool call. It inspects path-, command- and URL-like
// keys, credential-named keys and card/SSN-shaped values anywhere in the tree.
func Assess(tool string, p *structpb.Struct) Assessment {
	set := make(map[Factor]struct{})
	add := func(f Factor) { set[f] = struct{}{} }

	lowerTool := strings.ToLower(tool)
	for _, frag := range commandToolFragments {
		if strings.Contains(lowerTool, frag) {
			add(FactorCommandExecution)
			break
		}
	}
	if IsWriteTool(tool) {
		add(FactorWriteOperation)
	}

	for _, k := range params.Keys(p) {
		if IsSensitiveKey(k) {
			add(FactorSensitiveData)
			break
		}
	}

	params.Walk(p, func(_, key, value string) {
		if SensitiveValue(value) != "" {
			add(FactorSensitiveData)
		}

		switch {
		case IsCommandKey(key):
			if DestructiveCommand(value) != "" {
				add(FactorDestructiveCommand)
			}
			if IsPrivilegeEscalation(value) {
				add(FactorPrivilegeEscalation)
			}
			if HasCommandInjection(value) {
				add(FactorCommandInjection)
			}
			if IsSensitivePath(value) {
				add(FactorSensitivePath)
			}
		case IsPathKey(key):
			if IsSensitivePath(value) {
				add(FactorSensitivePath)
			}
			if HasPathTraversal(value) {
				add(FactorPathTraversal)
			}
		}

		scheme := Scheme(value)
		if scheme == "" && IsURLKey(key) && value != "" {
			scheme = "https"
		}
		if scheme != "" && (IsURLKey(key) || strings.Contains(value, "://")) {
			add(FactorNetworkAccess)
			switch scheme {
			case "https":
			case "http":
				add(FactorInsecureProtocol)
			default:
				add(FactorUnsafeProtocol)
			}
		}
	})

	factors := make([]Factor, 0, len(set))
	for f := range set {
		factors = append(factors, f)
	}
	sort.Slice(factors, func(i, j int) bool { return factors[i] < factors[j] })

	return Assessment{
		Level:   ClassifyByFactors(factors),
		Factors: factors,
	}
}

// ContainsSensitivePath reports whether any path- or command-like value in the
// tree references a sensitive file or traverses directories.
func ContainsSensitivePath(p *structpb.Struct) bool {
	found := false
	params.Walk(p, func(_, key, value string) {
		if found {
			return
		}
		if IsPathKey(key) || IsCommandKey(key) {
			found = IsSensitivePath(value) || HasPathTraversal(value)
		}
	})
	return found
}
