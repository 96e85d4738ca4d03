package policy

import (
	"time"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// EffectivePolicy is the merged settings map for one context.
type EffectivePolicy struct {
	Settings            map[string]any
	EmergencyMode       bool
	AppliedPolicies     []string
	EvaluatedFor        Context
	EvaluationTimestamp time.Time
}

// DefaultEffectivePolicy is the policy in force when no engine is configured.
func DefaultEffectivePolicy() EffectivePolicy {
	return EffectivePolicy{Settings: Defaults(), EvaluationTimestamp: time.Now()}
}

// Value returns a raw setting.
func (p EffectivePolicy) Value(key string) (any, bool) {
	v, ok := p.Settings[key]
	return v, ok
}

// DefaultServerTrust falls back to untrusted.
func (p EffectivePolicy) DefaultServerTrust() trust.Level {
	s, _ := p.Settings[KeyDefaultServerTrust].(string)
	if l, err := trust.ParseLevel(s); err == nil {
		return l
	}
	return trust.LevelUntrusted
}

// RequireConfirmationThreshold falls back to medium.
func (p EffectivePolicy) RequireConfirmationThreshold() risk.Level {
	s, _ := p.Settings[KeyRequireConfirmationThreshold].(string)
	if l, err := risk.ParseLevel(s); err == nil {
		return l
	}
	return risk.LevelMedium
}

// AutoBlockHighRisk falls back to true.
func (p EffectivePolicy) AutoBlockHighRisk() bool {
	if b, ok := p.Settings[KeyAutoBlockHighRisk].(bool); ok {
		return b
	}
	return true
}

// SessionTrustTimeout falls back to one hour.
func (p EffectivePolicy) SessionTrustTimeout() time.Duration {
	if n, ok := asInt(p.Settings[KeySessionTrustTimeout]); ok && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return time.Hour
}

// MaxConcurrentExecutions falls back to 10.
func (p EffectivePolicy) MaxConcurrentExecutions() int {
	if n, ok := asInt(p.Settings[KeyMaxConcurrentExecutions]); ok && n > 0 {
		return n
	}
	return 10
}

// ConfirmationRequiredForAll is set while an emergency is active.
func (p EffectivePolicy) ConfirmationRequiredForAll() bool {
	b, _ := p.Settings[KeyConfirmationRequiredForAll].(bool)
	return b
}
