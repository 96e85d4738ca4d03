package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the policy configuration file.
//
//	global:
//	  require_confirmation_threshold: high
//	policies:
//	  - name: ops-team
//	    level: user
//	    priority: 80
//	    conditions: {user_id: [alice, bob]}
//	    settings: {auto_block_high_risk: false}
type FileConfig struct {
	Global   map[string]any   `yaml:"global"`
	Policies []map[string]any `yaml:"policies"`
}

// GlobalPolicyName is the record the global section is loaded into.
const GlobalPolicyName = "global"

// LoadFile reads and validates a policy file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a policy file and validates every document. Problems
// from all documents are reported together.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ParseConfig: %w", err)
	}

	var all []string
	for _, doc := range cfg.documents() {
		if _, err := Validate(doc.data); err != nil {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				return nil, err
			}
			for _, msg := range ve.Errors {
				all = append(all, doc.label+": "+msg)
			}
		}
	}
	if len(all) > 0 {
		return nil, &ValidationError{Errors: all}
	}
	return &cfg, nil
}

type configDocument struct {
	label string
	data  map[string]any
}

func (c *FileConfig) documents() []configDocument {
	var docs []configDocument
	if len(c.Global) > 0 {
		docs = append(docs, configDocument{label: "global", data: map[string]any{
			"name":       GlobalPolicyName,
			"level":      string(LevelGlobal),
			"settings":   c.Global,
			"priority":   0,
			"created_by": "config",
		}})
	}
	for i, p := range c.Policies {
		label := fmt.Sprintf("policies[%d]", i)
		if name, ok := p["name"].(string); ok && name != "" {
			label = fmt.Sprintf("policies[%d] (%s)", i, name)
		}
		docs = append(docs, configDocument{label: label, data: p})
	}
	return docs
}

// Apply upserts every document of cfg into the engine.
func (e *Engine) Apply(ctx context.Context, cfg *FileConfig) error {
	for _, doc := range cfg.documents() {
		if _, err := e.Upsert(ctx, doc.data); err != nil {
			return fmt.Errorf("Apply %s: %w", doc.label, err)
		}
	}
	return nil
}
