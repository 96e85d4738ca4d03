// Package registry holds per-server tool definitions that tighten parameter
// sanitization for individual tools.
package registry

import (
	"context"
	"sync"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/sanitize"
)

// ToolRegistry provides tool definitions for a server.
type ToolRegistry interface {
	// GetTool returns the ToolDefinition for a server+tool pair.
	// Returns nil if the tool is not registered.
	GetTool(ctx context.Context, serverID, toolName string) (*ToolDefinition, error)
}

// Apply overlays a definition onto base sanitizer options. A nil definition
// leaves base unchanged.
func Apply(base sanitize.Options, td *ToolDefinition) sanitize.Options {
	if td == nil {
		return base
	}
	if td.ArgumentSchema != nil {
		base.ArgumentSchema = td.ArgumentSchema
	}
	if td.StrictMode {
		base.StrictMode = true
	}
	if td.BlockOnSuspicion {
		base.BlockOnSuspicion = true
	}
	if len(td.AllowedPaths) > 0 {
		base.AllowedPaths = td.AllowedPaths
	}
	if len(td.AllowedSchemes) > 0 {
		base.AllowedSchemes = td.AllowedSchemes
	}
	return base
}

// Options looks up the tool's definition and applies it to base. A nil
// registry returns base. On lookup failure base is returned with the error.
func Options(ctx context.Context, reg ToolRegistry, base sanitize.Options, serverID, toolName string) (sanitize.Options, error) {
	if reg == nil {
		return base, nil
	}
	td, err := reg.GetTool(ctx, serverID, toolName)
	if err != nil {
		return base, err
	}
	return Apply(base, td), nil
}

// MemoryRegistry is a fixed in-process registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

func NewMemoryRegistry(defs ...*ToolDefinition) *MemoryRegistry {
	r := &MemoryRegistry{tools: make(map[string]*ToolDefinition)}
	for _, td := range defs {
		r.Put(td)
	}
	return r
}

// Put registers or replaces a definition.
func (r *MemoryRegistry) Put(td *ToolDefinition) {
	r.mu.Lock()
	r.tools[cacheKey(td.ServerID, td.ToolName)] = td
	r.mu.Unlock()
}

func (r *MemoryRegistry) GetTool(_ context.Context, serverID, toolName string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[cacheKey(serverID, toolName)], nil
}
