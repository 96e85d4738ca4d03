package registry

// ToolDefinition describes one tool on one MCP server.
// Loaded from the mcp_gate_tool_definitions table.
type ToolDefinition struct {
	ID               string
	ServerID         string
	ToolName         string
	Description      string
	ArgumentSchema   map[string]any // JSON Schema, nil if not set
	StrictMode       bool
	BlockOnSuspicion bool
	AllowedPaths     []string
	AllowedSchemes   []string
}
