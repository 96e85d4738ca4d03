// Package invocation carries the caller-supplied context of a tool call and
// the connection capabilities used to dispatch it.
package invocation

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/permissions"
)

// Interface names the surface a call originates from.
type Interface string

const (
	InterfaceCLI      Interface = "cli"
	InterfaceTUI      Interface = "tui"
	InterfaceWeb      Interface = "web"
	InterfaceAPI      Interface = "api"
	InterfaceHeadless Interface = "headless"
)

// SystemUserID is the identity recorded for unattended executions.
const SystemUserID = "system"

// Connection is a handle to one MCP server. The gate never frames protocol
// messages itself; it only hands over the sanitized arguments.
type Connection interface {
	Send(ctx context.Context, tool string, args *structpb.Struct) (*mcp.CallToolResult, error)
}

// ConnectionManager resolves a server id to a live connection.
type ConnectionManager interface {
	GetConnection(ctx context.Context, serverID string) (Connection, error)
}

// ConnectionManagerFunc adapts a function to ConnectionManager.
type ConnectionManagerFunc func(ctx context.Context, serverID string) (Connection, error)

func (f ConnectionManagerFunc) GetConnection(ctx context.Context, serverID string) (Connection, error) {
	return f(ctx, serverID)
}

// Context is the tool invocation context supplied by the caller.
type Context struct {
	ServerID    string
	UserID      string
	SessionID   string
	Interface   Interface
	Connections ConnectionManager

	SkipConfirmation bool
	BlockOnSuspicion bool

	// Permissions, when set, is checked against the sanitized arguments.
	Permissions *permissions.Set
}

// Validate reports the first structural problem with c.
func (c Context) Validate() error {
	switch {
	case c.ServerID == "":
		return errors.New("server_id is required")
	case c.Connections == nil:
		return errors.New("connection manager is required")
	}
	return nil
}

// User returns the user id, falling back to SystemUserID.
func (c Context) User() string {
	if c.UserID == "" {
		return SystemUserID
	}
	return c.UserID
}
