package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/executor"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/invocation"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/permissions"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/surface"
)

// dryRun stands in for an MCP server: every call succeeds without side effects.
type dryRun struct{}

func (dryRun) GetConnection(context.Context, string) (invocation.Connection, error) {
	return dryRun{}, nil
}

func (dryRun) Send(_ context.Context, tool string, _ *structpb.Struct) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("dry run: " + tool + " not dispatched"), nil
}

func newCheckCmd(o *options) *cobra.Command {
	var (
		serverID, tool, raw string
		userID, profile     string
		headless, skip      bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a tool call through the gate without dispatching it",
		Long: `check runs the full gate pipeline against a dry-run server: sanitization,
risk assessment, trust, policy, confirmation and permission checks. Interactive
terminals are prompted when confirmation is required; --headless decides from
policy alone.`,
		Example: `  mcp-gate check --server fs --tool read_file --params '{"path":"/tmp/x"}'
  mcp-gate check --headless --server shell --tool execute_command --params '{"command":"ls"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parseParams(raw)
			if err != nil {
				return err
			}
			logger := o.logger(cmd.ErrOrStderr())
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := o.openState(ctx, logger)
			if err != nil {
				return err
			}
			defer st.close()

			ic := invocation.Context{
				ServerID:         serverID,
				UserID:           userID,
				SessionID:        audit.NewRequestID(),
				Interface:        invocation.InterfaceCLI,
				Connections:      dryRun{},
				SkipConfirmation: skip,
			}
			if profile != "" {
				set, err := permissions.Profile(profile)
				if err != nil {
					return err
				}
				ic.Permissions = &set
			}

			exec := executor.New(executor.Config{
				Trust:    st.trust,
				Policies: st.policies,
				Audit:    audit.NewLogWriter(logger),
				Surface: &surface.Terminal{
					In:          cmd.InOrStdin(),
					Out:         cmd.ErrOrStderr(),
					Interactive: o.interactive,
				},
				Logger: logger,
			})

			var res *executor.Result
			if headless {
				res, err = exec.ExecuteHeadless(ctx, tool, p, ic, nil)
			} else {
				res, err = exec.ExecuteSecure(ctx, tool, p, ic)
			}
			if err != nil {
				var xerr *executor.Error
				if errors.As(err, &xerr) {
					printDenied(cmd.OutOrStdout(), xerr)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"request_id":            res.RequestID,
				"decision":              res.SecurityDecision,
				"risk_level":            res.RiskLevel.String(),
				"risk_factors":          factorStrings(res),
				"confirmation_required": res.ConfirmationRequired,
				"warnings":              res.SanitizationWarnings,
			})
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "Server id")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	cmd.Flags().StringVar(&raw, "params", "{}", "Tool parameters as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "", "User id (headless default: system)")
	cmd.Flags().StringVar(&profile, "profile", "", "Permission profile: restricted, standard or admin")
	cmd.Flags().BoolVar(&headless, "headless", false, "Decide without prompting")
	cmd.Flags().BoolVar(&skip, "skip-confirmation", false, "Proceed without prompting")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func factorStrings(res *executor.Result) []string {
	out := make([]string, len(res.RiskFactors))
	for i, f := range res.RiskFactors {
		out[i] = string(f)
	}
	return out
}

func printDenied(w io.Writer, err *executor.Error) {
	fmt.Fprintf(w, "DENIED [%s] risk=%s: %s\n", err.Type, err.RiskLevel, err.SecurityReason)
}
