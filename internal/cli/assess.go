package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/sanitize"
)

func newAssessCmd() *cobra.Command {
	var tool, raw string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Classify the risk of a tool call",
		Example: `  mcp-gate assess --tool execute_command --params '{"command":"rm -rf /"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parseParams(raw)
			if err != nil {
				return err
			}
			a := risk.Assess(tool, p)
			factors := make([]string, len(a.Factors))
			for i, f := range a.Factors {
				factors[i] = string(f)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"tool":         tool,
				"risk_level":   a.Level.String(),
				"risk_factors": factors,
			})
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	cmd.Flags().StringVar(&raw, "params", "{}", "Tool parameters as a JSON object")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newSanitizeCmd() *cobra.Command {
	var (
		tool, raw    string
		opts         sanitize.Options
		allowedPaths []string
	)
	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Sanitize tool parameters and report what would be blocked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parseParams(raw)
			if err != nil {
				return err
			}
			opts.AllowedPaths = allowedPaths
			res := sanitize.Parameters(p, tool, opts)
			out := map[string]any{
				"blocked":  res.Blocked,
				"warnings": res.Warnings,
			}
			if res.Blocked {
				out["reason"] = res.Reason
			} else {
				out["parameters"] = sanitize.Redact(res.Params).AsMap()
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if res.Blocked {
				return fmt.Errorf("blocked: %s", res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	cmd.Flags().StringVar(&raw, "params", "{}", "Tool parameters as a JSON object")
	cmd.Flags().BoolVar(&opts.StrictMode, "strict", false, "Treat suspicious commands as violations")
	cmd.Flags().BoolVar(&opts.BlockOnSuspicion, "block-on-suspicion", false, "Block on any soft finding")
	cmd.Flags().StringSliceVar(&allowedPaths, "allowed-path", nil, "Restrict paths to these prefixes (repeatable)")
	return cmd
}
