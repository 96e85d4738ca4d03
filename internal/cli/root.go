// Package cli implements the mcp-gate operator command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/surface"
)

type options struct {
	policyPath string
	statePath  string
	verbose    bool

	// interactive reports whether confirmation prompts can be answered.
	interactive func() bool
}

// NewRootCmd builds the mcp-gate command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(surface.IsInteractive)
}

func newRootCmd(interactive func() bool) *cobra.Command {
	opts := &options{interactive: interactive}
	root := &cobra.Command{
		Use:   "mcp-gate",
		Short: "mcp-gate - trust and safety gate for MCP tool calls",
		Long: `mcp-gate decides whether a tool call an agent wants to make on an MCP
server is safe: it sanitizes parameters, assesses risk, applies server trust and
policy, and asks for confirmation when a human needs to decide.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.policyPath, "policy", "", "Path to a policy YAML file")
	root.PersistentFlags().StringVar(&opts.statePath, "state", "", "Path to the SQLite trust database (default: in memory)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log audit records and decisions")

	root.AddCommand(
		newAssessCmd(),
		newSanitizeCmd(),
		newPolicyCmd(),
		newCheckCmd(opts),
		newTrustCmd(opts),
	)
	return root
}

func (o *options) logger(w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	if o.verbose {
		level = zapcore.InfoLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

func parseParams(raw string) (*structpb.Struct, error) {
	p, err := params.FromJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return p, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
