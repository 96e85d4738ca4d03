package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Validate every document in a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := policy.LoadFile(args[0])
			if err != nil {
				var verr *policy.ValidationError
				if errors.As(err, &verr) {
					for _, msg := range verr.Errors {
						fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", msg)
					}
					return fmt.Errorf("%s: %d problem(s)", args[0], len(verr.Errors))
				}
				return err
			}
			n := len(cfg.Policies)
			if len(cfg.Global) > 0 {
				n++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d document(s) valid\n", args[0], n)
			return nil
		},
	})
	return cmd
}
