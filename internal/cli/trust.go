package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

func newTrustCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and change server trust in the local state",
	}

	withState := func(fn func(ctx context.Context, cmd *cobra.Command, st *state, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger := o.logger(cmd.ErrOrStderr())
			st, err := o.openState(ctx, logger)
			if err != nil {
				return err
			}
			defer st.close()
			return fn(ctx, cmd, st, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known servers",
		Args:  cobra.NoArgs,
		RunE: withState(func(_ context.Context, cmd *cobra.Command, st *state, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tLEVEL\tWHITELIST\tBLACKLIST\tEXPIRES")
			for _, r := range st.trust.List() {
				expires := "-"
				if r.ExpiresAt != nil {
					expires = r.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", r.ServerID, r.Level, r.WhitelistTools, r.BlacklistTools, expires)
			}
			return tw.Flush()
		}),
	})

	var ttl time.Duration
	set := &cobra.Command{
		Use:   "set SERVER LEVEL",
		Short: "Set a server's trust level (trusted, untrusted, sandboxed)",
		Args:  cobra.ExactArgs(2),
		RunE: withState(func(ctx context.Context, cmd *cobra.Command, st *state, args []string) error {
			level, err := trust.ParseLevel(args[1])
			if err != nil {
				return err
			}
			if err := st.trust.Grant(ctx, args[0], level, "cli", ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], level)
			return nil
		}),
	}
	set.Flags().DurationVar(&ttl, "ttl", 0, "Expire the grant after this long (0 = never)")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "allow SERVER TOOL",
		Short: "Whitelist a tool on a server",
		Args:  cobra.ExactArgs(2),
		RunE: withState(func(ctx context.Context, cmd *cobra.Command, st *state, args []string) error {
			if err := st.trust.WhitelistTool(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: whitelisted\n", args[0], args[1])
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "block SERVER TOOL",
		Short: "Blacklist a tool on a server",
		Args:  cobra.ExactArgs(2),
		RunE: withState(func(ctx context.Context, cmd *cobra.Command, st *state, args []string) error {
			if err := st.trust.BlacklistTool(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: blacklisted\n", args[0], args[1])
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke SERVER",
		Short: "Reset a server to untrusted",
		Args:  cobra.ExactArgs(1),
		RunE: withState(func(ctx context.Context, cmd *cobra.Command, st *state, args []string) error {
			if err := st.trust.Revoke(ctx, args[0], "cli"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: revoked\n", args[0])
			return nil
		}),
	})
	return cmd
}
