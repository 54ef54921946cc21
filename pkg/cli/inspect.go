package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/idempotency"
)

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLeaseCommand(a *app) *cobra.Command {
	leaseCmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect leases",
	}

	leaseCmd.AddCommand(&cobra.Command{
		Use:   "status <key>",
		Short: "Show whether a lease key is held and its remaining TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := a.dependencies(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer deps.Close()
			return writeJSON(cmd.OutOrStdout(), deps.Leases.Status(cmd.Context(), args[0]))
		},
	})

	leaseCmd.AddCommand(&cobra.Command{
		Use:   "ttl <key>",
		Short: "Print the remaining TTL in seconds (-1 no expiry, -2 not held)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := a.dependencies(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer deps.Close()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), deps.Leases.Status(cmd.Context(), args[0]).TTLSeconds)
			return err
		},
	})
	return leaseCmd
}

func newNonceCommand(a *app) *cobra.Command {
	nonceCmd := &cobra.Command{
		Use:   "nonce",
		Short: "Inspect and clear idempotency nonces",
	}

	nonceCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count live nonces and list the first keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := a.dependencies(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer deps.Close()
			stats, err := deps.Guard.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("nonce stats: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	})

	nonceCmd.AddCommand(&cobra.Command{
		Use:   "clear <scope> <key>",
		Short: `Clear a nonce so its key can be reused, e.g. "POST:/payments" pay-123 or "[webhook]" n-1`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := idempotency.ValidateKey(args[1]); err != nil {
				return fmt.Errorf("%w: %v", coordstore.ErrInvalidArgument, err)
			}
			deps, err := a.dependencies(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer deps.Close()
			if !deps.Guard.Clear(cmd.Context(), idempotency.ParseScope(args[0]), args[1]) {
				return fmt.Errorf("nonce %s not found in scope %s", args[1], args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s in scope %s\n", args[1], args[0])
			return err
		},
	})
	return nonceCmd
}
