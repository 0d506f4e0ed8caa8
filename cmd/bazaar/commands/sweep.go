package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"bazaar/internal/app"
	"bazaar/internal/crypto"
)

// sweep: run one settlement sweep now, without the HTTP layer.
func sweepCmd() *cobra.Command {
	var seller string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a settlement sweep for one seller or all active sellers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seller != "" && !crypto.ValidPublicKey(seller) {
				return fmt.Errorf("--seller must be a hex public key")
			}
			return withWire(cmd.Context(), func(w *app.Wire) error {
				if seller != "" {
					rep, err := w.Scheduler.RunSeller(cmd.Context(), seller)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rep)
				}
				rep, err := w.Scheduler.RunAll(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "seller public key (default: every active seller)")
	return cmd
}
