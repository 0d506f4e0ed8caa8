package commands

import (
	"github.com/spf13/cobra"

	"bazaar/internal/app"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the outbound retry queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Re-publish due events to the relays that rejected them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWire(cmd.Context(), func(w *app.Wire) error {
				rep, err := w.Outbox.RetryFailed(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	})
	return cmd
}
