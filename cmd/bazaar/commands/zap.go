package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bazaar/internal/crypto"
	"bazaar/internal/services/zap"
)

func zapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zap",
		Short: "Zap receipt tools",
	}
	cmd.AddCommand(zapVerifyCmd())
	return cmd
}

// verify: wait for a zap receipt and print it once it checks out.
func zapVerifyCmd() *cobra.Command {
	var (
		exp     zap.Expectation
		since   time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Wait for a zap receipt to a recipient and validate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !crypto.ValidPublicKey(exp.Recipient) {
				return errors.New("--recipient must be a hex public key")
			}
			if exp.Provider != "" && !crypto.ValidPublicKey(exp.Provider) {
				return errors.New("--provider must be a hex public key")
			}
			exp.Relays = cfg.Relays
			if len(exp.Relays) == 0 {
				return errors.New("no relay configured. use --relay")
			}
			if since > 0 {
				exp.Since = time.Now().Add(-since)
			}

			pool := newPool()
			defer pool.Close()
			v := zap.New(pool, zap.Options{Timeout: timeout, Logger: logger})
			receipt, err := v.Await(cmd.Context(), exp)
			if err != nil {
				return fmt.Errorf("zap not confirmed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&exp.Recipient, "recipient", "", "zapped public key")
	cmd.Flags().StringVar(&exp.EventID, "event", "", "zapped event id")
	cmd.Flags().StringVar(&exp.RequestID, "request", "", "zap request id")
	cmd.Flags().StringVar(&exp.Provider, "provider", "", "expected receipt author (LNURL server key)")
	cmd.Flags().Int64Var(&exp.AmountMsat, "amount-msat", 0, "expected amount in millisatoshis")
	cmd.Flags().DurationVar(&since, "since", 10*time.Minute, "look back this far for receipts")
	cmd.Flags().DurationVar(&timeout, "timeout", zap.DefaultTimeout, "give up after")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}
