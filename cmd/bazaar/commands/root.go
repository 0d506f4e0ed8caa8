package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bazaar/internal/app"
	"bazaar/internal/relay"
	"bazaar/internal/store"
)

var (
	cfg    app.Config
	logger *slog.Logger

	home       string
	passphrase string
	relays     []string
	addr       string
)

func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bazaar",
		Short:        "Nostr marketplace settlement service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if home != "" {
				loaded.Home = home
				loaded.OutboxPath = ""
				if err := loaded.Normalize(); err != nil {
					return err
				}
			}
			if passphrase != "" {
				loaded.Passphrase = passphrase
			}
			if len(relays) > 0 {
				loaded.Relays = relays
			}
			if addr != "" {
				loaded.Addr = addr
			}
			if err := os.MkdirAll(loaded.Home, 0o700); err != nil {
				return err
			}
			cfg = loaded
			logger = app.NewLogger(cmd.ErrOrStderr(), cfg.Development())
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.bazaar)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting signer keys")
	root.PersistentFlags().StringSliceVar(&relays, "relay", nil, "relay URL (repeatable, e.g. wss://relay.example)")
	root.PersistentFlags().StringVar(&addr, "addr", "", "HTTP listen address (default :8080)")

	root.AddCommand(serveCmd(), sweepCmd(), signerCmd(), outboxCmd(), zapCmd())
	return root
}

// withWire builds the full dependency graph for the duration of fn.
func withWire(ctx context.Context, fn func(*app.Wire) error) error {
	w, err := app.NewWire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(w)
}

// newPool returns a relay pool for commands that need no store.
func newPool() *relay.Pool {
	return relay.New(relay.Options{
		KeepAlive:    cfg.RelayKeepAlive,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	})
}

func signerStore() *store.SignerFileStore {
	return store.NewSignerFileStore(cfg.Home)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
