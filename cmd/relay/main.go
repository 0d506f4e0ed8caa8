package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"bazaar/internal/app"
	"bazaar/internal/relay/devrelay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr   string
		verify bool
		debug  bool
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory Nostr relay for development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := app.NewLogger(cmd.ErrOrStderr(), debug)
			rl := devrelay.New(devrelay.Options{VerifySignatures: verify, Logger: log})

			r := chi.NewRouter()
			r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
			})
			r.Handle("/", rl)

			srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rl.DropConnections()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info("relay listening", "addr", addr, "url", devrelay.WebsocketURL("http://"+hostFor(addr)))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7447", "listen address")
	cmd.Flags().BoolVar(&verify, "verify", true, "reject events with a bad id or signature")
	cmd.Flags().BoolVar(&debug, "debug", false, "text logs at debug level")
	return cmd
}

func hostFor(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
