package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bazaar/internal/crypto"
	"bazaar/internal/domain"
	"bazaar/internal/protocol/rpc"
	"bazaar/internal/relay"
	"bazaar/internal/signer"
)

func signerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Manage the stored signer",
	}
	cmd.AddCommand(signerLoginCmd(), signerWhoamiCmd(), signerPingCmd())
	return cmd
}

func onChallenge(cmd *cobra.Command) rpc.ChallengeHandler {
	return func(c rpc.Challenge) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Approve %s in your signer: %s\n", c.Method, c.URL)
	}
}

// login: create a local key or pair with a bunker, then store the session.
func signerLoginCmd() *cobra.Command {
	var (
		bunkerURL string
		secretKey string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a local key or a bunker session, sealed with the passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := signer.ValidatePassphrase(cfg.Passphrase); err != nil {
				return err
			}
			if bunkerURL != "" && secretKey != "" {
				return errors.New("use either --bunker or --secret-key")
			}

			var (
				s    domain.Signer
				pool *relay.Pool
				err  error
			)
			switch {
			case bunkerURL != "":
				pool = newPool()
				defer pool.Close()
				s, err = signer.NewBunker(pool, bunkerURL, signer.BunkerOptions{
					Timeout:         cfg.SignerTimeout,
					OnAuthChallenge: onChallenge(cmd),
					Logger:          logger,
				})
			case secretKey != "":
				s, err = signer.NewLocal(secretKey)
			default:
				s, err = signer.GenerateLocal()
			}
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.Connect(cmd.Context()); err != nil {
				return err
			}
			pk, err := s.GetPublicKey(cmd.Context())
			if err != nil {
				return err
			}
			data, err := signer.Marshal(s, cfg.Passphrase)
			if err != nil {
				return err
			}
			if err := signerStore().SaveSigner(cfg.Passphrase, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signer stored.\nPublic key: %s\nFingerprint: %s\n", pk, crypto.Fingerprint(pk))
			return nil
		},
	}
	cmd.Flags().StringVar(&bunkerURL, "bunker", "", "bunker://<remote-pubkey>?relay=...&secret=...")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "hex secret key to import (default: generate)")
	return cmd
}

// restoreStored loads the stored signer; the caller closes it.
func restoreStored(cmd *cobra.Command) (domain.Signer, func(), error) {
	if cfg.Passphrase == "" {
		return nil, nil, fmt.Errorf("passphrase required (-p)")
	}
	data, err := signerStore().LoadSigner(cfg.Passphrase)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, fmt.Errorf("no stored signer, run: bazaar signer login")
	}
	if err != nil {
		return nil, nil, err
	}
	pool := newPool()
	s, err := signer.Restore(data, signer.RestoreOptions{
		Passphrase:      cfg.Passphrase,
		Pool:            pool,
		OnAuthChallenge: onChallenge(cmd),
		Timeout:         cfg.SignerTimeout,
		Logger:          logger,
	})
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return s, func() {
		_ = s.Close()
		_ = pool.Close()
	}, nil
}

func signerWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the stored signer's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := restoreStored(cmd)
			if err != nil {
				return err
			}
			defer done()
			pk, err := s.GetPublicKey(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Type: %s\nPublic key: %s\nFingerprint: %s\n", s.Type(), pk, crypto.Fingerprint(pk))
			return nil
		},
	}
}

func signerPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a bunker signer answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := restoreStored(cmd)
			if err != nil {
				return err
			}
			defer done()
			b, ok := s.(*signer.Bunker)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s signer, nothing to ping\n", s.Type())
				return nil
			}
			if err := b.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pong")
			return nil
		},
	}
}
