package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/app"
	"github.com/relaygate/relaygate/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session access token for a user of a tenant",
		Long:  "Issue a session access token. The session record is written to Redis, so the config must use the redis backplane.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if tenant == "" || user == "" {
				return fmt.Errorf("--tenant and --user are required")
			}

			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Backplane.Driver != "redis" {
				return fmt.Errorf("issuing tokens requires the redis backplane")
			}

			a, err := app.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.Sessions().Issue(cmd.Context(), tenant, user, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("user", "", "user id to bind")
	cmd.Flags().Duration("ttl", 24*time.Hour, "session lifetime")
	return cmd
}
