package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/store"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures-file>",
		Short: "Load tenants, API keys and rate limits from a JSON file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixtures: %w", err)
			}

			s, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			defer s.Close()

			n, err := store.LoadFixtures(cmd.Context(), s, data)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d tenant(s) into %s store\n", n, cfg.Storage.Driver)
			return nil
		},
	}
}
