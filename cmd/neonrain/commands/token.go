package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zggf-zggf/neonrain/pkg/neonrain/config"
	"github.com/zggf-zggf/neonrain/pkg/neonrain/store"
)

// newTokenCmd creates the `neonrain token` command group for managing
// gateway access tokens.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage web gateway access tokens",
	}
	cmd.AddCommand(newTokenNewCmd())
	return cmd
}

func newTokenNewCmd() *cobra.Command {
	var (
		label string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Mint a new gateway token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config %s: %w", path, err)
			}

			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			token, err := db.CreateToken(context.Background(), label, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("token: %s\nexpires: %s\n", token, time.Now().Add(ttl).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "default", "label for the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
