package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/tgway/internal/config"
	"github.com/basket/tgway/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		st, err := store.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store (applies migrations): %w", err)
		}
		defer st.Close()

		fmt.Println("migrations applied")
		return nil
	},
}
