package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/store"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.New(viper.GetString("log_level"))

			db, err := store.New(ctx, viper.GetString("database.url"))
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("database schema is up to date")
			return nil
		},
	}
}
