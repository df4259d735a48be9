// Package cmd wires configuration and subcommands for the replyflow binary.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replyflow/replyflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "replyflow",
	Short: "AI-driven email conversations over Gmail",
	Long: `replyflow keeps AI-driven email conversations going: it subscribes to
Gmail mailbox changes, reconciles every inbound message against its
conversation's AI thread, and mails the assistant's reply back out.`,
	SilenceUsage: true,
}

// version is set by main from the build-time variable.
var version = "dev"

// SetVersion sets the version reported by the root command.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the entry point for the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "replyflow version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("listen-addr", ":8080", "Address the API server binds to")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "Address the metrics server binds to")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection URL")

	_ = viper.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	_ = viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSetupCmd())
}

func initConfig() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/replyflow")

	viper.SetEnvPrefix("REPLYFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
