package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/llmrelay/relay/internal/app"
	"github.com/llmrelay/relay/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	// Admin API flags
	apiURL     string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Administer a relay LLM gateway",
	Long: `relayctl manages client credentials, upstream provider secrets, pricing
and model enablement, and queries the admin API of a running gateway.

Database commands read RELAY_DB_DSN and the RELAY_ENCRYPTION_* settings,
including a .env file in the working directory, exactly as the server does.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("RELAY_URL", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("RELAY_ADMIN_TOKEN"), "admin bearer token")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore loads the server configuration and opens the migrated store.
func openStore(ctx context.Context) (*store.Store, app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, app.Config{}, err
	}
	s, err := store.Open(cfg.DBDSN)
	if err != nil {
		return nil, app.Config{}, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, app.Config{}, err
	}
	return s, cfg, nil
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
