package main

import (
	"context"
	"fmt"
	"log"

	"github.com/pysugar/issuebridge/internal/auth/state"
	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/db"
	"github.com/pysugar/issuebridge/internal/version"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "issuebridge",
	Short: "OAuth and webhook bridge between repositories and issue trackers",
	Long: `issuebridge signs users in with GitHub, links their Jira, Linear and
Zendesk accounts, keeps the tokens fresh and applies tracker webhooks to
the linked projects exactly once.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default: $ISSUEBRIDGE_CONFIG or ./issuebridge.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cfg, database, nil
}

// openStateStore uses Redis when REDIS_URL is configured, the database otherwise.
func openStateStore(ctx context.Context, cfg *config.Config, database *gorm.DB) (state.Store, func(), error) {
	if cfg.RedisURL == "" {
		return state.NewGormStore(database), func() {}, nil
	}
	rs, err := state.NewRedisStoreFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("🗝️ OAuth state stored in Redis")
	return rs, func() { _ = rs.Close() }, nil
}
