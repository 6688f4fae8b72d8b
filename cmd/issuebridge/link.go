package main

import (
	"fmt"
	"strings"

	"github.com/pysugar/issuebridge/internal/config"
	"github.com/pysugar/issuebridge/internal/projects"
	"github.com/spf13/cobra"
)

var linkProjectCmd = &cobra.Command{
	Use:   "link-project <project-id> <provider> <external-board-id>",
	Short: "Route a provider board's webhooks to a project",
	Long: `Binds an external board identifier to a local project so webhook
events carrying it can be applied. Board identifiers per provider:

  github   repository full name (owner/repo)
  jira     project key
  linear   team id
  zendesk  account id`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := strings.ToLower(args[1])
		known := false
		for _, p := range config.KnownProviders {
			known = known || p == provider
		}
		if !known {
			return fmt.Errorf("unknown provider %q (expected one of %v)", args[1], config.KnownProviders)
		}

		_, database, err := loadConfig()
		if err != nil {
			return err
		}
		if err := projects.NewGormResolver(database).Link(cmd.Context(), args[0], provider, args[2]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "linked %s board %q to project %s\n", provider, args[2], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkProjectCmd)
}
