package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired, never-used OAuth states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := loadConfig()
		if err != nil {
			return err
		}
		states, closeStates, err := openStateStore(cmd.Context(), cfg, database)
		if err != nil {
			return err
		}
		defer closeStates()

		n, err := states.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d expired oauth state(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
