package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/miladsoleymani/relaymux/broker"
)

var driversJSON bool

// driversCmd represents the drivers command
var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List registered broker drivers",
	Long: `List the names accepted as initial-context-factory.

Examples:
  relaymux drivers
  relaymux drivers --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		names := broker.Default.Names()
		if driversJSON {
			return writeJSON(cmd.OutOrStdout(), names)
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

func init() {
	driversCmd.Flags().BoolVar(&driversJSON, "json", false, "print as a JSON array")
	rootCmd.AddCommand(driversCmd)
}
