package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haoxy000/feilong/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feilong %s (commit %s)\n", version.Version, version.Commit)
	},
}
