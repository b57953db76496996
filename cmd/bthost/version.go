package main

import (
	"fmt"

	"github.com/backkem/bthost/pkg/discovery"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bthost %s (commit %s, built %s, link version %d)\n",
			formatVersion(version), commit, date, discovery.LinkVersion)
	},
}
