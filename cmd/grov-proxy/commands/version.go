package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the grov-proxy version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("grov-proxy %s (%s)\n", Version, BuildTime)
	},
}
