package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the blah-code version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blah-code %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
