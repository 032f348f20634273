package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/unitybridge/relay/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relayd %s (commit: %s, protocol: v%s)\n", version, commit, protocol.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
