package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/gofabric/internal/version"
)

// versionCmd prints the client build plus the daemon's, when
// reachable.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE: func(_ *cobra.Command, _ []string) error {
			client := appversion.Get()
			fmt.Printf("client: %s (%s, %s)\n", client.Version, client.Commit, client.Date)

			var daemon appversion.Info
			if err := getJSON("/v1/version", &daemon); err != nil {
				fmt.Printf("daemon: unreachable (%v)\n", err)
				return nil
			}
			fmt.Printf("daemon: %s (%s, %s)\n", daemon.Version, daemon.Commit, daemon.Date)
			return nil
		},
	}
}
