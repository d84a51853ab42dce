package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jirariver",
		Short: "Mirror JIRA issues into Elasticsearch",
		Long: `jirariver is a long-running service that mirrors issues from a JIRA
instance into Elasticsearch: it discovers projects, keeps them fresh with
incremental updates and periodically runs full updates that also purge
issues deleted upstream.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "jirariver.yaml", "path to the configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newReindexCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jirariver %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
