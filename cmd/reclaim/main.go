package main

import (
	"fmt"
	"os"

	"github.com/reclaimhq/reclaim/server/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := createRootCmd()

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reclaim",
		Short: "reclaim is the background operations server for the Reclaim platform",
		Long: `
reclaim is the background operations server for the Reclaim platform.

It runs the async job queue, tracks the health of external integrations,
and exposes the HTTP API for job and intervention management.
`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file")

	return rootCmd
}

// initFatal prints an error and exits with a non-zero exit code so that
// process managers know the server failed to start.
func initFatal(err error, message string) {
	fmt.Fprintf(os.Stderr, "Error initializing %s: %v\n", message, err)
	os.Exit(1)
}
