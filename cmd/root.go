package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the draftsender application
var rootCmd = &cobra.Command{
	Use:   "draftsender",
	Short: "Sends prepared e-mail drafts through Gmail as a delegated user",
	Long: `draftsender sends e-mail drafts stored in Firestore through the Gmail API,
acting as a Workspace user via domain-wide delegation.

It can run as:
  - An HTTP service (serve)
  - A one-shot command line sender (send)`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "draftsender version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	registerConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newVersionCmd())
}
