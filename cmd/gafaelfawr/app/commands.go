// Package app provides the entry point for the gafaelfawr command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gafaelfawr",
	DisableAutoGenTag: true,
	Short:             "Gafaelfawr is an authentication and authorization gateway",
	Long: `Gafaelfawr answers NGINX auth subrequests for a Kubernetes-hosted
science platform. It authenticates browser users against GitHub or an
OpenID Connect provider, maintains the token store, mints delegated
tokens for internal services, and serves the token management API.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the gafaelfawr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().String("settings", "/etc/gafaelfawr/gafaelfawr.yaml",
		"Path to the settings file")
	if err := viper.BindPFlag("settings", rootCmd.PersistentFlags().Lookup("settings")); err != nil {
		logger.Errorf("Error binding settings flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
