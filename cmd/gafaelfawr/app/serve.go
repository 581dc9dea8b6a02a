package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// newServeCmd creates the serve command, which runs the auth gateway
// until the process is told to stop.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication gateway",
		Long: `Start the Gafaelfawr server: the NGINX auth subrequest endpoint, the
browser login flow, the token management API, and the JWKS document.
The server runs until it receives SIGINT or SIGTERM.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("settings"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	deps, cleanup, err := api.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble server: %w", err)
	}
	defer cleanup()

	return api.Serve(ctx, viper.GetString("address"), api.Handler(deps))
}
