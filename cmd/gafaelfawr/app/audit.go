package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// newAuditCmd creates the audit command, run periodically from a
// Kubernetes CronJob to catch drift between the SQL store and Redis.
func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check the token store for inconsistencies",
		Long: `Audit the token store: expired tokens still present, cache entries
that disagree with their SQL rows, and children that outlive their
parents. Findings are printed one per line, and the command exits
nonzero when there are any, so a scheduled run can alert on drift.`,
		RunE: runAudit,
	}
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("settings"))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// The audit is offline work; the identity provider is not needed.
	deps, cleanup, err := api.BuildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer cleanup()

	findings, err := deps.Tokens.Audit(ctx)
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	for _, finding := range findings {
		fmt.Println(finding)
	}
	if len(findings) > 0 {
		return fmt.Errorf("found %d inconsistencies", len(findings))
	}

	logger.Info("token store is consistent")
	return nil
}
