package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/core"
	errwrap "github.com/tatsugg/tatsuq/internal/errors"
	"github.com/tatsugg/tatsuq/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify configuration, credential and store are usable without calling the API.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration loaded")

		if cfg.API.Token == "" {
			logger.Warn("⚠️  No api token configured; api commands will fail")
		} else {
			logger.Info("✅ API token configured", zap.String("credential", core.Fingerprint(cfg.API.Token)))
		}

		if cfg.Store.PersistQuota {
			db, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Quota store unavailable", err)
				return
			}
			_ = db.Close()
			logger.Info("✅ Quota store reachable")
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
