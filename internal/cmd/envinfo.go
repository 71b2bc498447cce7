package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/config"
	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== tatsuq Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  Platform:   " + runtime.GOOS + "/" + runtime.GOARCH)
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		credential := "(not set)"
		if strings.TrimSpace(cfg.API.Token) != "" {
			credential = core.Fingerprint(cfg.API.Token)
		}

		log.Info("API:")
		log.Info("  Base URL:       " + cfg.API.BaseURL)
		log.Info("  Credential:     " + credential)
		log.Info("  Timeout:        " + cfg.API.Timeout.String())
		log.Info("")

		guard := cfg.Scheduler.GuardPolicy()
		log.Info("Scheduler:")
		log.Info("  Safety Margin:  " + cfg.Scheduler.SafetyMargin.String())
		log.Info("  Gate:           " + cfg.Scheduler.Gate)
		log.Info(fmt.Sprintf("  Guard:          %d stalls, backoff %s..%s, jitter %.2f",
			guard.MaxStalls, guard.BaseDelay, guard.MaxDelay, guard.Jitter))
		log.Info("")

		log.Info("Store:")
		log.Info(fmt.Sprintf("  Persist Quota:  %t", cfg.Store.PersistQuota))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         " + cfg.Store.URL)
		} else {
			log.Info("  DB Path:        " + cfg.Store.Path)
		}
		log.Info("")

		log.Info("Server:")
		log.Info(fmt.Sprintf("  Listen:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info(fmt.Sprintf("  Throttle:       %t (%.1f/s, burst %d)", cfg.Throttle.Enabled, cfg.Throttle.Rate, cfg.Throttle.Burst))
		log.Info(fmt.Sprintf("  Metrics Port:   %d", cfg.Metrics.Port))
		log.Info("  Log Level:      " + cfg.Logging.Level)
		log.Info("  Config File:    " + config.DefaultConfigPath())
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
