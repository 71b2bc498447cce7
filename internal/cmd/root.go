package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/config"
	"github.com/tatsugg/tatsuq/internal/observability"
)

var errInvalidConfig = errors.New("load config")

var (
	cfgFile  string
	verbose  bool
	apiToken string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limit-aware client and proxy for the Tatsu API",
	Long: `tatsuq queues Tatsu API calls and dispatches them at the pace the
server-reported quota allows, sleeping through exhausted windows instead
of tripping 429s.

Use the subcommands to query the API directly or run a shared proxy.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting metrics to stdout; serve installs
	// the Prometheus-backed system later.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/tatsuq/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Tatsu API token (overrides TATSUQ_TOKEN)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
		observability.CLILogger.Debug("Using config file", zap.String("path", cfgFile))
	}
}

// loadConfig resolves configuration with global flag overrides applied
// after the environment, then any command-specific overrides.
func loadConfig(ctx context.Context, extra ...map[string]any) (*config.Config, error) {
	overrides := map[string]any{}
	if token := strings.TrimSpace(apiToken); token != "" {
		overrides["api"] = map[string]any{"token": token}
	}
	cfg, err := config.Load(ctx, append([]map[string]any{overrides}, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	return cfg, nil
}
