package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/store"
	"github.com/tatsugg/tatsuq/internal/output"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect or reset persisted quota windows",
}

var (
	quotaListPrefix string
	quotaListMine   bool
)

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored quota windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		query := store.QuotaQuery{Prefix: strings.TrimSpace(quotaListPrefix)}
		if quotaListMine {
			if strings.TrimSpace(cfg.API.Token) == "" {
				return errors.New("--mine requires an api token")
			}
			query.Credential = core.Fingerprint(cfg.API.Token)
		}
		if query.Credential == "" && query.Prefix == "" {
			query.All = true
		}

		db, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		windows, err := db.ListQuotas(cmd.Context(), query)
		if err != nil {
			return err
		}
		if windows == nil {
			windows = []store.QuotaWindow{}
		}

		return render(cmd, windows)
	},
}

var (
	quotaResetAll        bool
	quotaResetCredential string
	quotaResetPrefix     string
	quotaResetYes        bool
	quotaResetDryRun     bool
)

// QuotaResetResult reports a reset run.
type QuotaResetResult struct {
	Matched int   `json:"matched" yaml:"matched"`
	Deleted int64 `json:"deleted" yaml:"deleted"`
	DryRun  bool  `json:"dry_run" yaml:"dry_run"`
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget stored quota windows",
	Long: `Forget stored quota windows so the next client probes the API with a
single request instead of resuming from the stored window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := store.QuotaQuery{
			All:        quotaResetAll,
			Credential: strings.TrimSpace(quotaResetCredential),
			Prefix:     strings.TrimSpace(quotaResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !quotaResetYes && !quotaResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountQuotas(cmd.Context(), query)
		if err != nil {
			return err
		}

		result := QuotaResetResult{Matched: matched, DryRun: quotaResetDryRun}
		if !quotaResetDryRun {
			result.Deleted, err = db.ResetQuotas(cmd.Context(), query)
			if err != nil {
				return err
			}
		}

		if format == output.FormatTable || format == output.FormatMarkdown {
			return writeQuotaResetBox(cmd.OutOrStdout(), result)
		}
		return render(cmd, result)
	},
}

func writeQuotaResetBox(w io.Writer, result QuotaResetResult) error {
	line := fmt.Sprintf("Deleted %d/%d quota window(s)", result.Deleted, result.Matched)
	if result.DryRun {
		line = fmt.Sprintf("Would delete %d quota window(s)", result.Matched)
	}
	_, err := fmt.Fprint(w, ascii.DrawBox("Quota Reset\n\n"+line, 0))
	return err
}

func init() {
	addOutputFlags(quotaListCmd)
	quotaListCmd.Flags().StringVar(&quotaListPrefix, "prefix", "", "List credentials with matching fingerprint prefix")
	quotaListCmd.Flags().BoolVar(&quotaListMine, "mine", false, "List only the configured token's window")

	addOutputFlags(quotaResetCmd)
	quotaResetCmd.Flags().BoolVar(&quotaResetAll, "all", false, "Reset every stored window")
	quotaResetCmd.Flags().StringVar(&quotaResetCredential, "credential", "", "Reset one credential fingerprint (exact match)")
	quotaResetCmd.Flags().StringVar(&quotaResetPrefix, "prefix", "", "Reset credentials with matching fingerprint prefix")
	quotaResetCmd.Flags().BoolVar(&quotaResetYes, "yes", false, "Confirm destructive reset")
	quotaResetCmd.Flags().BoolVar(&quotaResetDryRun, "dry-run", false, "Show what would be deleted")

	quotaCmd.AddCommand(quotaListCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}
