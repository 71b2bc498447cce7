package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/metrics"
	"github.com/tatsugg/tatsuq/internal/observability"
	"github.com/tatsugg/tatsuq/internal/tatsu"
)

// runCall opens a session, performs call and renders its result.
func runCall(cmd *cobra.Command, call func(ctx context.Context, client *tatsu.Client) (any, error)) (err error) {
	defer func() { metrics.RecordCommand(cmd.Name(), err == nil) }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			observability.CLILogger.Warn("Failed to close session", zap.Error(cerr))
		}
	}()

	result, err := call(ctx, sess.client)
	if err != nil {
		return err
	}
	return render(cmd, result)
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user's Tatsu profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, func(ctx context.Context, client *tatsu.Client) (any, error) {
			return client.GetUserProfile(ctx, args[0])
		})
	},
}

var (
	leaderboardPage  int
	leaderboardPages int
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard <guild-id>",
	Short: "Show a guild leaderboard",
	Long: `Show a guild leaderboard, 100 ranks per page.

With --pages greater than one, every page is queued at once and dispatched
as the quota allows.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, func(ctx context.Context, client *tatsu.Client) (any, error) {
			if leaderboardPages <= 1 {
				return client.GetGuildLeaderboard(ctx, args[0], leaderboardPage)
			}
			return client.GetGuildLeaderboardPages(ctx, args[0], leaderboardPage, leaderboardPages)
		})
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank <guild-id> <user-id>",
	Short: "Show a member's all-time rank in a guild",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(cmd, func(ctx context.Context, client *tatsu.Client) (any, error) {
			return client.GetUserRankInGuild(ctx, args[1], args[0])
		})
	},
}

var (
	scoreAdd    int
	scoreRemove int
)

var scoreCmd = &cobra.Command{
	Use:   "score <guild-id> <user-id>",
	Short: "Add to or remove from a member's guild score",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, amount, err := scoreChange(cmd.Flags().Changed("add"), cmd.Flags().Changed("remove"))
		if err != nil {
			return err
		}
		return runCall(cmd, func(ctx context.Context, client *tatsu.Client) (any, error) {
			return client.ModifyMemberScore(ctx, args[0], args[1], action, amount)
		})
	},
}

func scoreChange(add, remove bool) (tatsu.ScoreAction, int, error) {
	switch {
	case add && remove:
		return 0, 0, errors.New("--add and --remove are mutually exclusive")
	case add:
		return tatsu.ScoreAdd, scoreAdd, nil
	case remove:
		return tatsu.ScoreRemove, scoreRemove, nil
	default:
		return 0, 0, errors.New("one of --add or --remove is required")
	}
}

func init() {
	for _, c := range []*cobra.Command{profileCmd, leaderboardCmd, rankCmd, scoreCmd} {
		addOutputFlags(c)
		rootCmd.AddCommand(c)
	}

	leaderboardCmd.Flags().IntVar(&leaderboardPage, "page", 0, "zero-based page to start from")
	leaderboardCmd.Flags().IntVar(&leaderboardPages, "pages", 1, "number of pages to fetch")

	scoreCmd.Flags().IntVar(&scoreAdd, "add", 0, "amount to add")
	scoreCmd.Flags().IntVar(&scoreRemove, "remove", 0, "amount to remove")
}
