package tatsu

import (
	"fmt"
	"strings"
)

// User is a Tatsu user profile.
type User struct {
	AvatarURL        string `json:"avatar_url" yaml:"avatar_url"`
	AvatarHash       string `json:"avatar_hash,omitempty" yaml:"avatar_hash,omitempty"`
	Credits          int64  `json:"credits" yaml:"credits"`
	Discriminator    string `json:"discriminator" yaml:"discriminator"`
	ID               string `json:"id" yaml:"id"`
	InfoBox          string `json:"info_box" yaml:"info_box"`
	Reputation       int64  `json:"reputation" yaml:"reputation"`
	SubscriptionType int    `json:"subscription_type" yaml:"subscription_type"`
	Title            string `json:"title" yaml:"title"`
	Tokens           int64  `json:"tokens" yaml:"tokens"`
	Username         string `json:"username" yaml:"username"`
	XP               int64  `json:"xp" yaml:"xp"`
}

// Rankings is one page of a guild leaderboard.
type Rankings struct {
	GuildID  string `json:"guild_id" yaml:"guild_id"`
	Rankings []Rank `json:"rankings" yaml:"rankings"`
}

// Rank is one leaderboard entry.
type Rank struct {
	Rank   int    `json:"rank" yaml:"rank"`
	Score  int64  `json:"score" yaml:"score"`
	UserID string `json:"user_id" yaml:"user_id"`
}

// Member is a user's standing in one guild.
type Member struct {
	GuildID string `json:"guild_id" yaml:"guild_id"`
	Rank    int    `json:"rank" yaml:"rank"`
	Score   int64  `json:"score" yaml:"score"`
	UserID  string `json:"user_id" yaml:"user_id"`
}

// MemberScore is the result of a score modification.
type MemberScore struct {
	GuildID string `json:"guild_id" yaml:"guild_id"`
	Score   int64  `json:"score" yaml:"score"`
	UserID  string `json:"user_id" yaml:"user_id"`
}

// ScoreAction selects how ModifyMemberScore changes a score.
type ScoreAction int

const (
	ScoreAdd    ScoreAction = 0
	ScoreRemove ScoreAction = 1
)

func (a ScoreAction) String() string {
	switch a {
	case ScoreAdd:
		return "add"
	case ScoreRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseScoreAction accepts "add" or "remove".
func ParseScoreAction(value string) (ScoreAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "add", "0":
		return ScoreAdd, nil
	case "remove", "1":
		return ScoreRemove, nil
	default:
		return 0, fmt.Errorf("%w: unsupported score action %q", ErrInvalidArgument, value)
	}
}

// LeaderboardPageSize is the number of ranks per leaderboard page.
const LeaderboardPageSize = 100

// MaxScoreAmount bounds a single score modification.
const MaxScoreAmount = 100000
