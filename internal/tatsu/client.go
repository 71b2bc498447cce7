// Package tatsu is a typed client for the Tatsu API. Every call goes
// through one rate-limit-aware scheduler per credential.
package tatsu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/engine"
	"github.com/tatsugg/tatsuq/internal/core/transport"
)

// Client issues Tatsu API calls through a shared scheduler.
type Client struct {
	scheduler   *engine.Scheduler
	fingerprint string
	closeOnce   sync.Once
}

// New claims token for this process and starts an idle scheduler.
func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: api token is required", ErrInvalidArgument)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	fingerprint := core.Fingerprint(token)
	if err := claimCredential(fingerprint); err != nil {
		return nil, err
	}

	t := cfg.transport
	if t == nil {
		httpClient := cfg.httpClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.timeout}
		}
		t = &transport.HTTP{
			Client:       httpClient,
			BaseURL:      cfg.baseURL,
			Token:        token,
			UserAgent:    cfg.userAgent,
			MaxBodyBytes: cfg.maxBodyBytes,
		}
	}

	scheduler, err := engine.NewScheduler(t, cfg.scheduler)
	if err != nil {
		releaseCredential(fingerprint)
		return nil, err
	}

	return &Client{scheduler: scheduler, fingerprint: fingerprint}, nil
}

// Fingerprint identifies the client's credential.
func (c *Client) Fingerprint() string {
	return c.fingerprint
}

// GetUserProfile fetches a user's profile.
func (c *Client) GetUserProfile(ctx context.Context, userID string) (*User, error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	return fetch[User](ctx, c, core.Get(UserProfilePath(userID)))
}

// GetGuildLeaderboard fetches one zero-based page of a guild leaderboard.
func (c *Client) GetGuildLeaderboard(ctx context.Context, guildID string, page int) (*Rankings, error) {
	req, err := leaderboardRequest(guildID, page)
	if err != nil {
		return nil, err
	}
	return fetch[Rankings](ctx, c, req)
}

// GetGuildLeaderboardPages fetches count pages starting at first. All pages
// are queued in order before waiting; the first failure cancels the wait.
func (c *Client) GetGuildLeaderboardPages(ctx context.Context, guildID string, first, count int) ([]*Rankings, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: page count must be positive", ErrInvalidArgument)
	}

	reqs := make([]core.Request, count)
	for i := range reqs {
		req, err := leaderboardRequest(guildID, first+i)
		if err != nil {
			return nil, err
		}
		reqs[i] = req.Tag(ctx)
	}

	futures := c.scheduler.SubmitBatch(reqs)
	pages := make([]*Rankings, count)

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range futures {
		g.Go(func() error {
			body, err := f.Wait(gctx)
			if err != nil {
				return fmt.Errorf("leaderboard page %d: %w", first+i, err)
			}
			page, err := decode[Rankings](body)
			if err != nil {
				return fmt.Errorf("leaderboard page %d: %w", first+i, err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// GetUserRankInGuild fetches a user's all-time rank in a guild.
func (c *Client) GetUserRankInGuild(ctx context.Context, userID, guildID string) (*Member, error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	if err := requireID("guild id", guildID); err != nil {
		return nil, err
	}
	return fetch[Member](ctx, c, core.Get(MemberRankPath(guildID, userID)))
}

// ModifyMemberScore adds to or removes from a member's guild score.
func (c *Client) ModifyMemberScore(ctx context.Context, guildID, userID string, action ScoreAction, amount int) (*MemberScore, error) {
	if err := requireID("guild id", guildID); err != nil {
		return nil, err
	}
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	if action != ScoreAdd && action != ScoreRemove {
		return nil, fmt.Errorf("%w: unsupported score action %d", ErrInvalidArgument, action)
	}
	if amount < 0 || amount > MaxScoreAmount {
		return nil, fmt.Errorf("%w: score amount must be within [0,%d], got %d", ErrInvalidArgument, MaxScoreAmount, amount)
	}

	body, err := json.Marshal(map[string]int{"action": int(action), "amount": amount})
	if err != nil {
		return nil, err
	}

	return fetch[MemberScore](ctx, c, core.Request{
		Method: http.MethodPatch,
		Target: MemberScorePath(guildID, userID),
		Body:   body,
	})
}

// Do submits a raw request and returns the JSON body.
func (c *Client) Do(ctx context.Context, req core.Request) (json.RawMessage, error) {
	return c.scheduler.Do(ctx, req)
}

// QueueSize returns the number of requests waiting for dispatch.
func (c *Client) QueueSize() int {
	return c.scheduler.QueueSize()
}

// Status returns the scheduler snapshot.
func (c *Client) Status() engine.Status {
	return c.scheduler.Status()
}

// Close fails queued requests and releases the credential.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.scheduler.Close()
		releaseCredential(c.fingerprint)
	})
	return err
}

// UserProfilePath is the API target for a user's profile.
func UserProfilePath(userID string) string {
	return "users/" + url.PathEscape(userID) + "/profile"
}

// LeaderboardPath is the API target for one leaderboard page.
func LeaderboardPath(guildID string, page int) string {
	return fmt.Sprintf("guilds/%s/rankings/all?offset=%d", url.PathEscape(guildID), page*LeaderboardPageSize)
}

// MemberRankPath is the API target for a member's all-time rank.
func MemberRankPath(guildID, userID string) string {
	return "guilds/" + url.PathEscape(guildID) + "/rankings/members/" + url.PathEscape(userID) + "/all"
}

// MemberScorePath is the API target for score modification.
func MemberScorePath(guildID, userID string) string {
	return "guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID) + "/score"
}

func leaderboardRequest(guildID string, page int) (core.Request, error) {
	if err := requireID("guild id", guildID); err != nil {
		return core.Request{}, err
	}
	if page < 0 {
		return core.Request{}, fmt.Errorf("%w: page must not be negative, got %d", ErrInvalidArgument, page)
	}
	return core.Get(LeaderboardPath(guildID, page)), nil
}

func requireID(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, kind)
	}
	return nil
}

func fetch[T any](ctx context.Context, c *Client, req core.Request) (*T, error) {
	body, err := c.scheduler.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return decode[T](body)
}

func decode[T any](body json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", out, err)
	}
	return &out, nil
}
