package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tatsugg/tatsuq/internal/core"
)

// QuotaWindow is a persisted quota observation for one credential.
type QuotaWindow struct {
	Credential string              `json:"credential" yaml:"credential"`
	State      core.RateLimitState `json:"state" yaml:"state"`
	ObservedAt time.Time           `json:"observed_at" yaml:"observed_at"`
}

// Active reports whether the window has not yet reset at now.
func (w QuotaWindow) Active(now time.Time) bool {
	return now.Before(w.State.ResetTime())
}

// GetQuota returns the stored window for a credential fingerprint, or nil.
func (s *Store) GetQuota(ctx context.Context, credential string) (*QuotaWindow, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.New("credential is required")
	}

	var (
		limit      int
		remaining  int
		resetAt    int64
		observedAt int64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT limit_count, remaining, reset_at, observed_at
		FROM quota_windows
		WHERE credential = ?
	`, credential)

	if err := row.Scan(&limit, &remaining, &resetAt, &observedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch quota window: %w", err)
	}

	return &QuotaWindow{
		Credential: credential,
		State:      core.RateLimitState{Limit: limit, Remaining: remaining, Reset: resetAt},
		ObservedAt: time.Unix(observedAt, 0).UTC(),
	}, nil
}

// SaveQuota persists the latest window observed for a credential fingerprint.
func (s *Store) SaveQuota(ctx context.Context, credential string, state core.RateLimitState, observedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return errors.New("credential is required")
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO quota_windows (credential, limit_count, remaining, reset_at, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(credential) DO UPDATE SET
			limit_count = excluded.limit_count,
			remaining = excluded.remaining,
			reset_at = excluded.reset_at,
			observed_at = excluded.observed_at
	`, credential, state.Limit, state.Remaining, state.Reset, observedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("store quota window: %w", err)
	}

	return nil
}

// QuotaRecorder persists the windows a scheduler reports, including the
// locally spent window flushed when its queue drains.
type QuotaRecorder struct {
	Store      *Store
	Credential string
	Clock      func() time.Time
}

// ObserveQuota implements engine.QuotaObserver.
func (r *QuotaRecorder) ObserveQuota(ctx context.Context, state core.RateLimitState) error {
	if r == nil || r.Store == nil {
		return nil
	}
	now := time.Now()
	if r.Clock != nil {
		now = r.Clock()
	}
	return r.Store.SaveQuota(ctx, r.Credential, state, now)
}

// SeedQuota returns the stored window for credential if it has not reset
// yet, so a restarted process does not overspend a window already in use.
func (s *Store) SeedQuota(ctx context.Context, credential string, now time.Time) (*core.RateLimitState, error) {
	window, err := s.GetQuota(ctx, credential)
	if err != nil || window == nil {
		return nil, err
	}
	if !window.Active(now) {
		return nil, nil
	}
	state := window.State
	return &state, nil
}
