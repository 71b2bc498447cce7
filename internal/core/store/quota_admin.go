package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tatsugg/tatsuq/internal/core"
)

// QuotaQuery selects stored quota windows.
type QuotaQuery struct {
	All        bool
	Credential string
	Prefix     string
}

func (q QuotaQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Credential) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --credential, or --prefix")
}

func (q QuotaQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if credential := strings.TrimSpace(q.Credential); credential != "" {
		return "WHERE credential = ?", []any{credential}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE credential LIKE ?", []any{prefix + "%"}, nil
}

func (s *Store) ListQuotas(ctx context.Context, q QuotaQuery) ([]QuotaWindow, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT credential, limit_count, remaining, reset_at, observed_at
		FROM quota_windows
		%s
		ORDER BY credential
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	windows := []QuotaWindow{}
	for rows.Next() {
		var (
			credential string
			limit      int
			remaining  int
			resetAt    int64
			observedAt int64
		)
		if err := rows.Scan(&credential, &limit, &remaining, &resetAt, &observedAt); err != nil {
			return nil, fmt.Errorf("scan quota windows: %w", err)
		}

		windows = append(windows, QuotaWindow{
			Credential: credential,
			State:      core.RateLimitState{Limit: limit, Remaining: remaining, Reset: resetAt},
			ObservedAt: time.Unix(observedAt, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}

	return windows, nil
}

func (s *Store) CountQuotas(ctx context.Context, q QuotaQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM quota_windows
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count quota windows: %w", err)
	}
	return count, nil
}

func (s *Store) ResetQuotas(ctx context.Context, q QuotaQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM quota_windows
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset quota windows: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset quota windows: %w", err)
	}
	return affected, nil
}
