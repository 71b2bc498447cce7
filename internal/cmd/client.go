package cmd

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tatsugg/tatsuq/internal/config"
	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/engine"
	"github.com/tatsugg/tatsuq/internal/core/store"
	"github.com/tatsugg/tatsuq/internal/observability"
	"github.com/tatsugg/tatsuq/internal/tatsu"
)

var nowFunc = time.Now

var errMissingToken = errors.New("api token is required (set --token, TATSUQ_TOKEN, or api.token)")

// session bundles a client with the optional store that persists its quota.
type session struct {
	client *tatsu.Client
	store  *store.Store
}

func (s *session) Close() error {
	err := s.client.Close()
	if s.store != nil {
		err = errors.Join(err, s.store.Close())
	}
	return err
}

func clientOptions(cfg *config.Config) ([]tatsu.Option, error) {
	gate, err := engine.ParseGateMode(cfg.Scheduler.Gate)
	if err != nil {
		return nil, err
	}

	// An explicit zero in config means no margin; the default is applied
	// by config.SetDefaults.
	margin := cfg.Scheduler.SafetyMargin
	if margin == 0 {
		margin = engine.NoSafetyMargin
	}

	opts := []tatsu.Option{
		tatsu.WithBaseURL(cfg.API.BaseURL),
		tatsu.WithTimeout(cfg.API.Timeout),
		tatsu.WithUserAgent(cfg.API.UserAgent),
		tatsu.WithMaxBodyBytes(cfg.API.MaxBodyBytes),
		tatsu.WithSafetyMargin(margin),
		tatsu.WithGate(gate),
		tatsu.WithGuard(cfg.Scheduler.GuardPolicy()),
	}
	if logger := observability.Active(); logger != nil {
		opts = append(opts, tatsu.WithLogger(logger))
	}
	return opts, nil
}

// openSession builds a client for the configured token. With quota
// persistence enabled the scheduler resumes from the last stored window and
// records every new one.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	token := strings.TrimSpace(cfg.API.Token)
	if token == "" {
		return nil, errMissingToken
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	var db *store.Store
	if cfg.Store.PersistQuota {
		db, err = openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}

		credential := core.Fingerprint(token)
		seed, err := db.SeedQuota(ctx, credential, nowFunc())
		if err != nil {
			observability.CLILogger.Warn("Failed to load stored quota window", zap.Error(err))
		} else if seed != nil {
			observability.CLILogger.Debug("Resuming stored quota window",
				zap.Int("remaining", seed.Remaining),
				zap.Int64("reset", seed.Reset))
			opts = append(opts, tatsu.WithInitialQuota(seed))
		}
		opts = append(opts, tatsu.WithQuotaObserver(&store.QuotaRecorder{Store: db, Credential: credential}))
	}

	client, err := tatsu.New(token, opts...)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	return &session{client: client, store: db}, nil
}
