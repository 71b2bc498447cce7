package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tatsugg/tatsuq/internal/core"
)

func TestQuotaQueryValidate(t *testing.T) {
	require.Error(t, QuotaQuery{}.Validate())
	require.Error(t, QuotaQuery{Credential: "  "}.Validate())
	require.NoError(t, QuotaQuery{All: true}.Validate())
	require.NoError(t, QuotaQuery{Credential: "sha256:abc"}.Validate())
	require.NoError(t, QuotaQuery{Prefix: "sha256:"}.Validate())

	where, args, err := QuotaQuery{Prefix: "sha256:ab"}.whereClause()
	require.NoError(t, err)
	require.Equal(t, "WHERE credential LIKE ?", where)
	require.Equal(t, []any{"sha256:ab%"}, args)
}

func TestQuotaWindowActive(t *testing.T) {
	now := time.Unix(1000, 0)
	window := QuotaWindow{State: core.RateLimitState{Reset: 1010}}
	require.True(t, window.Active(now))
	require.False(t, window.Active(time.Unix(1010, 0)))
}

func TestQuotaRecorderWithoutStore(t *testing.T) {
	var recorder *QuotaRecorder
	require.NoError(t, recorder.ObserveQuota(context.Background(), core.RateLimitState{}))
}
