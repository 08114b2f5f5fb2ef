//go:build integration

package revocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrollo/internal/mandate/store/revocation"
	"enrollo/pkg/platform/sentinel"
	"enrollo/pkg/testutil/containers"
)

func TestRedisList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	l := revocation.NewRedis(rc.Client)

	revoked, err := l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.Revoke(ctx, "jti-1", time.Second))
	revoked, err = l.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// A second instance reading the same Redis sees the revocation.
	revoked, err = revocation.NewRedis(rc.Client).IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.Eventually(t, func() bool {
		revoked, err := l.IsRevoked(ctx, "jti-1")
		return err == nil && !revoked
	}, 5*time.Second, 100*time.Millisecond, "entry lapses with the token")

	assert.ErrorIs(t, l.Revoke(ctx, "jti-2", 0), sentinel.ErrInvalidState)
}
