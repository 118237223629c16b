package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/domain"
)

func TestLockManagerExclusiveUntilTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lm := NewLockManager(func() time.Time { return now })

	unlock, err := lm.Acquire(ctx, "position:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "position:1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "position:2", time.Minute)
	require.NoError(t, err)
	other()

	now = now.Add(time.Minute)
	stale := unlock
	relock, err := lm.Acquire(ctx, "position:1", time.Minute)
	require.NoError(t, err, "expired lease is reclaimed")

	// Releasing the old lease leaves the new one in place.
	stale()
	_, err = lm.Acquire(ctx, "position:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	relock()
	_, err = lm.Acquire(ctx, "position:1", time.Minute)
	assert.NoError(t, err)
}
