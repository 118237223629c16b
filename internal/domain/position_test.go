package domain

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionTransitions(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Position{ID: 1, State: PositionStateCreated}

	require.ErrorIs(t, p.Transition(PositionStateExercised, at), ErrInvalidState)
	require.ErrorIs(t, p.Transition(PositionStateExpired, at), ErrInvalidState)

	require.NoError(t, p.Transition(PositionStateLocked, at))
	require.NotNil(t, p.LockedAt)
	assert.Nil(t, p.SettledAt)

	require.NoError(t, p.Transition(PositionStateExpired, at.Add(time.Hour)))
	require.NotNil(t, p.SettledAt)
	assert.True(t, p.State.Terminal())

	for _, to := range []PositionState{PositionStateCreated, PositionStateLocked, PositionStateExercised, PositionStateExpired} {
		assert.ErrorIs(t, p.Transition(to, at), ErrInvalidState)
	}
}

func TestPositionStateValid(t *testing.T) {
	assert.True(t, PositionStateLocked.Valid())
	assert.False(t, PositionState("cancelled").Valid())
	assert.False(t, PositionStateLocked.Terminal())
}

func TestPositionFilterMatch(t *testing.T) {
	seller := common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	settled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Position{Seller: seller, Buyer: &buyer, State: PositionStateExercised, SettledAt: &settled}

	assert.True(t, PositionFilter{}.Match(p))
	assert.True(t, PositionFilter{Seller: &seller, Buyer: &buyer}.Match(p))
	assert.False(t, PositionFilter{Seller: &buyer}.Match(p))
	assert.False(t, PositionFilter{State: PositionStateLocked}.Match(p))

	before := settled.Add(time.Second)
	assert.True(t, PositionFilter{SettledBefore: &before}.Match(p))
	assert.False(t, PositionFilter{SettledBefore: &settled}.Match(p))
	assert.False(t, PositionFilter{SettledBefore: &before}.Match(Position{State: PositionStateLocked}))
}

func TestParsePositionID(t *testing.T) {
	id, err := ParsePositionID("42")
	require.NoError(t, err)
	assert.Equal(t, PositionID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParsePositionID("-1")
	assert.Error(t, err)
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset("quote")
	require.NoError(t, err)
	assert.Equal(t, AssetQuote, a)
	_, err = ParseAsset("eth")
	assert.Error(t, err)
}
