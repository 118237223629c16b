package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmangutov/vordex/internal/domain"
)

type recordingSender struct {
	titles []string
	bodies []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recordingSender) Name() string { return "recorder" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePosition() domain.Position {
	buyer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return domain.Position{
		ID:               7,
		Seller:           common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Buyer:            &buyer,
		StrikePrice:      domain.NewAmount(3_000_000_000),
		CollateralAmount: domain.MustParseAmount("1500000000000000000"),
		PremiumAmount:    domain.NewAmount(50_000),
		Expiry:           time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC),
		State:            domain.PositionStateExercised,
	}
}

func TestNotifyPositionFormatsAmounts(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, Decimals{Collateral: 18, Quote: 6}, discardLogger())
	price := domain.NewAmount(3_100_000_000)

	err := n.NotifyPosition(context.Background(), domain.PositionEvent{
		Event:    domain.EventPositionExercised,
		Position: samplePosition(),
		Price:    &price,
	})
	require.NoError(t, err)
	require.Len(t, rec.titles, 1)
	assert.Equal(t, "Position 7 exercised", rec.titles[0])
	assert.Contains(t, rec.bodies[0], "strike: 3000")
	assert.Contains(t, rec.bodies[0], "collateral: 1.5")
	assert.Contains(t, rec.bodies[0], "premium: 0.05")
	assert.Contains(t, rec.bodies[0], "oracle price: 3100")
}

func TestNotifyFiltersEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{domain.EventPositionExpired}, Decimals{18, 6}, discardLogger())

	require.NoError(t, n.NotifyPosition(context.Background(), domain.PositionEvent{
		Event: domain.EventPositionCreated, Position: samplePosition(),
	}))
	assert.Empty(t, rec.titles)

	require.NoError(t, n.NotifyAll(context.Background(), "t", "m"))
	assert.Len(t, rec.titles, 1)
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &recordingSender{err: errors.New("down")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, Decimals{18, 6}, discardLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
