package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewSignalBus()
	exact, err := bus.Subscribe(ctx, "positions")
	require.NoError(t, err)
	wild, err := bus.Subscribe(ctx, "pos*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "positions", []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("ignored")))

	for _, ch := range []<-chan []byte{exact, wild} {
		select {
		case msg := <-ch:
			assert.Equal(t, "hello", string(msg))
		case <-time.After(time.Second):
			t.Fatal("no message delivered")
		}
	}
	select {
	case msg := <-exact:
		t.Fatalf("unexpected message %q", msg)
	default:
	}
}

func TestSignalBusSubscriptionClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus()
	ch, err := bus.Subscribe(ctx, "positions")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "audit", []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, "audit", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, "audit", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))
}
