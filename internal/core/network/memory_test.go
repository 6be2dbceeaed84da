package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectDelivery(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)
	b, err := hub.Join("b")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, "b", "/t", []byte{byte(i)}))
	}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-b.Inbox():
			assert.Equal(t, Message{Topic: "/t", Payload: []byte{byte(i)}, From: "a"}, msg)
		case <-time.After(time.Second):
			t.Fatal("direct message not delivered")
		}
	}
}

func TestMemorySendToSelf(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)

	require.NoError(t, a.Send(context.Background(), "a", "/self", []byte("hi")))
	select {
	case msg := <-a.Inbox():
		assert.Equal(t, Message{Topic: "/self", Payload: []byte("hi"), From: "a"}, msg)
	case <-time.After(time.Second):
		t.Fatal("self-addressed message not delivered")
	}
}

func TestMemorySendUnknownPeer(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Send(context.Background(), "ghost", "/t", nil), ErrPeerUnreachable)

	b, err := hub.Join("b")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(context.Background(), "b", "/t", nil), ErrPeerUnreachable)
	assert.ErrorIs(t, b.Publish("/t", nil), ErrClosed)

	_, err = hub.Join("a")
	assert.ErrorIs(t, err, ErrPeerExists)
}

func TestMemorySendHonoursContext(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)
	_, err = hub.Join("b")
	require.NoError(t, err)

	for i := 0; i < memoryBuffer; i++ {
		require.NoError(t, a.Send(context.Background(), "b", "/t", nil))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "b", "/t", nil), context.DeadlineExceeded)
}

func TestMemoryBroadcastAndValidator(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)
	b, err := hub.Join("b")
	require.NoError(t, err)
	c, err := hub.Join("c")
	require.NoError(t, err)

	chB, cancelB, err := b.Subscribe("/news")
	require.NoError(t, err)
	defer cancelB()
	chC, cancelC, err := c.Subscribe("/news")
	require.NoError(t, err)
	defer cancelC()
	require.NoError(t, c.RegisterValidator("/news", func(from string, payload []byte) bool {
		return len(payload) > 0
	}))

	require.NoError(t, a.Publish("/news", nil))
	require.NoError(t, a.Publish("/news", []byte("hi")))

	got := <-chB
	assert.Equal(t, "a", got.From)
	assert.Empty(t, got.Payload)
	got = <-chB
	assert.Equal(t, []byte("hi"), got.Payload)

	got = <-chC
	assert.Equal(t, []byte("hi"), got.Payload, "empty payload rejected by c's validator")
	assert.Equal(t, []string{"b", "c"}, a.ConnectedPeers())
}

func TestMemoryCloseCancelsSubscriptions(t *testing.T) {
	t.Parallel()
	hub := NewMemoryNetwork()
	a, err := hub.Join("a")
	require.NoError(t, err)

	ch, cancel, err := a.Subscribe("/t")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	cancel()

	_, open := <-ch
	assert.False(t, open)
}
