package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuppressorActiveAndBrowsing(t *testing.T) {
	s := NewSuppressor()

	assert.False(t, s.Suppressed(1))

	s.MarkActive(1)
	assert.True(t, s.Suppressed(1))
	assert.False(t, s.Suppressed(2))

	s.MarkBrowsing(2)
	assert.True(t, s.Suppressed(2))
	s.ClearBrowsing(2)
	assert.False(t, s.Suppressed(2))
}

func TestSuppressorRecentlyClosedWindow(t *testing.T) {
	s := NewSuppressor()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.MarkActive(3)
	s.ClearActive(3)
	assert.True(t, s.Suppressed(3), "freshly closed thread is still suppressed")

	now = now.Add(RecentlyClosedTTL + time.Second)
	assert.False(t, s.Suppressed(3), "window expired")
	// The expired entry is pruned; still not suppressed.
	assert.False(t, s.Suppressed(3))
}

func TestGuardedTransportDropsSuppressedSends(t *testing.T) {
	transport := &fakeTransport{}
	s := NewSuppressor()
	guarded := WithSuppression(transport, s)
	ctx := context.Background()

	s.MarkActive(10)
	id, err := guarded.Send(ctx, &Outgoing{ThreadID: 10, Text: "assistant chatter"})
	require.NoError(t, err, "suppressed send returns synthetic success")
	assert.Zero(t, id)
	assert.Empty(t, transport.messages(), "transport never contacted")

	_, err = guarded.Send(ctx, &Outgoing{ThreadID: 11, Text: "unrelated"})
	require.NoError(t, err)
	assert.Len(t, transport.messages(), 1)

	// Non-send operations pass through untouched.
	_, err = guarded.CreateTopic(ctx, "topic")
	require.NoError(t, err)
}
