package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishDeliversToSubscribers(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var got []Message
	_, err := l.Subscribe(ctx, "room-1", func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	require.NoError(t, l.Publish(ctx, "room-1", []byte("hello")))
	require.Len(t, got, 1)
	assert.Equal(t, "room-1", got[0].Channel)
	assert.Equal(t, []byte("hello"), got[0].Payload)
}

func TestLocal_PublishOnlyReachesMatchingChannel(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var gotA, gotB int
	_, _ = l.Subscribe(ctx, "a", func(Message) { gotA++ })
	_, _ = l.Subscribe(ctx, "b", func(Message) { gotB++ })

	require.NoError(t, l.Publish(ctx, "a", []byte("x")))
	assert.Equal(t, 1, gotA)
	assert.Equal(t, 0, gotB)
}

func TestLocal_CancelStopsDelivery(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	count := 0
	cancel, err := l.Subscribe(ctx, "room-1", func(Message) { count++ })
	require.NoError(t, err)

	require.NoError(t, l.Publish(ctx, "room-1", nil))
	cancel()
	require.NoError(t, l.Publish(ctx, "room-1", nil))

	assert.Equal(t, 1, count)
}

func TestLocal_PublishWithNoSubscribersIsNotAnError(t *testing.T) {
	l := NewLocal()
	assert.NoError(t, l.Publish(context.Background(), "empty", []byte("x")))
}
