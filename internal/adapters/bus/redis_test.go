package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/Signal/internal/core"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newRedisBus(t *testing.T, mr *miniredis.Miniredis, id string) *RedisBus {
	t.Helper()
	b, err := NewRedisBus(context.Background(), newClient(t, mr), RedisOptions{
		InstanceID: id,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBusCrossInstanceInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr, "instance-a")
	b := newRedisBus(t, mr, "instance-b")

	var onA, onB collector
	a.Subscribe(core.TopicPeerJoined, onA.handle)
	b.Subscribe(core.TopicPeerJoined, onB.handle)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, core.TopicPeerJoined, []byte(`{"id":"s1"}`)))
	require.NoError(t, a.Publish(ctx, core.TopicPeerJoined, []byte(`{"id":"s2"}`)))

	require.Eventually(t, func() bool { return len(onB.payloads()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"id":"s1"}`, `{"id":"s2"}`}, onB.payloads())
	assert.Equal(t, "instance-a", onB.got[0].Origin)

	// The publisher sees its own events exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{`{"id":"s1"}`, `{"id":"s2"}`}, onA.payloads())
}

func TestRedisBusFailsFastWithoutBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newClient(t, mr)
	mr.Close()

	_, err := NewRedisBus(context.Background(), client, RedisOptions{InstanceID: "x"})
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
}

func TestRedisBusDegradesAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr, "instance-a")

	var local collector
	a.Subscribe(core.TopicPeerLeft, local.handle)

	mr.Close()
	err := a.Publish(context.Background(), core.TopicPeerLeft, []byte("p"))
	assert.ErrorIs(t, err, core.ErrBrokerUnavailable)
	assert.True(t, a.Degraded())
	require.Eventually(t, func() bool { return len(local.payloads()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, mr.Restart())
	require.Eventually(t, func() bool { return !a.Degraded() }, 2*time.Second, 10*time.Millisecond)
}
