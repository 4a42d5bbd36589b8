package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []core.Event
}

func (c *collector) handle(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, ev := range c.got {
		out = append(out, string(ev.Payload))
	}
	return out
}

func TestLocalBusOrderPerTopic(t *testing.T) {
	b := NewLocalBus("a")
	defer b.Close()

	var c collector
	b.Subscribe(core.TopicPeerJoined, c.handle)

	for _, p := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Publish(context.Background(), core.TopicPeerJoined, []byte(p)))
	}
	require.NoError(t, b.Publish(context.Background(), core.TopicPeerLeft, []byte("other")))

	require.Eventually(t, func() bool { return len(c.payloads()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, c.payloads())
	assert.Equal(t, "a", c.got[0].Origin)
}

func TestLocalBusSlowHandlerDoesNotBlockPublisher(t *testing.T) {
	b := NewLocalBus("a")
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("t", func(core.Event) { <-release })

	done := make(chan struct{})
	go func() {
		for range 100 {
			_ = b.Publish(context.Background(), "t", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by handler")
	}
	close(release)
}

func TestLocalBusUnsubscribeAndPanic(t *testing.T) {
	b := NewLocalBus("a")
	defer b.Close()

	var c collector
	b.Subscribe("t", func(core.Event) { panic("handler bug") })
	unsub := b.Subscribe("t", c.handle)

	_ = b.Publish(context.Background(), "t", []byte("x"))
	require.Eventually(t, func() bool { return len(c.payloads()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	_ = b.Publish(context.Background(), "t", []byte("y"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"x"}, c.payloads())
	assert.False(t, b.Degraded())
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, nextBackoff(100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, nextBackoff(800*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, nextBackoff(0, time.Second))
}
