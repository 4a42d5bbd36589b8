package app

import (
	"context"
	"testing"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeGauges(t *testing.T) {
	t.Cleanup(func() { SetProbes(nil, nil) })

	assert.Zero(t, testutil.ToFloat64(brokerDegraded))
	assert.Zero(t, testutil.ToFloat64(workersAlive))

	degraded := true
	SetProbes(func() bool { return degraded }, func() int { return 3 })
	assert.Equal(t, 1.0, testutil.ToFloat64(brokerDegraded))
	assert.Equal(t, 3.0, testutil.ToFloat64(workersAlive))

	degraded = false
	assert.Zero(t, testutil.ToFloat64(brokerDegraded))
}

func TestSessionAndRouterGauges(t *testing.T) {
	f := newFixture(t)
	sessions := testutil.ToFloat64(SessionsActive)
	routers := testutil.ToFloat64(RoutersActive)

	s, _ := f.open(t, "m1")
	_, err := s.GetCapabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sessions+1, testutil.ToFloat64(SessionsActive))
	assert.Equal(t, routers+1, testutil.ToFloat64(RoutersActive))

	s.Close()
	assert.Equal(t, sessions, testutil.ToFloat64(SessionsActive))
	assert.Equal(t, routers, testutil.ToFloat64(RoutersActive))
}

type brokenBus struct{}

func (brokenBus) Publish(context.Context, string, []byte) error { return core.ErrBrokerUnavailable }
func (brokenBus) Subscribe(string, core.Handler) func()         { return func() {} }
func (brokenBus) Degraded() bool                                { return true }
func (brokenBus) Close() error                                  { return nil }

func TestPublishFailureCounted(t *testing.T) {
	f := newFixture(t)
	failures := BusPublishFailures.WithLabelValues(core.TopicPeerJoined)
	before := testutil.ToFloat64(failures)

	s := NewSession(&domain.Peer{ID: "m2", Room: testRoom}, f.routers, brokenBus{}, nil, nil, f.cfg)
	s.Open(context.Background())
	t.Cleanup(s.Close)

	assert.Equal(t, before+1, testutil.ToFloat64(failures))
}
