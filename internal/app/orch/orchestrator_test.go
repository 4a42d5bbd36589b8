package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/adapters/bus"
	"github.com/dkeye/Signal/internal/adapters/rtc/rtctest"
	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	frames []core.EventMessage
}

func (c *recordingConn) TrySend(f core.Frame) error {
	var msg core.EventMessage
	if err := json.Unmarshal(f, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Type == event {
			n++
		}
	}
	return n
}

func (c *recordingConn) waitFor(t *testing.T, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(event) >= n }, time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, event)
}

func newOrchestrator(t *testing.T) (*Orchestrator, *rtctest.Engine) {
	t.Helper()
	e := rtctest.NewEngine()
	b := bus.NewLocalBus("test")
	o := New(e, b, nil, app.SimplePolicy{}, app.SessionConfig{DtlsTimeout: time.Second})
	o.Start()
	t.Cleanup(func() {
		o.Shutdown()
		_ = b.Close()
	})
	return o, e
}

func join(t *testing.T, o *Orchestrator, room domain.RoomID, id string) (*app.Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s := o.Join(context.Background(), &domain.Peer{ID: domain.PeerID(id), Room: room}, conn)
	return s, conn
}

func produce(t *testing.T, s *app.Session, kind domain.MediaKind) string {
	t.Helper()
	ctx := context.Background()
	params, err := s.CreateTransport(ctx, domain.DirectionSend)
	require.NoError(t, err)
	require.NoError(t, s.ConnectTransport(ctx, domain.DirectionSend, domain.ConnectParams{
		DtlsParameters: params.DtlsParameters,
		IceParameters:  &params.IceParameters,
	}))
	id, err := s.Produce(ctx, kind, rtctest.SendParameters(kind, 42))
	require.NoError(t, err)
	return id
}

func TestFanoutWithinRoom(t *testing.T) {
	o, _ := newOrchestrator(t)
	a, aConn := join(t, o, "room", "a")
	_, bConn := join(t, o, "room", "b")
	_, otherConn := join(t, o, "elsewhere", "c")

	aConn.waitFor(t, core.EventPeerJoined, 1)

	produce(t, a, domain.KindAudio)
	bConn.waitFor(t, core.EventNewProducer, 1)

	a.Close()
	bConn.waitFor(t, core.EventProducerClosed, 1)
	bConn.waitFor(t, core.EventPeerLeft, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, bConn.count(core.EventNewProducer))
	assert.Equal(t, 1, bConn.count(core.EventProducerClosed))
	assert.Zero(t, otherConn.count(core.EventPeerJoined))
	assert.Zero(t, otherConn.count(core.EventNewProducer))
	assert.Zero(t, aConn.count(core.EventNewProducer), "own producers are not announced back")
}

func TestLateJoinerSeesExistingProducers(t *testing.T) {
	o, _ := newOrchestrator(t)
	a, _ := join(t, o, "room", "a")
	pid := produce(t, a, domain.KindVideo)

	_, lateConn := join(t, o, "room", "late")
	lateConn.waitFor(t, core.EventNewProducer, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, lateConn.count(core.EventNewProducer))

	rooms := o.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].MemberCount)
	assert.Equal(t, 1, rooms[0].Producers)

	members := o.Members("room")
	require.Len(t, members, 2)
	assert.Equal(t, domain.PeerID("a"), members[0].ID)
	assert.Equal(t, []string{pid}, members[0].Producers)
	assert.Equal(t, domain.PeerID("late"), members[1].ID)
}

func TestKick(t *testing.T) {
	o, _ := newOrchestrator(t)
	s, _ := join(t, o, "room", "a")

	assert.False(t, o.Kick("other", "a"))
	assert.False(t, o.Kick("room", "missing"))
	assert.True(t, o.Kick("room", "a"))

	<-s.Done()
	_, ok := o.Registry.Get("a")
	assert.False(t, ok)
	assert.Empty(t, o.Rooms())
}

func TestDisconnectReleasesSession(t *testing.T) {
	o, _ := newOrchestrator(t)
	s, _ := join(t, o, "room", "a")

	o.OnDisconnect("a")
	o.OnDisconnect("a")
	<-s.Done()
	assert.Zero(t, o.Registry.Len())
}

func TestRouterFailureClosesRoomSessions(t *testing.T) {
	o, e := newOrchestrator(t)
	a, aConn := join(t, o, "room", "a")
	b, bConn := join(t, o, "room", "b")
	produce(t, a, domain.KindAudio)

	e.KillWorker()

	for _, s := range []*app.Session{a, b} {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("session survived router failure")
		}
	}
	assert.Equal(t, 1, aConn.count(core.EventRouterFailed))
	assert.Equal(t, 1, bConn.count(core.EventRouterFailed))
	assert.Zero(t, o.Registry.Len())
}
