package rtc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineLeastLoadedPlacement(t *testing.T) {
	e, err := NewEngine(Config{NumWorkers: 2}, nil)
	require.NoError(t, err)
	defer e.Close()

	r1, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)
	r2, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)

	assert.NotSame(t, r1.(*router).worker, r2.(*router).worker)
	assert.Equal(t, 2, e.AliveWorkers())
	assert.Equal(t, uint8(100), r1.RtpCapabilities().Codecs[0].PreferredPayloadType)
}

func TestEngineRejectsBadCodecs(t *testing.T) {
	_, err := NewEngine(Config{Codecs: []domain.RtpCodecCapability{{Kind: domain.KindAudio, MimeType: "video/VP8", ClockRate: 90000}}}, nil)
	assert.Error(t, err)
}

func TestWorkerDeathFailsRoutersAndReplaces(t *testing.T) {
	var fatal atomic.Bool
	e, err := NewEngine(Config{NumWorkers: 1}, func(error) { fatal.Store(true) })
	require.NoError(t, err)
	defer e.Close()

	r, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)
	var reason error
	r.OnClose(func(err error) { reason = err })

	r.(*router).worker.die(errors.New("relay panicked"))

	assert.True(t, r.Closed())
	assert.ErrorIs(t, reason, core.ErrEngineFatal)
	assert.Equal(t, 1, e.AliveWorkers())
	assert.False(t, fatal.Load())

	_, err = e.CreateRouter(context.Background(), nil)
	assert.NoError(t, err)
}

func TestRouterCloseIsIdempotent(t *testing.T) {
	e, err := NewEngine(Config{NumWorkers: 1}, nil)
	require.NoError(t, err)
	defer e.Close()

	r, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)
	calls := 0
	r.OnClose(func(err error) {
		calls++
		assert.NoError(t, err)
	})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, calls)
	assert.Zero(t, r.(*router).worker.load())
}

func TestConnectRequiresIceParameters(t *testing.T) {
	tr := &transport{state: domain.DtlsStateNew}
	err := tr.Connect(context.Background(), domain.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestFmtpLineIsSorted(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t, "level-asymmetry-allowed=1;packetization-mode=1",
		fmtpLine(map[string]any{"packetization-mode": 1, "level-asymmetry-allowed": 1}))
}

func TestIceCandidateConversion(t *testing.T) {
	in := []domain.IceCandidate{{Foundation: "1", Priority: 100, Ip: "10.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}}
	pc, err := fromIceCandidates(in)
	require.NoError(t, err)
	require.Len(t, pc, 1)
	assert.Equal(t, webrtc.ICEProtocolUDP, pc[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, pc[0].Typ)
	assert.Equal(t, in, toIceCandidates(pc))

	_, err = fromIceCandidates([]domain.IceCandidate{{Protocol: "sctp", Type: "host"}})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDtlsRoleMapping(t *testing.T) {
	for _, role := range []domain.DtlsRole{domain.DtlsRoleAuto, domain.DtlsRoleClient, domain.DtlsRoleServer} {
		assert.Equal(t, role, toDtlsRole(fromDtlsRole(role)))
	}
	assert.Equal(t, domain.DtlsStateConnected, toDtlsState(webrtc.DTLSTransportStateConnected))
	assert.Equal(t, domain.DtlsStateNew, toDtlsState(webrtc.DTLSTransportStateNew))
}
