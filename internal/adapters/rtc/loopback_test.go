package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/adapters/rtc/rtctest"
	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vp8 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

// ortcClient is the browser side of one transport, built from plain pion
// ORTC objects.
type ortcClient struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

// newOrtcClient gathers candidates for a client that knows VP8 under pt.
func newOrtcClient(t *testing.T, pt webrtc.PayloadType) *ortcClient {
	t.Helper()
	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterCodec(webrtc.RTPCodecParameters{RTPCodecCapability: vp8, PayloadType: pt}, webrtc.RTPCodecTypeVideo))
	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client gathering timed out")
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)
	c := &ortcClient{api: api, gatherer: gatherer, ice: ice, dtls: dtls}
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	})
	return c
}

// connect runs both sides of the ICE and DTLS handshake.
func (c *ortcClient) connect(t *testing.T, tr core.Transport) {
	t.Helper()
	iceParams, err := c.gatherer.GetLocalParameters()
	require.NoError(t, err)
	cands, err := c.gatherer.GetLocalCandidates()
	require.NoError(t, err)
	dtlsParams, err := c.dtls.GetLocalParameters()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	serverDone := make(chan error, 1)
	go func() {
		local := toIceParameters(iceParams)
		serverDone <- tr.Connect(ctx, domain.ConnectParams{
			DtlsParameters: toDtlsParameters(dtlsParams),
			IceParameters:  &local,
			IceCandidates:  toIceCandidates(cands),
		})
	}()

	server := tr.Params()
	remote, err := fromIceCandidates(server.IceCandidates)
	require.NoError(t, err)
	require.NoError(t, c.ice.SetRemoteCandidates(remote))
	role := webrtc.ICERoleControlling
	require.NoError(t, c.ice.Start(c.gatherer, fromIceParameters(server.IceParameters), &role))
	require.NoError(t, c.dtls.Start(fromDtlsParameters(server.DtlsParameters)))
	require.NoError(t, <-serverDone)
}

type loopback struct {
	engine *Engine
	router core.Router
}

func newLoopback(t *testing.T) *loopback {
	t.Helper()
	e, err := NewEngine(Config{NumWorkers: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	r, err := e.CreateRouter(context.Background(), nil)
	require.NoError(t, err)
	return &loopback{engine: e, router: r}
}

func (l *loopback) transport(t *testing.T, dir domain.Direction, peer string) core.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := l.router.CreateTransport(ctx, core.TransportOptions{Direction: dir, PeerID: domain.PeerID(peer)})
	require.NoError(t, err)
	return tr
}

// publish connects a sending client using clientPT for VP8 and produces its
// track.
func (l *loopback) publish(t *testing.T, clientPT webrtc.PayloadType) (core.Producer, *webrtc.TrackLocalStaticRTP) {
	t.Helper()
	tr := l.transport(t, domain.DirectionSend, "pub")
	client := newOrtcClient(t, clientPT)
	client.connect(t, tr)

	track, err := webrtc.NewTrackLocalStaticRTP(vp8, "video", "pub")
	require.NoError(t, err)
	sender, err := client.api.NewRTPSender(track, client.dtls)
	require.NoError(t, err)
	params := sender.GetParameters()
	require.NoError(t, sender.Send(params))
	t.Cleanup(func() { _ = sender.Stop() })

	rtpParams := rtctest.SendParameters(domain.KindVideo, uint32(params.Encodings[0].SSRC))
	rtpParams.Codecs[0].PayloadType = uint8(clientPT)
	p, err := tr.Produce(context.Background(), domain.KindVideo, rtpParams)
	require.NoError(t, err)
	return p, track
}

// subscribe connects a receiving client, consumes p and returns the packets
// the client reads.
func (l *loopback) subscribe(t *testing.T, p core.Producer) (core.Consumer, <-chan *rtp.Packet) {
	t.Helper()
	routerCodec, ok := sfu.MatchCodec(p.Kind(), mustMediaCodec(t, p.RtpParameters()), l.router.RtpCapabilities())
	require.True(t, ok)

	tr := l.transport(t, domain.DirectionReceive, "sub")
	client := newOrtcClient(t, webrtc.PayloadType(routerCodec.PreferredPayloadType))
	client.connect(t, tr)

	c, err := tr.Consume(context.Background(), p.ID(), rtctest.ClientCapabilities())
	require.NoError(t, err)
	assert.True(t, c.Paused())
	codec := mustMediaCodec(t, c.RtpParameters())
	require.Equal(t, routerCodec.PreferredPayloadType, codec.PayloadType)

	receiver, err := client.api.NewRTPReceiver(webrtc.RTPCodecTypeVideo, client.dtls)
	require.NoError(t, err)
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.RtpParameters().Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}))
	t.Cleanup(func() { _ = receiver.Stop() })

	packets := make(chan *rtp.Packet, 16)
	go func() {
		for {
			pkt, _, err := receiver.Track().ReadRTP()
			if err != nil {
				return
			}
			select {
			case packets <- pkt:
			default:
			}
		}
	}()
	return c, packets
}

func mustMediaCodec(t *testing.T, params domain.RtpParameters) domain.RtpCodecParameters {
	t.Helper()
	codec, ok := params.MediaCodec()
	require.True(t, ok)
	return codec
}

// pump writes VP8 packets until stop is closed.
func pump(track *webrtc.TrackLocalStaticRTP, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var seq uint16
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			_ = track.WriteRTP(&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, Marker: true},
				Payload: []byte{0x10, 0x00, 0x9d, 0x01, 0x2a},
			})
		}
	}
}

func TestLoopbackForwardsMedia(t *testing.T) {
	for name, clientPT := range map[string]webrtc.PayloadType{
		"router payload type":  101,
		"browser payload type": 96,
	} {
		t.Run(name, func(t *testing.T) {
			l := newLoopback(t)
			p, track := l.publish(t, clientPT)
			c, packets := l.subscribe(t, p)

			stop := make(chan struct{})
			defer close(stop)
			go pump(track, stop)

			// Paused consumers forward nothing.
			select {
			case <-packets:
				t.Fatal("paused consumer received media")
			case <-time.After(100 * time.Millisecond):
			}

			require.NoError(t, c.Resume(context.Background()))
			select {
			case pkt := <-packets:
				assert.Equal(t, uint8(101), pkt.PayloadType)
				assert.Equal(t, c.RtpParameters().Encodings[0].Ssrc, pkt.SSRC)
			case <-time.After(5 * time.Second):
				t.Fatal("no media reached the consumer")
			}
			assert.False(t, p.Closed())

			require.NoError(t, p.Close())
			assert.True(t, c.Closed())
			assert.ErrorIs(t, c.Resume(context.Background()), core.ErrConsumerClosed)
		})
	}
}

func TestBindPayloadType(t *testing.T) {
	e, err := NewEngine(Config{NumWorkers: 1}, nil)
	require.NoError(t, err)
	defer e.Close()
	w := e.workers[0]
	opus, vp8Codec := w.caps.Codecs[0], w.caps.Codecs[1]

	require.NoError(t, w.bindPayloadType(vp8Codec.PreferredPayloadType, vp8Codec))
	require.NoError(t, w.bindPayloadType(96, vp8Codec))
	require.NoError(t, w.bindPayloadType(96, vp8Codec))
	require.NoError(t, w.bindPayloadType(111, opus))

	assert.ErrorIs(t, w.bindPayloadType(96, opus), core.ErrNegotiationFailed)
	assert.ErrorIs(t, w.bindPayloadType(vp8Codec.PreferredPayloadType, opus), core.ErrNegotiationFailed)
	assert.Equal(t, vp8Codec, w.payloadTypes[96])
	assert.Equal(t, opus, w.payloadTypes[111])
}
