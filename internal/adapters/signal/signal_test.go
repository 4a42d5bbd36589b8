package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Signal/internal/adapters/bus"
	"github.com/dkeye/Signal/internal/adapters/rtc/rtctest"
	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/app/orch"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	ID    json.RawMessage `json:"id"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	nextID  int
	pending []frame
}

func newServer(t *testing.T, limiter *RateLimiter) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := bus.NewLocalBus("test")
	o := orch.New(rtctest.NewEngine(), b, nil, app.SimplePolicy{}, app.SessionConfig{DtlsTimeout: time.Second})
	o.Start()
	ctl := NewSignalWSController(o, Options{Limiter: limiter})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		o.Shutdown()
		_ = b.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, room string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"?room="+room, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) read() frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

// request sends one request and returns its response. Events read in the
// meantime are kept for event().
func (c *client) request(typ string, data any) frame {
	c.t.Helper()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	msg := map[string]any{"id": c.nextID, "type": typ}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(c.t, c.ws.WriteJSON(msg))
	for {
		f := c.read()
		if string(f.ID) == id {
			assert.Equal(c.t, typ, f.Type)
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func (c *client) ok(typ string, data any, out any) {
	c.t.Helper()
	f := c.request(typ, data)
	require.Nil(c.t, f.Error, "%s failed: %+v", typ, f.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, out))
	}
}

func (c *client) fails(typ string, data any, code core.Code) {
	c.t.Helper()
	f := c.request(typ, data)
	require.NotNil(c.t, f.Error, "%s should fail with %s", typ, code)
	assert.Equal(c.t, code, f.Error.Code, f.Error.Message)
}

func (c *client) event(name string) json.RawMessage {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == name && len(f.ID) == 0 {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f.Data
		}
	}
	for {
		f := c.read()
		if f.Type == name && len(f.ID) == 0 {
			return f.Data
		}
		c.pending = append(c.pending, f)
	}
}

func (c *client) connectTransport(typ string, sender bool) domain.TransportParams {
	c.t.Helper()
	var created struct {
		Params domain.TransportParams `json:"params"`
	}
	c.ok(ReqCreateWebRtcTransport, map[string]bool{"sender": sender}, &created)
	require.NotEmpty(c.t, created.Params.ID)
	c.ok(typ, map[string]any{
		"dtlsParameters": created.Params.DtlsParameters,
		"iceParameters":  created.Params.IceParameters,
		"iceCandidates":  created.Params.IceCandidates,
	}, nil)
	return created.Params
}

func TestSignalProduceConsumeScenario(t *testing.T) {
	url := newServer(t, nil)

	pub := dial(t, url, "r1")
	var hello struct {
		SocketID string `json:"socketId"`
	}
	require.NoError(t, json.Unmarshal(pub.event(core.EventConnectionSuccess), &hello))
	assert.NotEmpty(t, hello.SocketID)

	var caps struct {
		RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	}
	pub.ok(ReqGetRtpCapabilities, nil, &caps)
	require.Len(t, caps.RtpCapabilities.Codecs, 2)

	pub.connectTransport(ReqTransportConnect, true)
	var produced struct {
		ID string `json:"id"`
	}
	pub.ok(ReqTransportProduce, map[string]any{
		"kind":          "audio",
		"rtpParameters": rtctest.SendParameters(domain.KindAudio, 1234),
	}, &produced)
	require.NotEmpty(t, produced.ID)

	sub := dial(t, url, "r1")
	sub.event(core.EventConnectionSuccess)
	var announced struct {
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(sub.event(core.EventNewProducer), &announced))
	assert.Equal(t, produced.ID, announced.ProducerID)
	assert.Equal(t, "audio", announced.Kind)
	pub.event(core.EventPeerJoined)

	sub.connectTransport(ReqTransportRecvConnect, false)
	var consumed struct {
		Params domain.ConsumerParams `json:"params"`
	}
	sub.ok(ReqConsume, map[string]any{
		"rtpCapabilities": rtctest.ClientCapabilities(),
		"producerId":      produced.ID,
	}, &consumed)
	assert.Equal(t, produced.ID, consumed.Params.ProducerID)
	assert.Equal(t, domain.KindAudio, consumed.Params.Kind)
	sub.ok(ReqConsumerResume, map[string]string{"consumerId": consumed.Params.ID}, nil)

	// The publisher leaving tears down the subscriber's consumer.
	require.NoError(t, pub.ws.Close())
	sub.event(core.EventConsumerClosed)
	sub.event(core.EventProducerClosed)
	sub.event(core.EventPeerLeft)
	sub.fails(ReqConsumerResume, map[string]string{"consumerId": consumed.Params.ID}, core.CodeConsumerClosed)
}

func TestSignalConnectBeforeCreate(t *testing.T) {
	url := newServer(t, nil)
	c := dial(t, url, "r1")
	c.event(core.EventConnectionSuccess)

	c.fails(ReqTransportConnect, map[string]any{
		"dtlsParameters": domain.DtlsParameters{
			Role:         domain.DtlsRoleClient,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
		"iceParameters": domain.IceParameters{UsernameFragment: "u", Password: "p"},
	}, core.CodeUnknownTransport)

	// The connection survives the error.
	c.ok(ReqGetRtpCapabilities, nil, nil)
}

func TestSignalRequestErrors(t *testing.T) {
	url := newServer(t, nil)
	c := dial(t, url, "r1")
	c.event(core.EventConnectionSuccess)

	c.fails(ReqCreateWebRtcTransport, map[string]any{}, core.CodeValidationFailed)
	c.fails(ReqCreateWebRtcTransport, "not an object", core.CodeValidationFailed)
	c.fails(ReqTransportProduce, map[string]any{"kind": "screen"}, core.CodeValidationFailed)
	c.fails(ReqConsume, map[string]any{"rtpCapabilities": map[string]any{"codecs": []any{}}}, core.CodeValidationFailed)
	c.fails("bogus", nil, core.CodeUnknownRequest)

	c.connectTransport(ReqTransportConnect, true)
	c.fails(ReqCreateWebRtcTransport, map[string]bool{"sender": true}, core.CodeDuplicateTransport)
	c.fails(ReqConsumerResume, nil, core.CodeUnknownConsumer)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := c.read()
	require.NotNil(t, f.Error)
	assert.Equal(t, core.CodeInvalidRequest, f.Error.Code)

	c.ok(ReqGetRtpCapabilities, nil, nil)
}

func TestSignalConnectNeedsIceParameters(t *testing.T) {
	url := newServer(t, nil)
	c := dial(t, url, "r1")
	c.event(core.EventConnectionSuccess)

	var created struct {
		Params domain.TransportParams `json:"params"`
	}
	c.ok(ReqCreateWebRtcTransport, map[string]bool{"sender": true}, &created)
	f := c.request(ReqTransportConnect, map[string]any{"dtlsParameters": created.Params.DtlsParameters})
	require.NotNil(t, f.Error)
	assert.Equal(t, core.CodeValidationFailed, f.Error.Code)
	assert.Contains(t, f.Error.Message, "iceParameters is required")
	assert.Contains(t, f.Error.Message, "usernameFragment and password")

	f = c.request(ReqTransportConnect, map[string]any{
		"dtlsParameters": created.Params.DtlsParameters,
		"iceParameters":  map[string]string{"usernameFragment": "u"},
	})
	require.NotNil(t, f.Error)
	assert.Contains(t, f.Error.Message, "password is required")

	// The transport is still new and connects once the field is sent.
	c.ok(ReqTransportConnect, map[string]any{
		"dtlsParameters": created.Params.DtlsParameters,
		"iceParameters":  created.Params.IceParameters,
	}, nil)
}

func TestSignalRateLimited(t *testing.T) {
	url := newServer(t, NewRateLimiter(2, time.Minute))
	c := dial(t, url, "r1")
	c.event(core.EventConnectionSuccess)

	c.ok(ReqGetRtpCapabilities, nil, nil)
	c.ok(ReqGetRtpCapabilities, nil, nil)
	c.fails(ReqGetRtpCapabilities, nil, core.CodeRateLimited)
}

func TestSignalRejectsBadRoom(t *testing.T) {
	url := newServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(url+"?room=bad%20room", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWsSignalConnQueue(t *testing.T) {
	c := newWsSignalConn(nil, 1)
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), core.ErrSendQueueFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.TrySend(core.Frame("c")), core.ErrSessionClosed)
	f, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, core.Frame("a"), f)
}
