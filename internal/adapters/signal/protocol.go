package signal

import (
	"encoding/json"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
)

// Request names.
const (
	ReqGetRtpCapabilities    = "getRtpCapabilities"
	ReqCreateWebRtcTransport = "createWebRtcTransport"
	ReqTransportConnect      = "transport-connect"
	ReqTransportProduce      = "transport-produce"
	ReqTransportRecvConnect  = "transport-recv-connect"
	ReqConsume               = "consume"
	ReqConsumerResume        = "consumer-resume"
)

type request struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type errorBody struct {
	Code    core.Code `json:"code"`
	Message string    `json:"message"`
}

type response struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  any             `json:"data,omitempty"`
	Error *errorBody      `json:"error,omitempty"`
}

type createTransportPayload struct {
	Sender *bool `json:"sender" validate:"required"`
}

// connectPayload is the body of transport-connect and transport-recv-connect.
// Besides dtlsParameters the client sends its own ICE usernameFragment and
// password: server transports are ICE-lite and authenticate the client's
// connectivity checks with them. iceCandidates may be omitted.
type connectPayload struct {
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters" validate:"required"`
	IceCandidates  []domain.IceCandidate `json:"iceCandidates,omitempty" validate:"omitempty,dive"`
}

// fieldHints extend the message of a missing required field.
var fieldHints = map[string]string{
	"iceParameters": "send the client ICE agent's usernameFragment and password with dtlsParameters",
}

func (p connectPayload) params() domain.ConnectParams {
	return domain.ConnectParams{
		DtlsParameters: p.DtlsParameters,
		IceParameters:  p.IceParameters,
		IceCandidates:  p.IceCandidates,
	}
}

type producePayload struct {
	Kind          domain.MediaKind     `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData,omitempty"`
}

type consumePayload struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	ProducerID      string                 `json:"producerId,omitempty"`
}

type resumePayload struct {
	ConsumerID string `json:"consumerId,omitempty"`
}

type empty struct{}
