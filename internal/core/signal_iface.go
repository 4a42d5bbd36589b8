package core

import (
	"encoding/json"
	"errors"
)

// Frame is a raw signaling payload.
type Frame []byte

// ErrSendQueueFull is returned by TrySend when the peer does not drain its
// outbound queue fast enough.
var ErrSendQueueFull = errors.New("send queue full")

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Unsolicited server events.
const (
	EventConnectionSuccess = "connection-success"
	EventPeerJoined        = "peer-joined"
	EventPeerLeft          = "peer-left"
	EventNewProducer       = "new-producer"
	EventProducerClosed    = "producer-closed"
	EventConsumerClosed    = "consumer-closed"
	EventTransportClosed   = "transport-closed"
	EventSessionTimeout    = "session-timeout"
	EventRouterFailed      = "router-failed"
)

// EventMessage is the wire shape of an unsolicited event.
type EventMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func EncodeEvent(name string, data any) (Frame, error) {
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(EventMessage{Type: name, Data: data})
}
