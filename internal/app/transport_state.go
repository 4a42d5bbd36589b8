package app

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Session negotiation states, in high-water order.
const (
	StateConnected             = "connected"
	StateCapabilitiesKnown     = "capabilities-known"
	StateSendTransportReady    = "send-transport-ready"
	StateProducing             = "producing"
	StateReceiveTransportReady = "receive-transport-ready"
	StateConsuming             = "consuming"
	StateClosed                = "closed"
)

var sessionOrder = []string{
	StateConnected,
	StateCapabilitiesKnown,
	StateSendTransportReady,
	StateProducing,
	StateReceiveTransportReady,
	StateConsuming,
}

// Session events are named after the state they reach.
const (
	evCapabilities = "capabilities"
	evSendReady    = "send-ready"
	evProduce      = "produce"
	evRecvReady    = "recv-ready"
	evConsume      = "consume"
	evClose        = "close"
)

// below lists every non-terminal state ordered before dst.
func below(dst string) []string {
	for i, s := range sessionOrder {
		if s == dst {
			return sessionOrder[:i:i]
		}
	}
	return nil
}

// newSessionFSM builds a machine that only moves forward: an event whose
// target is at or below the current state is not permitted and is skipped
// by advance.
func newSessionFSM(logger *zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: evCapabilities, Src: below(StateCapabilitiesKnown), Dst: StateCapabilitiesKnown},
			{Name: evSendReady, Src: below(StateSendTransportReady), Dst: StateSendTransportReady},
			{Name: evProduce, Src: below(StateProducing), Dst: StateProducing},
			{Name: evRecvReady, Src: below(StateReceiveTransportReady), Dst: StateReceiveTransportReady},
			{Name: evConsume, Src: below(StateConsuming), Dst: StateConsuming},
			{Name: evClose, Src: sessionOrder, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("session state")
			},
		},
	)
}

// advance fires event when it moves the machine forward.
func advance(m *fsm.FSM, event string) {
	if m.Can(event) {
		_ = m.Event(context.Background(), event)
	}
}

// Transport slot states.
const (
	TransportNew        = "new"
	TransportConnecting = "connecting"
	TransportConnected  = "connected"
	TransportFailed     = "failed"
	TransportClosed     = "closed"
)

const (
	evTransportConnect   = "connect"
	evTransportReset     = "reset"
	evTransportConnected = "connected"
	evTransportFail      = "fail"
	evTransportClose     = "close"
)

func newTransportFSM() *fsm.FSM {
	return fsm.NewFSM(
		TransportNew,
		fsm.Events{
			{Name: evTransportConnect, Src: []string{TransportNew}, Dst: TransportConnecting},
			{Name: evTransportReset, Src: []string{TransportConnecting}, Dst: TransportNew},
			{Name: evTransportConnected, Src: []string{TransportConnecting}, Dst: TransportConnected},
			{Name: evTransportFail, Src: []string{TransportNew, TransportConnecting, TransportConnected}, Dst: TransportFailed},
			{Name: evTransportClose, Src: []string{TransportNew, TransportConnecting, TransportConnected, TransportFailed}, Dst: TransportClosed},
		},
		fsm.Callbacks{},
	)
}
