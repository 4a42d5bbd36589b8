package core

import (
	"context"

	"github.com/dkeye/Signal/internal/domain"
)

// MediaEngine is the process-wide entry point into the SFU engine.
type MediaEngine interface {
	// CreateRouter places a router on a live worker.
	// Fails with ErrEngineUnavailable when no worker is running.
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	// AliveWorkers reports the number of running workers.
	AliveWorkers() int
	Close()
}

// Router is the negotiation domain producers and consumers are matched in.
type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	// CanConsume is a pure capability check.
	CanConsume(producerID string, caps domain.RtpCapabilities) bool
	Closed() bool
	// Close is a no-op on a closed router.
	Close() error
	// OnClose fires once; err is non-nil when the engine closed the router
	// (worker death) rather than the caller.
	OnClose(func(err error))
}

type TransportOptions struct {
	Direction domain.Direction
	PeerID    domain.PeerID
}

type Transport interface {
	ID() string
	Params() domain.TransportParams
	DtlsState() domain.DtlsState
	// Connect runs ICE and the DTLS handshake. It returns once DTLS is
	// connected or fails.
	Connect(ctx context.Context, params domain.ConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (Producer, error)
	// Consume creates a paused consumer.
	Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities) (Consumer, error)
	Closed() bool
	Close() error
	OnDtlsStateChange(func(domain.DtlsState))
	OnClose(func())
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Closed() bool
	Close() error
	// OnClose fires once, whatever closed the producer.
	OnClose(func())
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	Closed() bool
	Close() error
	// OnProducerClose fires when the bound producer goes away.
	OnProducerClose(func())
	// OnTransportClose fires when the consumer's transport goes away.
	OnTransportClose(func())
}
