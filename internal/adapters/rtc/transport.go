package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// transport is one ICE+DTLS channel built from pion's ORTC objects.
type transport struct {
	id        string
	router    *router
	direction domain.Direction
	peer      domain.PeerID
	params    domain.TransportParams
	logger    zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu         sync.Mutex
	state      domain.DtlsState
	connecting bool
	closed     bool
	nextMid    int
	producers  map[string]*producer
	consumers  map[string]*consumer
	onState    []func(domain.DtlsState)
	onClose    []func()
}

var _ core.Transport = (*transport)(nil)

func newTransport(
	r *router,
	opts core.TransportOptions,
	gatherer *webrtc.ICEGatherer,
	ice *webrtc.ICETransport,
	dtls *webrtc.DTLSTransport,
	params domain.TransportParams,
) *transport {
	id := uuid.NewString()
	params.ID = id
	t := &transport{
		id:        id,
		router:    r,
		direction: opts.Direction,
		peer:      opts.PeerID,
		params:    params,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		state:     domain.DtlsStateNew,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
		logger: log.With().
			Str("module", "rtc").
			Str("transport", id).
			Str("direction", string(opts.Direction)).
			Str("peer", string(opts.PeerID)).
			Logger(),
	}
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.setState(toDtlsState(s))
	})
	return t
}

func (t *transport) ID() string                     { return t.id }
func (t *transport) Params() domain.TransportParams { return t.params }

func (t *transport) DtlsState() domain.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) setState(s domain.DtlsState) {
	t.mu.Lock()
	if t.state == s || t.state == domain.DtlsStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	listeners := slices.Clone(t.onState)
	t.mu.Unlock()

	t.logger.Info().Str("dtls_state", string(s)).Msg("DTLS state")
	for _, fn := range listeners {
		fn(s)
	}
	if s == domain.DtlsStateFailed || s == domain.DtlsStateClosed {
		go func() { _ = t.Close() }()
	}
}

// Connect starts ICE as the controlled agent and runs the DTLS handshake.
// It returns when DTLS is connected, fails or ctx is done.
func (t *transport) Connect(ctx context.Context, p domain.ConnectParams) error {
	if p.IceParameters == nil {
		return fmt.Errorf("%w: iceParameters are required", core.ErrValidation)
	}
	remoteCands, err := fromIceCandidates(p.IceCandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed || t.connecting || t.state != domain.DtlsStateNew {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is %s", core.ErrInvalidTransportState, state)
	}
	t.connecting = true
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- t.handshake(*p.IceParameters, remoteCands, fromDtlsParameters(p.DtlsParameters))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.setState(domain.DtlsStateFailed)
			return fmt.Errorf("%w: %w", core.ErrInvalidTransportState, err)
		}
		return nil
	case <-ctx.Done():
		t.setState(domain.DtlsStateFailed)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.ErrNegotiationTimeout
		}
		return ctx.Err()
	}
}

func (t *transport) handshake(iceParams domain.IceParameters, cands []webrtc.ICECandidate, dtlsParams webrtc.DTLSParameters) error {
	if err := t.ice.SetRemoteCandidates(cands); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, fromIceParameters(iceParams), &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (core.Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, fmt.Errorf("%w: produce on a receive transport", core.ErrInvalidTransportState)
	}
	if st := t.DtlsState(); st != domain.DtlsStateConnected {
		return nil, fmt.Errorf("%w: transport is %s", core.ErrInvalidTransportState, st)
	}
	routerCodec, err := sfu.CheckProducible(kind, rtp, t.router.RtpCapabilities())
	if err != nil {
		return nil, err
	}
	p, err := newProducer(ctx, t, kind, rtp, routerCodec)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("%w: transport closed", core.ErrInvalidTransportState)
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	return p, nil
}

func (t *transport) Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities) (core.Consumer, error) {
	if t.direction != domain.DirectionReceive {
		return nil, fmt.Errorf("%w: consume on a send transport", core.ErrInvalidTransportState)
	}
	if st := t.DtlsState(); st != domain.DtlsStateConnected {
		return nil, fmt.Errorf("%w: transport is %s", core.ErrInvalidTransportState, st)
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, core.ErrUnknownProducer
	}
	if !sfu.CanConsume(p.kind, p.rtp, caps) {
		return nil, core.ErrNegotiationFailed
	}

	t.mu.Lock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.mu.Unlock()

	c, err := newConsumer(ctx, t, p, caps, mid)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return nil, fmt.Errorf("%w: transport closed", core.ErrInvalidTransportState)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *transport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.DtlsStateClosed
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	listeners := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeFor(closedByTransport)
	}
	var errs []error
	for _, p := range producers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("dtls stop: %w", err))
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ice stop: %w", err))
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gatherer close: %w", err))
	}
	t.router.removeTransport(t.id)
	t.logger.Debug().Msg("transport closed")

	for _, fn := range listeners {
		fn()
	}
	return errors.Join(errs...)
}

func (t *transport) OnDtlsStateChange(fn func(domain.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}
