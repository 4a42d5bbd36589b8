package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDtlsTimeout = 15 * time.Second
	DefaultIdleTimeout = 120 * time.Second
)

type SessionConfig struct {
	// DtlsTimeout bounds transport-connect.
	DtlsTimeout time.Duration
	// IdleTimeout closes a session that never connected a transport.
	// Zero disables it.
	IdleTimeout time.Duration
}

type transportSlot struct {
	t     core.Transport
	state *fsm.FSM
}

type consumerSlot struct {
	c      core.Consumer
	closed bool
}

// Session is the negotiation state of one signaling connection.
type Session struct {
	peer    *domain.Peer
	routers *RouterRegistry
	bus     core.EventBus
	conn    core.SignalConnection
	policy  Policy
	cfg     SessionConfig
	logger  zerolog.Logger

	// reqMu serializes client requests; mu guards state and is never held
	// across engine calls.
	reqMu sync.Mutex
	mu    sync.Mutex

	state         *fsm.FSM
	transports    map[domain.Direction]*transportSlot
	producers     map[string]core.Producer
	consumers     map[string]*consumerSlot
	consumerOrder []string
	announced     map[string]struct{}
	peers         map[domain.PeerID]bool
	everConnected bool
	closing       bool
	idle          *time.Timer

	closeOnce sync.Once
	done      chan struct{}
	onClosed  func(*Session)
}

func NewSession(
	peer *domain.Peer,
	routers *RouterRegistry,
	bus core.EventBus,
	conn core.SignalConnection,
	policy Policy,
	cfg SessionConfig,
) *Session {
	if policy == nil {
		policy = SimplePolicy{}
	}
	logger := log.With().
		Str("module", "app.session").
		Str("sid", string(peer.ID)).
		Str("room", string(peer.Room)).
		Logger()
	s := &Session{
		peer:       peer,
		routers:    routers,
		bus:        bus,
		conn:       conn,
		policy:     policy,
		cfg:        cfg,
		logger:     logger,
		transports: make(map[domain.Direction]*transportSlot),
		producers:  make(map[string]core.Producer),
		consumers:  make(map[string]*consumerSlot),
		announced:  make(map[string]struct{}),
		peers:      make(map[domain.PeerID]bool),
		done:       make(chan struct{}),
	}
	s.state = newSessionFSM(&s.logger)
	return s
}

func (s *Session) ID() domain.PeerID   { return s.peer.ID }
func (s *Session) Room() domain.RoomID { return s.peer.Room }
func (s *Session) Peer() *domain.Peer  { return s.peer }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnClosed registers a hook run at the end of Close.
func (s *Session) OnClosed(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Current()
}

// Open joins the room, announces the peer and replays the room's producers
// to the client.
func (s *Session) Open(ctx context.Context) {
	s.routers.Join(s.peer.Room)
	SessionsActive.Inc()
	s.publish(ctx, core.TopicPeerJoined, core.RoomEvent{Room: s.peer.Room, Peer: s.peer.ID})

	for _, p := range s.routers.Producers(s.peer.Room) {
		s.OnNewProducer(core.RoomEvent{Room: s.peer.Room, Peer: p.Owner, ProducerID: p.ID, Kind: p.Kind})
	}

	if s.cfg.IdleTimeout > 0 {
		s.mu.Lock()
		s.idle = time.AfterFunc(s.cfg.IdleTimeout, s.onIdle)
		s.mu.Unlock()
	}
	s.logger.Info().Msg("session opened")
}

func (s *Session) onIdle() {
	s.mu.Lock()
	expired := !s.everConnected && !s.closing
	s.mu.Unlock()
	if !expired {
		return
	}
	s.logger.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("session idle, closing")
	s.push(core.EventSessionTimeout, nil)
	s.Close()
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return core.ErrSessionClosed
	}
	return nil
}

// GetCapabilities returns the room router's RTP capabilities.
func (s *Session) GetCapabilities(ctx context.Context) (domain.RtpCapabilities, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.RtpCapabilities{}, err
	}
	router, err := s.routers.Router(ctx, s.peer.Room)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	s.mu.Lock()
	advance(s.state, evCapabilities)
	s.mu.Unlock()
	return router.RtpCapabilities(), nil
}

// CreateTransport creates the session's transport for direction.
func (s *Session) CreateTransport(ctx context.Context, direction domain.Direction) (domain.TransportParams, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.TransportParams{}, err
	}

	s.mu.Lock()
	if slot, ok := s.transports[direction]; ok && !slot.state.Is(TransportClosed) {
		s.mu.Unlock()
		return domain.TransportParams{}, fmt.Errorf("%w: %s", core.ErrDuplicateTransport, direction)
	}
	s.mu.Unlock()

	router, err := s.routers.Router(ctx, s.peer.Room)
	if err != nil {
		return domain.TransportParams{}, err
	}
	t, err := router.CreateTransport(ctx, core.TransportOptions{Direction: direction, PeerID: s.peer.ID})
	if err != nil {
		if !errors.Is(err, core.ErrTransportCreationFailed) {
			err = fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
		}
		return domain.TransportParams{}, err
	}

	slot := &transportSlot{t: t, state: newTransportFSM()}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = t.Close()
		return domain.TransportParams{}, core.ErrSessionClosed
	}
	s.transports[direction] = slot
	if direction == domain.DirectionSend {
		advance(s.state, evSendReady)
	} else {
		advance(s.state, evRecvReady)
	}
	s.mu.Unlock()

	t.OnDtlsStateChange(func(st domain.DtlsState) {
		if st == domain.DtlsStateFailed {
			s.mu.Lock()
			advance(slot.state, evTransportFail)
			s.mu.Unlock()
		}
	})
	t.OnClose(func() { s.onTransportClosed(direction, slot) })

	s.logger.Info().Str("transport", t.ID()).Str("direction", string(direction)).Msg("transport created")
	return t.Params(), nil
}

func (s *Session) onTransportClosed(direction domain.Direction, slot *transportSlot) {
	s.mu.Lock()
	advance(slot.state, evTransportClose)
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}
	s.logger.Info().Str("transport", slot.t.ID()).Str("direction", string(direction)).Msg("transport closed")
	s.push(core.EventTransportClosed, map[string]any{
		"transportId": slot.t.ID(),
		"direction":   direction,
	})
}

// ConnectTransport runs the DTLS handshake of the direction's transport.
func (s *Session) ConnectTransport(ctx context.Context, direction domain.Direction, params domain.ConnectParams) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	slot, ok := s.transports[direction]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: no %s transport", core.ErrUnknownTransport, direction)
	}
	if !slot.state.Can(evTransportConnect) {
		state := slot.state.Current()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s transport is %s", core.ErrInvalidTransportState, direction, state)
	}
	advance(slot.state, evTransportConnect)
	s.mu.Unlock()

	timeout := s.cfg.DtlsTimeout
	if timeout <= 0 {
		timeout = DefaultDtlsTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := slot.t.Connect(cctx, params)
	cancel()

	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.mu.Lock()
			advance(slot.state, evTransportReset)
			s.mu.Unlock()
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s transport after %s", core.ErrNegotiationTimeout, direction, timeout)
		}
		s.mu.Lock()
		advance(slot.state, evTransportFail)
		s.mu.Unlock()
		if cerr := slot.t.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Str("transport", slot.t.ID()).Msg("transport close error")
		}
		s.logger.Warn().Err(err).Str("transport", slot.t.ID()).Msg("transport connect failed")
		return err
	}

	s.mu.Lock()
	advance(slot.state, evTransportConnected)
	s.everConnected = true
	if s.idle != nil {
		s.idle.Stop()
	}
	s.mu.Unlock()
	s.logger.Info().Str("transport", slot.t.ID()).Str("direction", string(direction)).Msg("transport connected")
	return nil
}

func (s *Session) connectedTransport(direction domain.Direction) (*transportSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.transports[direction]
	if !ok {
		return nil, fmt.Errorf("%w: no %s transport", core.ErrUnknownTransport, direction)
	}
	if !slot.state.Is(TransportConnected) {
		return nil, fmt.Errorf("%w: %s transport is %s", core.ErrInvalidTransportState, direction, slot.state.Current())
	}
	return slot, nil
}

// Produce starts an inbound stream on the send transport and announces it.
func (s *Session) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (string, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	slot, err := s.connectedTransport(domain.DirectionSend)
	if err != nil {
		return "", err
	}
	p, err := slot.t.Produce(ctx, kind, rtp)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = p.Close()
		return "", core.ErrSessionClosed
	}
	s.producers[p.ID()] = p
	advance(s.state, evProduce)
	s.mu.Unlock()

	s.routers.AddProducer(s.peer.Room, ProducerEntry{
		ID:      p.ID(),
		Owner:   s.peer.ID,
		Kind:    kind,
		Created: time.Now(),
	})
	id := p.ID()
	p.OnClose(func() { s.releaseProducer(context.Background(), id) })

	s.logger.Info().Str("producer", id).Str("kind", string(kind)).Msg("producer created")
	s.publish(ctx, core.TopicNewProducer, core.RoomEvent{
		Room:       s.peer.Room,
		Peer:       s.peer.ID,
		ProducerID: id,
		Kind:       kind,
	})
	return id, nil
}

// releaseProducer forgets a closed producer and announces it once.
func (s *Session) releaseProducer(ctx context.Context, id string) {
	s.mu.Lock()
	_, ok := s.producers[id]
	delete(s.producers, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.routers.RemoveProducer(s.peer.Room, id)
	s.publish(ctx, core.TopicProducerClosed, core.RoomEvent{
		Room:       s.peer.Room,
		Peer:       s.peer.ID,
		ProducerID: id,
	})
}

// Consume creates a paused consumer on the receive transport. An empty
// producerID selects the newest producer in the room not owned by the
// session.
func (s *Session) Consume(ctx context.Context, caps domain.RtpCapabilities, producerID string) (domain.ConsumerParams, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return domain.ConsumerParams{}, err
	}
	slot, err := s.connectedTransport(domain.DirectionReceive)
	if err != nil {
		return domain.ConsumerParams{}, err
	}

	var entry ProducerEntry
	var ok bool
	if producerID == "" {
		entry, ok = s.routers.NewestProducer(s.peer.Room, s.peer.ID)
	} else {
		entry, ok = s.routers.Producer(s.peer.Room, producerID)
	}
	if !ok {
		return domain.ConsumerParams{}, fmt.Errorf("%w: %q", core.ErrUnknownProducer, producerID)
	}

	router, err := s.routers.Router(ctx, s.peer.Room)
	if err != nil {
		return domain.ConsumerParams{}, err
	}
	if !router.CanConsume(entry.ID, caps) {
		return domain.ConsumerParams{}, fmt.Errorf("%w: producer %s", core.ErrNegotiationFailed, entry.ID)
	}
	c, err := slot.t.Consume(ctx, entry.ID, caps)
	if err != nil {
		return domain.ConsumerParams{}, err
	}

	cs := &consumerSlot{c: c}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = c.Close()
		return domain.ConsumerParams{}, core.ErrSessionClosed
	}
	s.consumers[c.ID()] = cs
	s.consumerOrder = append(s.consumerOrder, c.ID())
	advance(s.state, evConsume)
	s.mu.Unlock()

	c.OnProducerClose(func() { s.consumerClosed(cs, true) })
	c.OnTransportClose(func() { s.consumerClosed(cs, false) })

	s.logger.Info().Str("consumer", c.ID()).Str("producer", entry.ID).Msg("consumer created")
	return domain.ConsumerParams{
		ID:            c.ID(),
		ProducerID:    entry.ID,
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}, nil
}

func (s *Session) consumerClosed(cs *consumerSlot, notify bool) {
	s.mu.Lock()
	if cs.closed {
		s.mu.Unlock()
		return
	}
	cs.closed = true
	closing := s.closing
	s.mu.Unlock()
	if notify && !closing {
		s.push(core.EventConsumerClosed, map[string]string{
			"consumerId": cs.c.ID(),
			"producerId": cs.c.ProducerID(),
		})
	}
}

// ResumeConsumer starts media flow of a paused consumer. An empty id
// selects the newest consumer.
func (s *Session) ResumeConsumer(ctx context.Context, consumerID string) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	if consumerID == "" && len(s.consumerOrder) > 0 {
		consumerID = s.consumerOrder[len(s.consumerOrder)-1]
	}
	cs, ok := s.consumers[consumerID]
	closed := ok && cs.closed
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", core.ErrUnknownConsumer, consumerID)
	}
	if closed || cs.c.Closed() {
		return fmt.Errorf("%w: %s", core.ErrConsumerClosed, consumerID)
	}
	if !cs.c.Paused() {
		return nil
	}
	return cs.c.Resume(ctx)
}

// OnPeerJoined tells the client about a new peer in its room.
func (s *Session) OnPeerJoined(ev core.RoomEvent) {
	if ev.Peer == s.peer.ID {
		return
	}
	s.mu.Lock()
	if present, ok := s.peers[ev.Peer]; ok && present {
		s.mu.Unlock()
		return
	}
	s.peers[ev.Peer] = true
	s.mu.Unlock()
	s.push(core.EventPeerJoined, map[string]domain.PeerID{"peerId": ev.Peer})
}

func (s *Session) OnPeerLeft(ev core.RoomEvent) {
	if ev.Peer == s.peer.ID {
		return
	}
	s.mu.Lock()
	if present, ok := s.peers[ev.Peer]; ok && !present {
		s.mu.Unlock()
		return
	}
	s.peers[ev.Peer] = false
	s.mu.Unlock()
	s.push(core.EventPeerLeft, map[string]domain.PeerID{"peerId": ev.Peer})
}

// OnNewProducer announces a producer of another peer once.
func (s *Session) OnNewProducer(ev core.RoomEvent) {
	if ev.Peer == s.peer.ID || ev.ProducerID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.announced[ev.ProducerID]; ok {
		s.mu.Unlock()
		return
	}
	s.announced[ev.ProducerID] = struct{}{}
	s.mu.Unlock()
	s.push(core.EventNewProducer, map[string]any{
		"producerId": ev.ProducerID,
		"peerId":     ev.Peer,
		"kind":       ev.Kind,
	})
}

// OnProducerClosed closes the local consumers bound to the producer.
func (s *Session) OnProducerClosed(ev core.RoomEvent) {
	if ev.ProducerID == "" {
		return
	}
	s.mu.Lock()
	_, announced := s.announced[ev.ProducerID]
	delete(s.announced, ev.ProducerID)
	var bound []*consumerSlot
	for _, cs := range s.consumers {
		if !cs.closed && cs.c.ProducerID() == ev.ProducerID {
			bound = append(bound, cs)
		}
	}
	s.mu.Unlock()

	for _, cs := range bound {
		if err := cs.c.Close(); err != nil {
			s.logger.Warn().Err(err).Str("consumer", cs.c.ID()).Msg("consumer close error")
		}
		s.consumerClosed(cs, true)
	}
	if announced && ev.Peer != s.peer.ID {
		s.push(core.EventProducerClosed, map[string]string{"producerId": ev.ProducerID})
	}
}

// FailRouter reports the loss of the room router to the client and closes
// the session.
func (s *Session) FailRouter() {
	s.push(core.EventRouterFailed, nil)
	s.Close()
}

// Close releases every engine resource of the session. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.idle != nil {
			s.idle.Stop()
		}
		consumers := make([]core.Consumer, 0, len(s.consumers))
		for _, cs := range s.consumers {
			cs.closed = true
			consumers = append(consumers, cs.c)
		}
		producers := make([]core.Producer, 0, len(s.producers))
		for _, p := range s.producers {
			producers = append(producers, p)
		}
		transports := make([]core.Transport, 0, len(s.transports))
		for _, slot := range s.transports {
			transports = append(transports, slot.t)
		}
		onClosed := s.onClosed
		s.mu.Unlock()

		ctx := context.Background()
		for _, c := range consumers {
			if err := c.Close(); err != nil {
				s.logger.Warn().Err(err).Str("consumer", c.ID()).Msg("consumer close error")
			}
		}
		for _, p := range producers {
			if err := p.Close(); err != nil {
				s.logger.Warn().Err(err).Str("producer", p.ID()).Msg("producer close error")
			}
			s.releaseProducer(ctx, p.ID())
		}
		for _, t := range transports {
			if err := t.Close(); err != nil {
				s.logger.Warn().Err(err).Str("transport", t.ID()).Msg("transport close error")
			}
		}

		s.mu.Lock()
		advance(s.state, evClose)
		s.mu.Unlock()

		s.publish(ctx, core.TopicPeerLeft, core.RoomEvent{Room: s.peer.Room, Peer: s.peer.ID})
		s.routers.Leave(s.peer.Room)
		SessionsActive.Dec()
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		if onClosed != nil {
			onClosed(s)
		}
		s.logger.Info().Int("producers", len(producers)).Int("consumers", len(consumers)).Msg("session closed")
	})
}

// Snapshot is a read-only view of the session for inspection APIs.
func (s *Session) Snapshot() core.MemberDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	dto := core.MemberDTO{
		ID:        s.peer.ID,
		State:     s.state.Current(),
		Producers: make([]string, 0, len(s.producers)),
		Consumers: make([]string, 0, len(s.consumers)),
	}
	for id := range s.producers {
		dto.Producers = append(dto.Producers, id)
	}
	for _, id := range s.consumerOrder {
		if cs := s.consumers[id]; !cs.closed {
			dto.Consumers = append(dto.Consumers, id)
		}
	}
	return dto
}

func (s *Session) publish(ctx context.Context, topic string, ev core.RoomEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("encode bus event")
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		BusPublishFailures.WithLabelValues(topic).Inc()
		s.logger.Warn().Err(err).Str("topic", topic).Msg("bus publish failed, delivered locally only")
	}
}

// push sends an unsolicited event to the client.
func (s *Session) push(event string, data any) {
	if s.conn == nil {
		return
	}
	frame, err := core.EncodeEvent(event, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	err = s.conn.TrySend(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrSendQueueFull) {
		s.logger.Debug().Err(err).Str("event", event).Msg("event not sent")
		return
	}
	switch s.policy.OnBackPressure(s.peer.ID, event) {
	case KickMember:
		s.logger.Warn().Str("event", event).Msg("send queue full, kicking peer")
		go s.Close()
	default:
		s.logger.Warn().Str("event", event).Msg("send queue full, dropping event")
	}
}
