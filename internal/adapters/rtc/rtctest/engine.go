// Package rtctest provides an in-memory media engine with the same lifecycle
// semantics as the pion engine and no network I/O.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/google/uuid"
)

// Engine is a fake core.MediaEngine.
type Engine struct {
	// HangConnect makes Connect block until its context is done.
	HangConnect atomic.Bool
	// FailTransports makes CreateTransport fail.
	FailTransports atomic.Bool

	routersCreated atomic.Int64

	mu      sync.Mutex
	alive   int
	routers map[string]*Router
	closed  bool
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{alive: 1, routers: make(map[string]*Router)}
}

// RoutersCreated counts successful CreateRouter calls.
func (e *Engine) RoutersCreated() int { return int(e.routersCreated.Load()) }

func (e *Engine) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		codecs = sfu.DefaultCodecs()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.alive == 0 {
		return nil, core.ErrEngineUnavailable
	}
	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       sfu.RouterCapabilities(codecs),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	e.routers[r.id] = r
	e.routersCreated.Add(1)
	return r, nil
}

func (e *Engine) AliveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

// KillWorker simulates the death of the only worker: every router closes
// with core.ErrEngineFatal.
func (e *Engine) KillWorker() {
	e.mu.Lock()
	e.alive = 0
	routers := e.snapshot()
	e.mu.Unlock()
	for _, r := range routers {
		r.closeWith(fmt.Errorf("%w: worker killed", core.ErrEngineFatal))
	}
}

// Revive brings a worker back.
func (e *Engine) Revive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive = 1
}

func (e *Engine) snapshot() []*Router {
	out := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		out = append(out, r)
	}
	return out
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	routers := e.snapshot()
	e.mu.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
}

// Router is a fake core.Router.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RtpCapabilities

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
	onClose    []func(error)
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.engine.FailTransports.Load() {
		return nil, fmt.Errorf("%w: injected", core.ErrTransportCreationFailed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: router closed", core.ErrTransportCreationFailed)
	}
	id := uuid.NewString()
	t := &Transport{
		id:        id,
		router:    r,
		direction: opts.Direction,
		state:     domain.DtlsStateNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		params: domain.TransportParams{
			ID: id,
			IceParameters: domain.IceParameters{
				UsernameFragment: "ufrag-" + id[:8],
				Password:         "pwd-" + id,
				IceLite:          true,
			},
			IceCandidates: []domain.IceCandidate{{
				Foundation: "1", Priority: 2130706431, Ip: "127.0.0.1",
				Protocol: "udp", Port: 40000, Type: "host",
			}},
			DtlsParameters: domain.DtlsParameters{
				Role:         domain.DtlsRoleAuto,
				Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11:22"}},
			},
		},
	}
	r.transports[id] = t
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return sfu.CanConsume(p.kind, p.rtp, caps)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Close() error { return r.closeWith(nil) }

func (r *Router) closeWith(reason error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	listeners := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.engine.mu.Lock()
	delete(r.engine.routers, r.id)
	r.engine.mu.Unlock()
	for _, fn := range listeners {
		fn(reason)
	}
	return nil
}

func (r *Router) OnClose(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Transport is a fake core.Transport.
type Transport struct {
	id        string
	router    *Router
	direction domain.Direction
	params    domain.TransportParams

	mu        sync.Mutex
	state     domain.DtlsState
	closed    bool
	nextMid   int
	producers map[string]*Producer
	consumers map[string]*Consumer
	onState   []func(domain.DtlsState)
	onClose   []func()
}

func (t *Transport) ID() string                     { return t.id }
func (t *Transport) Params() domain.TransportParams { return t.params }

func (t *Transport) DtlsState() domain.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetDtlsState simulates an engine originated DTLS transition. failed and
// closed close the transport.
func (t *Transport) SetDtlsState(s domain.DtlsState) {
	t.mu.Lock()
	if t.closed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	listeners := slices.Clone(t.onState)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	if s == domain.DtlsStateFailed || s == domain.DtlsStateClosed {
		_ = t.Close()
	}
}

func (t *Transport) Connect(ctx context.Context, p domain.ConnectParams) error {
	if p.IceParameters == nil {
		return fmt.Errorf("%w: iceParameters are required", core.ErrValidation)
	}
	t.mu.Lock()
	if t.closed || t.state != domain.DtlsStateNew {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is %s", core.ErrInvalidTransportState, state)
	}
	t.mu.Unlock()

	t.SetDtlsState(domain.DtlsStateConnecting)
	if t.router.engine.HangConnect.Load() {
		<-ctx.Done()
		t.SetDtlsState(domain.DtlsStateFailed)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.ErrNegotiationTimeout
		}
		return ctx.Err()
	}
	t.SetDtlsState(domain.DtlsStateConnected)
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (core.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.direction != domain.DirectionSend {
		return nil, fmt.Errorf("%w: produce on a receive transport", core.ErrInvalidTransportState)
	}
	if st := t.DtlsState(); st != domain.DtlsStateConnected {
		return nil, fmt.Errorf("%w: transport is %s", core.ErrInvalidTransportState, st)
	}
	if _, err := sfu.CheckProducible(kind, rtp, t.router.caps); err != nil {
		return nil, err
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		rtp:       rtp,
		transport: t,
		consumers: make(map[string]*Consumer),
	}
	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
	t.mu.Lock()
	mid := t.nextMid
	t.nextMid++
	t.mu.Unlock()

	rtp, err := sfu.ConsumerRtpParameters(p.kind, p.rtp, t.router.caps, caps, sfu.ConsumerLayout{
		Mid:   strconv.Itoa(mid),
		Ssrc:  uint32(1000 + mid),
		Cname: p.rtp.Rtcp.Cname,
	})
	if err != nil {
		return nil, err
	}
	c := &Consumer{id: uuid.NewString(), producer: p, transport: t, rtp: rtp, paused: true}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrUnknownProducer
	}
	p.consumers[c.id] = c
	p.mu.Unlock()

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.DtlsStateClosed
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	listeners := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.closeFor(func(c *Consumer) []func() { return c.onTransportClose })
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

func (t *Transport) OnDtlsStateChange(fn func(domain.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Producer is a fake core.Producer.
type Producer struct {
	id        string
	kind      domain.MediaKind
	rtp       domain.RtpParameters
	transport *Transport

	mu        sync.Mutex
	closed    bool
	consumers map[string]*Consumer
	onClose   []func()
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.rtp }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	listeners := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()

	for _, c := range consumers {
		c.closeFor(func(c *Consumer) []func() { return c.onProducerClose })
	}
	for _, fn := range listeners {
		fn()
	}
	return nil
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

// Consumer is a fake core.Consumer.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	rtp       domain.RtpParameters

	mu               sync.Mutex
	paused           bool
	closed           bool
	onProducerClose  []func()
	onTransportClose []func()
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.rtp }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConsumerClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() error {
	c.closeFor(func(*Consumer) []func() { return nil })
	return nil
}

func (c *Consumer) closeFor(pick func(*Consumer) []func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners := pick(c)
	c.onProducerClose, c.onTransportClose = nil, nil
	c.mu.Unlock()

	c.producer.mu.Lock()
	delete(c.producer.consumers, c.id)
	c.producer.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = append(c.onTransportClose, fn)
}
