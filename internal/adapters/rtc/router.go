package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type router struct {
	id     string
	worker *worker

	mu         sync.RWMutex
	transports map[string]*transport
	producers  map[string]*producer
	closed     bool
	onClose    []func(error)
}

var _ core.Router = (*router)(nil)

func newRouter(w *worker) *router {
	return &router{
		id:         uuid.NewString(),
		worker:     w,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
	}
}

func (r *router) ID() string { return r.id }

func (r *router) RtpCapabilities() domain.RtpCapabilities { return r.worker.caps }

func (r *router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if r.Closed() {
		return nil, fmt.Errorf("%w: router closed", core.ErrTransportCreationFailed)
	}
	gatherer, err := r.worker.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: gather: %w", core.ErrTransportCreationFailed, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: gather: %w", core.ErrTransportCreationFailed, ctx.Err())
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
	}
	cands, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
	}
	iceTransport := r.worker.api.NewICETransport(gatherer)
	dtls, err := r.worker.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = dtls.Stop()
		_ = gatherer.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrTransportCreationFailed, err)
	}

	t := newTransport(r, opts, gatherer, iceTransport, dtls, domain.TransportParams{
		IceParameters:  toIceParameters(iceParams),
		IceCandidates:  toIceCandidates(cands),
		DtlsParameters: toDtlsParameters(dtlsParams),
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, fmt.Errorf("%w: router closed", core.ErrTransportCreationFailed)
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	t.logger.Debug().Int("candidates", len(cands)).Msg("transport created")
	return t, nil
}

func (r *router) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return sfu.CanConsume(p.kind, p.rtp, caps)
}

func (r *router) producer(id string) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	if !ok || p.Closed() {
		return nil, false
	}
	return p, true
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *router) Close() error {
	return r.closeWith(nil)
}

// closeWith closes every transport of the router. A non-nil reason is
// reported to OnClose listeners as an engine failure.
func (r *router) closeWith(reason error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	listeners := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.worker.removeRouter(r.id)
	for _, fn := range listeners {
		fn(reason)
	}
	return errors.Join(errs...)
}

func (r *router) OnClose(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}
