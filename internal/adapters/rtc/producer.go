package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Signal/internal/app/sfu"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type producer struct {
	id        string
	kind      domain.MediaKind
	rtp       domain.RtpParameters
	transport *transport
	receiver  *webrtc.RTPReceiver

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	onClose   []func()
	closeOnce sync.Once
}

var _ core.Producer = (*producer)(nil)

func newProducer(
	ctx context.Context,
	t *transport,
	kind domain.MediaKind,
	rtp domain.RtpParameters,
	routerCodec domain.RtpCodecCapability,
) (*producer, error) {
	codec, _ := rtp.MediaCodec()
	var enc domain.RtpEncodingParameters
	if len(rtp.Encodings) > 0 {
		enc = rtp.Encodings[0]
	}
	if enc.Ssrc == 0 && enc.Rid == "" {
		return nil, fmt.Errorf("%w: encodings need an ssrc or rid", core.ErrValidation)
	}

	if err := t.router.worker.bindPayloadType(codec.PayloadType, routerCodec); err != nil {
		return nil, err
	}

	receiver, err := t.router.worker.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.Rid,
				SSRC:        webrtc.SSRC(enc.Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		rtp:       rtp,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*consumer),
	}
	w := t.router.worker
	w.relays.StartRelay(context.WithoutCancel(ctx), p.id, receiver.Track(), sfu.RelayHooks{
		OnEnd: p.finish,
		OnPanic: func(v any) {
			go w.die(fmt.Errorf("relay of producer %s panicked: %v", p.id, v))
		},
	})
	t.logger.Info().Str("producer", p.id).Str("kind", string(kind)).Uint32("ssrc", enc.Ssrc).
		Uint8("payload_type", codec.PayloadType).Uint8("router_payload_type", routerCodec.PreferredPayloadType).
		Msg("producer created")
	return p, nil
}

func (p *producer) ID() string                          { return p.id }
func (p *producer) Kind() domain.MediaKind              { return p.kind }
func (p *producer) RtpParameters() domain.RtpParameters { return p.rtp }

func (p *producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *producer) addConsumer(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *producer) Close() error {
	p.transport.router.worker.relays.StopRelay(p.id)
	err := p.receiver.Stop()
	p.finish()
	return err
}

// finish runs once however the producer ended: bound consumers are closed
// and listeners notified.
func (p *producer) finish() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		listeners := p.onClose
		p.onClose = nil
		p.mu.Unlock()

		p.transport.router.removeProducer(p.id)
		p.transport.removeProducer(p.id)
		for _, c := range consumers {
			c.closeFor(closedByProducer)
		}
		p.transport.logger.Info().Str("producer", p.id).Int("consumers", len(consumers)).Msg("producer closed")
		for _, fn := range listeners {
			fn()
		}
	})
}

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}
