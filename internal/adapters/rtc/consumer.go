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

type closeCause int

const (
	closedByCaller closeCause = iota
	closedByProducer
	closedByTransport
)

type consumer struct {
	id        string
	producer  *producer
	transport *transport
	rtp       domain.RtpParameters
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack

	mu               sync.Mutex
	paused           bool
	closed           bool
	cause            closeCause
	onProducerClose  []func()
	onTransportClose []func()
}

var _ core.Consumer = (*consumer)(nil)

func newConsumer(ctx context.Context, t *transport, p *producer, caps domain.RtpCapabilities, mid string) (*consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	codec, _ := p.rtp.MediaCodec()
	routerCodec, ok := sfu.MatchCodec(p.kind, codec, t.router.RtpCapabilities())
	if !ok {
		return nil, core.ErrNegotiationFailed
	}

	track, err := webrtc.NewTrackLocalStaticRTP(trackCapability(domain.RtpCodecParameters{
		MimeType:     routerCodec.MimeType,
		ClockRate:    routerCodec.ClockRate,
		Channels:     routerCodec.Channels,
		Parameters:   routerCodec.Parameters,
		RtcpFeedback: routerCodec.RtcpFeedback,
	}), id, p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	rtp, err := sfu.ConsumerRtpParameters(p.kind, p.rtp, t.router.RtpCapabilities(), caps, sfu.ConsumerLayout{
		Mid:   mid,
		Ssrc:  ssrc,
		Cname: p.rtp.Rtcp.Cname,
	})
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	c := &consumer{
		id:        id,
		producer:  p,
		transport: t,
		rtp:       rtp,
		sender:    sender,
		paused:    true,
	}
	out, ok := t.router.worker.relays.AddSubscriber(p.id, id, track)
	if !ok || !p.addConsumer(c) {
		t.router.worker.relays.CloseSubscriber(p.id, id)
		_ = sender.Stop()
		return nil, core.ErrUnknownProducer
	}
	c.out = out

	// RTCP from the consuming client feeds the interceptors.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	t.logger.Info().Str("consumer", id).Str("producer", p.id).Uint32("ssrc", ssrc).Msg("consumer created")
	return c, nil
}

func (c *consumer) ID() string                          { return c.id }
func (c *consumer) ProducerID() string                  { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *consumer) RtpParameters() domain.RtpParameters { return c.rtp }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConsumerClosed
	}
	if !c.paused {
		return nil
	}
	c.paused = false
	c.out.Resume()
	return nil
}

func (c *consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) Close() error {
	return c.closeFor(closedByCaller)
}

func (c *consumer) closeFor(cause closeCause) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cause = cause
	var listeners []func()
	switch cause {
	case closedByProducer:
		listeners = c.onProducerClose
	case closedByTransport:
		listeners = c.onTransportClose
	}
	c.onProducerClose, c.onTransportClose = nil, nil
	c.mu.Unlock()

	if c.out != nil {
		c.out.Close()
	}
	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	err := c.sender.Stop()
	for _, fn := range listeners {
		fn()
	}
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (c *consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		fire := c.cause == closedByProducer
		c.mu.Unlock()
		if fire {
			go fn()
		}
		return
	}
	c.onProducerClose = append(c.onProducerClose, fn)
	c.mu.Unlock()
}

func (c *consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		fire := c.cause == closedByTransport
		c.mu.Unlock()
		if fire {
			go fn()
		}
		return
	}
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}
