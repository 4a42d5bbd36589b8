package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChannelPrefix = "signal:"
	DefaultBackoffMin    = 500 * time.Millisecond
	DefaultBackoffMax    = 30 * time.Second
)

type RedisOptions struct {
	// InstanceID tags every envelope this process publishes.
	InstanceID    string
	ChannelPrefix string
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

type envelope struct {
	Origin  string `json:"origin"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// RedisBus shares events between instances through Redis pub/sub. Local
// subscribers are served by an embedded LocalBus, so a broker outage only
// loses cross-instance delivery.
type RedisBus struct {
	local  *LocalBus
	client *redis.Client
	pubsub *redis.PubSub
	opts   RedisOptions
	logger zerolog.Logger

	pubMu    sync.Mutex
	degraded atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.EventBus = (*RedisBus)(nil)

// NewRedisBus fails when the broker does not answer a ping or the pattern
// subscription is not confirmed.
func NewRedisBus(ctx context.Context, client *redis.Client, opts RedisOptions) (*RedisBus, error) {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultChannelPrefix
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = DefaultBackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffMin)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping: %w", core.ErrBrokerUnavailable, err)
	}
	pubsub := client.PSubscribe(ctx, opts.ChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: psubscribe: %w", core.ErrBrokerUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		local:  NewLocalBus(opts.InstanceID),
		client: client,
		pubsub: pubsub,
		opts:   opts,
		logger: log.With().Str("module", "bus").Str("instance", opts.InstanceID).Logger(),
		cancel: cancel,
	}
	b.wg.Add(2)
	go b.receive(pubsub.Channel())
	go b.monitor(runCtx)
	b.logger.Info().Str("pattern", opts.ChannelPrefix+"*").Msg("subscribed to broker")
	return b, nil
}

// Publish delivers to local subscribers first, then forwards to the broker.
// A broker failure is reported as core.ErrBrokerUnavailable after local
// delivery happened.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	_ = b.local.Publish(ctx, topic, payload)

	data, err := json.Marshal(envelope{Origin: b.opts.InstanceID, Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	b.pubMu.Lock()
	err = b.client.Publish(ctx, b.opts.ChannelPrefix+topic, data).Err()
	b.pubMu.Unlock()
	if err != nil {
		b.markDegraded(err)
		return fmt.Errorf("%w: %w", core.ErrBrokerUnavailable, err)
	}
	b.markHealthy()
	return nil
}

func (b *RedisBus) Subscribe(topic string, h core.Handler) func() {
	return b.local.Subscribe(topic, h)
}

func (b *RedisBus) Degraded() bool { return b.degraded.Load() }

func (b *RedisBus) receive(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("bad envelope")
			continue
		}
		if env.Origin == b.opts.InstanceID {
			continue
		}
		topic := env.Topic
		if topic == "" {
			topic = strings.TrimPrefix(msg.Channel, b.opts.ChannelPrefix)
		}
		b.local.Deliver(core.Event{Topic: topic, Payload: env.Payload, Origin: env.Origin})
	}
}

// monitor pings the broker and backs off while it is unreachable.
func (b *RedisBus) monitor(ctx context.Context) {
	defer b.wg.Done()
	delay := b.opts.BackoffMin
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		pctx, cancel := context.WithTimeout(ctx, b.opts.BackoffMax)
		err := b.client.Ping(pctx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.markDegraded(err)
			delay = nextBackoff(delay, b.opts.BackoffMax)
			b.logger.Warn().Err(err).Dur("retry_in", delay).Msg("broker ping failed")
		} else {
			b.markHealthy()
			delay = b.opts.BackoffMin
		}
		timer.Reset(delay)
	}
}

func (b *RedisBus) markDegraded(err error) {
	if b.degraded.CompareAndSwap(false, true) {
		b.logger.Error().Err(err).Msg("BROKER LOST: cross-instance events are not delivered, serving local peers only")
	}
}

func (b *RedisBus) markHealthy() {
	if b.degraded.CompareAndSwap(true, false) {
		b.logger.Warn().Msg("broker recovered, cross-instance delivery resumed")
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	_ = b.local.Close()
	return err
}
