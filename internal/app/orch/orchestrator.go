// Package orch wires sessions, routers and the event bus of one process.
package orch

import (
	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Routers  *app.RouterRegistry
	Engine   core.MediaEngine
	Bus      core.EventBus
	Policy   app.Policy
	Session  app.SessionConfig

	unsubscribe []func()
}

func New(
	engine core.MediaEngine,
	bus core.EventBus,
	codecs []domain.RtpCodecCapability,
	policy app.Policy,
	cfg app.SessionConfig,
) *Orchestrator {
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Routers:  app.NewRouterRegistry(engine, codecs),
		Engine:   engine,
		Bus:      bus,
		Policy:   policy,
		Session:  cfg,
	}
	o.Routers.OnRouterFailed(o.onRouterFailed)
	app.SetProbes(bus.Degraded, engine.AliveWorkers)
	return o
}

// Start subscribes to room events on the bus.
func (o *Orchestrator) Start() {
	o.unsubscribe = append(o.unsubscribe,
		o.Bus.Subscribe(core.TopicPeerJoined, o.fanout((*app.Session).OnPeerJoined)),
		o.Bus.Subscribe(core.TopicPeerLeft, o.fanout((*app.Session).OnPeerLeft)),
		o.Bus.Subscribe(core.TopicNewProducer, o.fanout((*app.Session).OnNewProducer)),
		o.Bus.Subscribe(core.TopicProducerClosed, o.fanout((*app.Session).OnProducerClosed)),
	)
	log.Info().Str("module", "orch").Msg("subscribed to room events")
}

// Shutdown closes every local session and drops the bus subscriptions.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.Registry.All() {
		s.Close()
	}
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.unsubscribe = nil
	log.Info().Str("module", "orch").Msg("orchestrator stopped")
}
