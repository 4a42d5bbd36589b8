package orch

import (
	"encoding/json"

	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
)

// fanout decodes a room event and hands it to every local session of the
// room.
func (o *Orchestrator) fanout(deliver func(*app.Session, core.RoomEvent)) core.Handler {
	return func(ev core.Event) {
		var re core.RoomEvent
		if err := json.Unmarshal(ev.Payload, &re); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("topic", ev.Topic).Msg("bad room event")
			return
		}
		if re.Room == "" {
			return
		}
		for _, s := range o.Registry.MembersOfRoom(re.Room) {
			deliver(s, re)
		}
	}
}

// onRouterFailed closes the sessions of a room whose router died with its
// worker. Clients reconnect and get a router on a live worker.
func (o *Orchestrator) onRouterFailed(room domain.RoomID, err error) {
	sessions := o.Registry.MembersOfRoom(room)
	log.Error().Err(err).Str("module", "orch").Str("room", string(room)).Int("sessions", len(sessions)).Msg("router failed, closing room sessions")
	for _, s := range sessions {
		go s.FailRouter()
	}
}
