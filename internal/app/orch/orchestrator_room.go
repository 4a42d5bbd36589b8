package orch

import (
	"context"
	"slices"

	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join creates and opens the session of a new connection.
func (o *Orchestrator) Join(ctx context.Context, peer *domain.Peer, conn core.SignalConnection) *app.Session {
	s := app.NewSession(peer, o.Routers, o.Bus, conn, o.Policy, o.Session)
	s.OnClosed(o.Registry.Unbind)
	o.Registry.Bind(s)
	s.Open(ctx)
	log.Info().Str("module", "orch").Str("sid", string(peer.ID)).Str("room", string(peer.Room)).Msg("added to room")
	return s
}

// OnDisconnect releases the session of a closed connection.
func (o *Orchestrator) OnDisconnect(id domain.PeerID) {
	if s, ok := o.Registry.Get(id); ok {
		s.Close()
	}
}

// Kick closes the session of peer if it is in room.
func (o *Orchestrator) Kick(room domain.RoomID, peer domain.PeerID) bool {
	s, ok := o.Registry.Get(peer)
	if !ok || s.Room() != room {
		return false
	}
	log.Info().Str("module", "orch").Str("sid", string(peer)).Str("room", string(room)).Msg("kicked")
	s.Close()
	return true
}

func (o *Orchestrator) Rooms() []core.RoomInfo {
	return o.Routers.List()
}

// Members lists the local members of room.
func (o *Orchestrator) Members(room domain.RoomID) []core.MemberDTO {
	sessions := o.Registry.MembersOfRoom(room)
	out := make([]core.MemberDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b core.MemberDTO) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
