package app

import (
	"sync"

	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry holds the sessions connected to this instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.PeerID]*Session)}
}

func (r *Registry) Bind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Str("room", string(s.Room())).Msg("bound session")
}

// Unbind removes s if it is still the session bound under its id.
func (r *Registry) Unbind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID()]; ok && cur == s {
		delete(r.sessions, s.ID())
		log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Msg("unbind session")
	}
}

func (r *Registry) Get(id domain.PeerID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Room() == room {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
