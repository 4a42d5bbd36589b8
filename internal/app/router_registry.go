package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
)

// ProducerEntry indexes a producer hosted on this instance.
type ProducerEntry struct {
	ID      string           `json:"id"`
	Owner   domain.PeerID    `json:"owner"`
	Kind    domain.MediaKind `json:"kind"`
	Created time.Time        `json:"created"`
}

type roomEntry struct {
	// createMu serializes router creation and teardown for the room.
	createMu sync.Mutex
	// routerMu guards router and is never held across engine calls.
	routerMu sync.RWMutex
	router   core.Router

	members   int
	producers map[string]ProducerEntry
}

func (e *roomEntry) current() core.Router {
	e.routerMu.RLock()
	defer e.routerMu.RUnlock()
	return e.router
}

func (e *roomEntry) setRouter(router core.Router) {
	e.routerMu.Lock()
	defer e.routerMu.Unlock()
	e.router = router
}

// RouterRegistry maps rooms to routers, reference counted by membership.
type RouterRegistry struct {
	engine core.MediaEngine
	codecs []domain.RtpCodecCapability

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry

	failMu         sync.RWMutex
	onRouterFailed func(room domain.RoomID, err error)
}

func NewRouterRegistry(engine core.MediaEngine, codecs []domain.RtpCodecCapability) *RouterRegistry {
	return &RouterRegistry{
		engine: engine,
		codecs: codecs,
		rooms:  make(map[domain.RoomID]*roomEntry),
	}
}

// OnRouterFailed registers the handler for routers closed by the engine.
func (r *RouterRegistry) OnRouterFailed(fn func(room domain.RoomID, err error)) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	r.onRouterFailed = fn
}

func (r *RouterRegistry) entry(room domain.RoomID) (*roomEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[room]
	return e, ok
}

// Join adds one member to room.
func (r *RouterRegistry) Join(room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[room]
	if !ok {
		e = &roomEntry{producers: make(map[string]ProducerEntry)}
		r.rooms[room] = e
	}
	e.members++
}

// Leave removes one member from room. The last member closes the router.
func (r *RouterRegistry) Leave(room domain.RoomID) {
	r.mu.Lock()
	e, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.members--
	if e.members > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, room)
	r.mu.Unlock()

	e.createMu.Lock()
	router := e.current()
	e.setRouter(nil)
	e.createMu.Unlock()
	if router == nil {
		return
	}
	if err := router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.routers").Str("room", string(room)).Msg("router close error")
	}
	log.Info().Str("module", "app.routers").Str("room", string(room)).Str("router", router.ID()).Msg("room emptied, router closed")
}

// Router returns the room's router, creating it on first use. Concurrent
// callers for the same room share one engine call.
func (r *RouterRegistry) Router(ctx context.Context, room domain.RoomID) (core.Router, error) {
	e, ok := r.entry(room)
	if !ok {
		return nil, fmt.Errorf("%w: not a member of room %s", core.ErrSessionClosed, room)
	}
	e.createMu.Lock()
	defer e.createMu.Unlock()
	if cur := e.current(); cur != nil && !cur.Closed() {
		return cur, nil
	}

	router, err := r.engine.CreateRouter(ctx, r.codecs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEngineUnavailable, err)
	}
	RoutersActive.Inc()
	router.OnClose(func(err error) {
		RoutersActive.Dec()
		if err != nil {
			r.routerFailed(room, router, err)
		}
	})

	if cur, ok := r.entry(room); !ok || cur != e {
		_ = router.Close()
		return nil, fmt.Errorf("%w: room %s emptied", core.ErrSessionClosed, room)
	}
	e.setRouter(router)
	log.Info().Str("module", "app.routers").Str("room", string(room)).Str("router", router.ID()).Msg("router created")
	return router, nil
}

func (r *RouterRegistry) routerFailed(room domain.RoomID, router core.Router, err error) {
	log.Error().Err(err).Str("module", "app.routers").Str("room", string(room)).Str("router", router.ID()).Msg("router failed")
	if e, ok := r.entry(room); ok {
		e.routerMu.Lock()
		if e.router == router {
			e.router = nil
		}
		e.routerMu.Unlock()

		r.mu.Lock()
		clear(e.producers)
		r.mu.Unlock()
	}
	r.failMu.RLock()
	fn := r.onRouterFailed
	r.failMu.RUnlock()
	if fn != nil {
		fn(room, err)
	}
}

func (r *RouterRegistry) AddProducer(room domain.RoomID, p ProducerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[room]; ok {
		e.producers[p.ID] = p
	}
}

func (r *RouterRegistry) RemoveProducer(room domain.RoomID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[room]; ok {
		delete(e.producers, id)
	}
}

func (r *RouterRegistry) Producer(room domain.RoomID, id string) (ProducerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[room]
	if !ok {
		return ProducerEntry{}, false
	}
	p, ok := e.producers[id]
	return p, ok
}

// Producers lists the room's producers, oldest first.
func (r *RouterRegistry) Producers(room domain.RoomID) []ProducerEntry {
	r.mu.RLock()
	e, ok := r.rooms[room]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := make([]ProducerEntry, 0, len(e.producers))
	for _, p := range e.producers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ProducerEntry) int { return a.Created.Compare(b.Created) })
	return out
}

// NewestProducer returns the most recent producer not owned by exclude.
func (r *RouterRegistry) NewestProducer(room domain.RoomID, exclude domain.PeerID) (ProducerEntry, bool) {
	ps := r.Producers(room)
	for i := len(ps) - 1; i >= 0; i-- {
		if ps[i].Owner != exclude {
			return ps[i], true
		}
	}
	return ProducerEntry{}, false
}

func (r *RouterRegistry) List() []core.RoomInfo {
	r.mu.RLock()
	entries := make(map[domain.RoomID]*roomEntry, len(r.rooms))
	counts := make(map[domain.RoomID][2]int, len(r.rooms))
	for name, e := range r.rooms {
		entries[name] = e
		counts[name] = [2]int{e.members, len(e.producers)}
	}
	r.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(entries))
	for name, e := range entries {
		info := core.RoomInfo{Name: name, MemberCount: counts[name][0], Producers: counts[name][1]}
		if router := e.current(); router != nil {
			info.RouterID = router.ID()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}
