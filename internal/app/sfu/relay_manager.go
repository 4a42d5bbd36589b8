package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns the relays of one worker, keyed by producer id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src RTPReader, hooks RelayHooks) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Warn().Msg("replacing existing relay for producer")
		old.closeAll()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	end := hooks.OnEnd
	hooks.OnEnd = func() {
		m.mu.Lock()
		if cur, ok := m.relays[producerID]; ok && cur == relay {
			delete(m.relays, producerID)
		}
		m.mu.Unlock()
		if end != nil {
			end()
		}
	}

	logger.Debug().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger, hooks)
	return relay
}

// AddSubscriber attaches an OutTrack for consumerID to the relay of
// producerID. The track starts paused.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, w RTPWriter) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(w)
	relay.AddOutTrack(consumerID, ot)
	return ot, true
}

// CloseSubscriber closes the OutTrack of consumerID.
func (m *RelayManager) CloseSubscriber(producerID, consumerID string) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.OutTrack(consumerID); ok {
		ot.Close()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.closeAll()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
