package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the source side of a producer, satisfied by
// *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RelayHooks lets the owner of a relay observe how its loop ended.
type RelayHooks struct {
	// OnEnd fires once when the loop exits for any reason.
	OnEnd func()
	// OnPanic fires when forwarding panicked, before OnEnd.
	OnPanic func(v any)
}

// Relay forwards the packets of one producer to all of its consumers.
type Relay struct {
	Src RTPReader

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[string]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, hooks RelayHooks) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error().Interface("panic", v).Msg("relay forwarding panicked")
			r.closeAll()
			if hooks.OnPanic != nil {
				hooks.OnPanic(v)
			}
		}
		close(r.done)
		if hooks.OnEnd != nil {
			hooks.OnEnd()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, closing out tracks")
			r.closeAll()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.closeAll()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateClosed:
			dirty = append(dirty, consumerID)
		case TrackStatePaused:
		case TrackStateLive:
			if err := ot.write(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", consumerID).
					Msg("relay write RTP error, closing out track")
				ot.Close()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.dropClosed(dirty)
	}
}

func (r *Relay) dropClosed(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateClosed {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.Close()
	}
}

func (r *Relay) AddOutTrack(consumerID string, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}

func (r *Relay) OutTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

// Done is closed when the loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
