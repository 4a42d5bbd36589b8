package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	// TrackStatePaused is the initial state: consumers start paused.
	TrackStatePaused TrackState = iota
	TrackStateLive
	TrackStateClosed
)

// RTPWriter is the sink side of a consumer, satisfied by
// *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is the forwarding end of one consumer.
type OutTrack struct {
	Track     RTPWriter
	state     atomic.Int32
	forwarded atomic.Uint64
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// Resume starts forwarding. It does nothing on a closed track.
func (ot *OutTrack) Resume() {
	ot.state.CompareAndSwap(int32(TrackStatePaused), int32(TrackStateLive))
}

// Close is terminal; the relay drops the track on its next packet.
func (ot *OutTrack) Close() {
	ot.state.Store(int32(TrackStateClosed))
}

// Forwarded counts packets written to the track.
func (ot *OutTrack) Forwarded() uint64 { return ot.forwarded.Load() }

func (ot *OutTrack) write(pkt *rtp.Packet) error {
	if err := ot.Track.WriteRTP(pkt); err != nil {
		return err
	}
	ot.forwarded.Add(1)
	return nil
}
