package app

import (
	"fmt"

	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a peer whose outbound queue is full.
type Policy interface {
	OnBackPressure(peer domain.PeerID, event string) BackpressureAction
}

// SimplePolicy kicks every peer that falls behind.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.PeerID, string) BackpressureAction {
	return KickMember
}

// LenientPolicy drops presence events a client can live without and kicks
// on anything that leaves its media state stale.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ domain.PeerID, event string) BackpressureAction {
	switch event {
	case core.EventPeerJoined, core.EventPeerLeft:
		return DropFrame
	}
	return KickMember
}

// PolicyByName maps the backpressure config value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "lenient":
		return LenientPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
