package core

import "github.com/dkeye/Signal/internal/domain"

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID        domain.PeerID `json:"id"`
	State     string        `json:"state"`
	Producers []string      `json:"producers"`
	Consumers []string      `json:"consumers"`
}

type RoomInfo struct {
	Name        domain.RoomID `json:"name"`
	MemberCount int           `json:"member_count"`
	RouterID    string        `json:"router_id,omitempty"`
	Producers   int           `json:"producers"`
}
