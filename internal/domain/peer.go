// Package domain contains entity without logic, just meta-data
package domain

import (
	"github.com/google/uuid"
)

// PeerID identifies one signaling connection. It is reported to the client
// as socketId.
type PeerID string

func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Peer is the connection-scoped meta of a client.
type Peer struct {
	ID          PeerID `json:"id"`
	Room        RoomID `json:"room"`
	ClientToken string `json:"-"`
}

func NewPeer(room RoomID, clientToken string) *Peer {
	return &Peer{ID: NewPeerID(), Room: room, ClientToken: clientToken}
}
