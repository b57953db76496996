package stack

import (
	"time"

	"github.com/backkem/bthost/pkg/hci"
)

// Storage abstracts persistent storage of known peers.
// Implementations can use files, databases, or in-memory storage.
//
// All methods must be safe for concurrent use.
type Storage interface {
	// LoadPeers returns every stored peer in the order it was first saved.
	LoadPeers() ([]Peer, error)

	// LoadPeer returns one peer, or ErrPeerNotFound.
	LoadPeer(addr hci.Addr) (Peer, error)

	// SavePeer stores or updates a peer.
	SavePeer(p Peer) error

	// DeletePeer removes a peer. Deleting an unknown peer is not an error.
	DeletePeer(addr hci.Addr) error
}

// Peer is a remote stack this stack was connected to.
type Peer struct {
	// Addr is the device address the peer announced.
	Addr hci.Addr `yaml:"addr"`

	// Name is the advertised device name, if it was discovered.
	Name string `yaml:"name,omitempty"`

	// Endpoint is the host:port the peer accepts links on. Empty for peers
	// that only connected to us.
	Endpoint string `yaml:"endpoint,omitempty"`

	// LastSeen is when the last link to the peer came up.
	LastSeen time.Time `yaml:"last_seen,omitempty"`

	// Connections counts the links established with the peer.
	Connections int `yaml:"connections"`
}
