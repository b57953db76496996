package stack

import (
	"sync"

	"github.com/backkem/bthost/pkg/hci"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MemoryStorage is an in-memory Storage implementation.
// Useful for testing and development. Data is lost when the process exits.
//
// All methods are safe for concurrent use.
type MemoryStorage struct {
	mu    sync.RWMutex
	peers *orderedmap.OrderedMap[hci.Addr, Peer]
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		peers: orderedmap.New[hci.Addr, Peer](),
	}
}

// LoadPeers returns all stored peers in insertion order.
func (m *MemoryStorage) LoadPeers() ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Peer, 0, m.peers.Len())
	for pair := m.peers.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result, nil
}

// LoadPeer returns the peer stored for addr.
func (m *MemoryStorage) LoadPeer(addr hci.Addr) (Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers.Get(addr)
	if !ok {
		return Peer{}, ErrPeerNotFound
	}
	return p, nil
}

// SavePeer stores or updates a peer. An update keeps the original position.
func (m *MemoryStorage) SavePeer(p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers.Set(p.Addr, p)
	return nil
}

// DeletePeer removes a peer.
func (m *MemoryStorage) DeletePeer(addr hci.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers.Delete(addr)
	return nil
}

// Clear removes all stored data.
func (m *MemoryStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers = orderedmap.New[hci.Addr, Peer]()
}

// Verify MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)
