package stack

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/backkem/bthost/pkg/hci"
	"gopkg.in/yaml.v3"
)

// FileStorage keeps peers in a YAML file. The file is read once when the
// storage is opened and rewritten on every change.
//
// All methods are safe for concurrent use.
type FileStorage struct {
	path string

	mu  sync.Mutex
	mem *MemoryStorage
}

// peerFile is the on-disk layout.
type peerFile struct {
	Peers []Peer `yaml:"peers"`
}

// OpenFileStorage loads path, which may not exist yet.
func OpenFileStorage(path string) (*FileStorage, error) {
	f := &FileStorage{path: path, mem: NewMemoryStorage()}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}

	var pf peerFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("stack: parse %s: %w", path, err)
	}
	for _, p := range pf.Peers {
		if p.Addr.IsZero() {
			continue
		}
		f.mem.SavePeer(p)
	}
	return f, nil
}

// Path returns the file backing the storage.
func (f *FileStorage) Path() string {
	return f.path
}

// LoadPeers returns all stored peers in insertion order.
func (f *FileStorage) LoadPeers() ([]Peer, error) {
	return f.mem.LoadPeers()
}

// LoadPeer returns the peer stored for addr.
func (f *FileStorage) LoadPeer(addr hci.Addr) (Peer, error) {
	return f.mem.LoadPeer(addr)
}

// SavePeer stores or updates a peer and rewrites the file.
func (f *FileStorage) SavePeer(p Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mem.SavePeer(p)
	return f.flush()
}

// DeletePeer removes a peer and rewrites the file.
func (f *FileStorage) DeletePeer(addr hci.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mem.DeletePeer(addr)
	return f.flush()
}

// flush writes a temporary file and renames it over the old one.
func (f *FileStorage) flush() error {
	peers, _ := f.mem.LoadPeers()
	data, err := yaml.Marshal(peerFile{Peers: peers})
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Verify FileStorage implements Storage.
var _ Storage = (*FileStorage)(nil)
