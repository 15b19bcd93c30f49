// Package registry tracks the local peer identity, the room it has joined and
// the last peer list the relay reported for that room.
package registry

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Registry is safe for concurrent use. Only the session coordinator mutates
// it; readers receive copies.
type Registry struct {
	local string

	mu    sync.RWMutex
	room  string
	peers []string
}

// New returns a Registry for localID. An empty localID is replaced by a
// random UUIDv4.
func New(localID string) *Registry {
	if localID == "" {
		localID = uuid.NewString()
	}
	return &Registry{local: localID}
}

// LocalID returns this process's PeerId.
func (r *Registry) LocalID() string { return r.local }

// Room returns the joined room, or "" before a join.
func (r *Registry) Room() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.room
}

// SetRoom records the joined room and forgets the previous room's peers.
func (r *Registry) SetRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room != r.room {
		r.peers = nil
	}
	r.room = room
}

// SetPeers replaces the peer list. The local PeerId, empty ids and
// duplicates are removed; relay order is kept. It returns the stored list and
// whether it differs from the previous one.
func (r *Registry) SetPeers(peers []string) ([]string, bool) {
	out := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p == "" || p == r.local {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !slices.Equal(r.peers, out)
	r.peers = out
	return slices.Clone(out), changed
}

// Peers returns a copy of the last known peer list, excluding self.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.peers)
}
