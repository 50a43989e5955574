// Package registry tracks which client identities currently have live
// sockets. Membership is purely in-memory: the registry is rebuilt from
// scratch on restart because all undelivered state lives in the outbox.
package registry

import (
	"sort"
	"sync"

	"github.com/kaikybrofc/omnizap-relay/internal/protocol"
)

// Peer is a live socket handle. The concrete type lives in the relay
// package; the registry only needs send, liveness and close.
type Peer interface {
	SendJSON(v any) error
	IsOpen() bool
	Close()
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Peer]struct{}
}

// socketIdentity normalizes a connection's identity. The wildcard is a
// dispatch target, never a socket identity, so it is coerced to the
// default like any other unusable value.
func socketIdentity(clientID string) string {
	canonical := protocol.NormalizeClientID(clientID, protocol.DefaultClientID)
	if canonical == protocol.WildcardTarget {
		canonical = protocol.DefaultClientID
	}
	return canonical
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]map[Peer]struct{}),
	}
}

// Register adds peer under the normalized form of clientID and returns
// the canonical identity. Multiple peers may share one identity, e.g. a
// reconnecting worker whose old socket has not timed out yet.
func (r *Registry) Register(clientID string, peer Peer) string {
	canonical := socketIdentity(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[canonical]
	if !ok {
		set = make(map[Peer]struct{})
		r.conns[canonical] = set
	}
	set[peer] = struct{}{}
	return canonical
}

// Unregister removes peer and drops the identity entry once its last
// socket is gone.
func (r *Registry) Unregister(clientID string, peer Peer) {
	canonical := socketIdentity(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[canonical]
	if !ok {
		return
	}
	delete(set, peer)
	if len(set) == 0 {
		delete(r.conns, canonical)
	}
}

// ResolveTargets expands a dispatch target: the wildcard becomes every
// currently known identity, anything else resolves to itself.
func (r *Registry) ResolveTargets(target string) []string {
	if target != protocol.WildcardTarget {
		return []string{target}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.conns))
	for clientID := range r.conns {
		targets = append(targets, clientID)
	}
	sort.Strings(targets)
	return targets
}

// PeersFor returns the live peers registered under clientID.
func (r *Registry) PeersFor(clientID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.conns[clientID]
	if !ok {
		return nil
	}
	peers := make([]Peer, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}
	return peers
}

// Snapshot returns connection counts per identity for the status
// endpoint.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.conns))
	for clientID, set := range r.conns {
		counts[clientID] = len(set)
	}
	return counts
}

// CloseAll force-closes every registered peer. Called on server shutdown;
// the read loops observe the close and unregister themselves.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	peers := make([]Peer, 0)
	for _, set := range r.conns {
		for peer := range set {
			peers = append(peers, peer)
		}
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		peer.Close()
	}
}
