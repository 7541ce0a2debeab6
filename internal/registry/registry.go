// Package registry holds the durable set of established peer connections.
//
// Connections are keyed by the peer's topic id. Establishing a connection for
// a peer that already has one returns the existing record unchanged, so
// redelivered or retried connection requests never create duplicates.
// Connections are never mutated or removed once created.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/hcsagent/internal/ids"
	"github.com/roach88/hcsagent/internal/wire"
)

// ErrPersist wraps a storage failure while saving a connection. The
// connection is established in memory regardless.
var ErrPersist = errors.New("registry: persist connection")

// ErrEmptyPeer is returned when a connection has no peer topic id.
var ErrEmptyPeer = errors.New("registry: empty peer topic id")

// Connection is an established link to a peer topic.
type Connection struct {
	ID            string    `json:"id"`
	PeerTopicID   string    `json:"peer_topic_id"`
	PeerAccountID string    `json:"peer_account_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists newly established connections.
type Store interface {
	SaveConnection(ctx context.Context, conn Connection) error
}

// Registry is the in-memory index of connections, backed by a Store.
//
// Thread-safety: mutations are expected from the single poll loop; reads
// (FindByPeer, ListAll, Len) may come from any goroutine and return copies.
type Registry struct {
	mu     sync.RWMutex
	store  Store
	ids    ids.Generator
	now    func() time.Time
	byPeer map[string]int // peer topic id -> index into conns
	conns  []Connection   // insertion order
}

// New creates a registry seeded with previously persisted connections.
// A nil store disables persistence. Duplicate peers in existing keep the
// first occurrence.
func New(store Store, gen ids.Generator, now func() time.Time, existing []Connection) *Registry {
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		store:  store,
		ids:    gen,
		now:    now,
		byPeer: make(map[string]int, len(existing)),
		conns:  make([]Connection, 0, len(existing)),
	}
	for _, c := range existing {
		if _, dup := r.byPeer[c.PeerTopicID]; dup || c.PeerTopicID == "" {
			continue
		}
		r.byPeer[c.PeerTopicID] = len(r.conns)
		r.conns = append(r.conns, c)
	}
	return r
}

// FindByPeer returns the connection for peerTopicID, if any.
func (r *Registry) FindByPeer(peerTopicID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byPeer[peerTopicID]
	if !ok {
		return Connection{}, false
	}
	return r.conns[idx], true
}

// Establish returns the connection for peer, creating and persisting one if
// the peer is new. created reports whether a new connection was made.
//
// A non-nil error wraps ErrPersist: the connection is still returned and
// present in the registry, only its durable copy is missing.
func (r *Registry) Establish(ctx context.Context, peer wire.PeerLocator) (Connection, bool, error) {
	return r.insert(ctx, Connection{
		PeerTopicID:   peer.TopicID,
		PeerAccountID: peer.AccountID,
	})
}

// Adopt records a connection whose identity was assigned elsewhere (for
// example by an external connection manager). If the peer is already
// connected the existing record wins.
func (r *Registry) Adopt(ctx context.Context, conn Connection) (Connection, bool, error) {
	return r.insert(ctx, conn)
}

func (r *Registry) insert(ctx context.Context, conn Connection) (Connection, bool, error) {
	conn.PeerTopicID = strings.TrimSpace(conn.PeerTopicID)
	if conn.PeerTopicID == "" {
		return Connection{}, false, ErrEmptyPeer
	}

	r.mu.Lock()
	if idx, ok := r.byPeer[conn.PeerTopicID]; ok {
		existing := r.conns[idx]
		r.mu.Unlock()
		return existing, false, nil
	}
	if conn.ID == "" {
		conn.ID = r.ids.Generate()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = r.now().UTC()
	}
	r.byPeer[conn.PeerTopicID] = len(r.conns)
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveConnection(ctx, conn); err != nil {
			return conn, true, fmt.Errorf("%w %s: %w", ErrPersist, conn.ID, err)
		}
	}
	return conn, true, nil
}

// ListAll returns a copy of all connections in insertion order.
func (r *Registry) ListAll() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

// Len returns the number of established connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
