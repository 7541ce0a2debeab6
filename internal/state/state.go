// Package state defines the durable snapshot of an agent and the contract
// persistence backends implement.
//
// A Store is loaded once at startup and then written incrementally by the
// poll loop. Writes are idempotent: saving a connection or proposal that is
// already present is a no-op, and committing an execution for a proposal
// that was already executed leaves the first record in place.
package state

import (
	"context"
	"errors"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state: store closed")

// Snapshot is everything an agent needs to resume after a restart.
type Snapshot struct {
	Connections []registry.Connection     `json:"connections"`
	Pending     []ledger.PendingProposal  `json:"pending"`
	Executed    []ledger.ExecutedProposal `json:"executed"`
	Cursors     map[string]int64          `json:"cursors"`
}

// Store is the persistence contract shared by the SQLite and bbolt
// backends. Load returns records in insertion order.
type Store interface {
	registry.Store
	ledger.Store

	Load(ctx context.Context) (Snapshot, error)
	SaveCursor(ctx context.Context, topicID string, seq int64) error
	Close() error
}
