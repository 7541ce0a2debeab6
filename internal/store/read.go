package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/state"
)

// Load reads the full persisted state. Slices are empty (not nil) when no
// rows exist.
func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	conns, err := s.readConnections(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	pending, err := s.readPending(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	executed, err := s.readExecuted(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	cursors, err := s.readCursors(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	return state.Snapshot{
		Connections: conns,
		Pending:     pending,
		Executed:    executed,
		Cursors:     cursors,
	}, nil
}

func (s *Store) readConnections(ctx context.Context) ([]registry.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_topic_id, peer_account_id, created_at
		FROM connections
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	conns := []registry.Connection{}
	for rows.Next() {
		var c registry.Connection
		var created string
		if err := rows.Scan(&c.ID, &c.PeerTopicID, &c.PeerAccountID, &created); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("connection %s: %w", c.ID, err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return conns, nil
}

func (s *Store) readPending(ctx context.Context) ([]ledger.PendingProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, received_at
		FROM pending_proposals
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending proposals: %w", err)
	}
	defer rows.Close()

	pending := []ledger.PendingProposal{}
	for rows.Next() {
		var p ledger.PendingProposal
		var payload, received string
		if err := rows.Scan(&p.ID, &payload, &received); err != nil {
			return nil, fmt.Errorf("scan pending proposal: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			return nil, fmt.Errorf("proposal %s: decode payload: %w", p.ID, err)
		}
		if p.ReceivedAt, err = parseTime(received); err != nil {
			return nil, fmt.Errorf("proposal %s: %w", p.ID, err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending proposals: %w", err)
	}
	return pending, nil
}

func (s *Store) readExecuted(ctx context.Context) ([]ledger.ExecutedProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, executed_at, pre_balances, post_balances
		FROM executed_proposals
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query executed proposals: %w", err)
	}
	defer rows.Close()

	executed := []ledger.ExecutedProposal{}
	for rows.Next() {
		var e ledger.ExecutedProposal
		var at, pre, post string
		if err := rows.Scan(&e.ID, &e.ProposalID, &at, &pre, &post); err != nil {
			return nil, fmt.Errorf("scan executed proposal: %w", err)
		}
		if e.ExecutedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(pre), &e.PreBalances); err != nil {
			return nil, fmt.Errorf("execution %s: decode pre balances: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(post), &e.PostBalances); err != nil {
			return nil, fmt.Errorf("execution %s: decode post balances: %w", e.ID, err)
		}
		executed = append(executed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executed proposals: %w", err)
	}
	return executed, nil
}

func (s *Store) readCursors(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic_id, seq FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	cursors := map[string]int64{}
	for rows.Next() {
		var topic string
		var seq int64
		if err := rows.Scan(&topic, &seq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		cursors[topic] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
