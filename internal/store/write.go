package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

const timeLayout = time.RFC3339Nano

// SaveConnection inserts a connection.
// Uses ON CONFLICT DO NOTHING - a second connection for the same peer topic
// is silently ignored.
func (s *Store) SaveConnection(ctx context.Context, conn registry.Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (id, peer_topic_id, peer_account_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		conn.ID,
		conn.PeerTopicID,
		conn.PeerAccountID,
		conn.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

// SaveProposal inserts a pending proposal. Duplicate ids are ignored.
func (s *Store) SaveProposal(ctx context.Context, p ledger.PendingProposal) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_proposals (id, payload, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		p.ID,
		string(payload),
		p.ReceivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

// CommitExecution moves a proposal from pending to executed in a single
// transaction. A second execution for the same proposal is ignored.
func (s *Store) CommitExecution(ctx context.Context, e ledger.ExecutedProposal) error {
	pre, err := json.Marshal(e.PreBalances)
	if err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	post, err := json.Marshal(e.PostBalances)
	if err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executed_proposals (id, proposal_id, executed_at, pre_balances, post_balances)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.ID,
		e.ProposalID,
		e.ExecutedAt.UTC().Format(timeLayout),
		string(pre),
		string(post),
	)
	if err != nil {
		return fmt.Errorf("commit execution: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_proposals WHERE id = ?`, e.ProposalID); err != nil {
		return fmt.Errorf("commit execution: delete pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveCursor records the last processed sequence number for a topic.
// The stored value never moves backwards.
func (s *Store) SaveCursor(ctx context.Context, topicID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (topic_id, seq)
		VALUES (?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET seq = MAX(seq, excluded.seq)
	`, topicID, seq)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
