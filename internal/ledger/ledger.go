package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/hcsagent/internal/ids"
)

var (
	// ErrProposalNotFound is returned by Execute when nothing is pending
	// under the id, including ids that were already executed.
	ErrProposalNotFound = errors.New("ledger: proposal not found")

	// ErrAlreadyExecuted is returned by RecordProposal for an executed id.
	ErrAlreadyExecuted = errors.New("ledger: proposal already executed")

	// ErrInvalidWeights marks a weight vector rejected by ValidateWeights.
	ErrInvalidWeights = errors.New("ledger: invalid target weights")

	// ErrNoBalances is returned by Execute when the pre-balances are empty.
	ErrNoBalances = errors.New("ledger: no balances to rebalance")

	// ErrEmptyID is returned when a proposal id is blank.
	ErrEmptyID = errors.New("ledger: empty proposal id")

	// ErrPersist wraps a storage failure. The in-memory transition has
	// already happened when it is returned.
	ErrPersist = errors.New("ledger: persist")
)

// Proposal is the body of a rebalance proposal. The ledger interprets only
// NewWeights; the remaining fields are carried for observers.
type Proposal struct {
	NewWeights   map[string]float64 `json:"newWeights"`
	ExecuteAfter int64              `json:"executeAfter,omitempty"`
	Quorum       float64            `json:"quorum,omitempty"`
	Trigger      string             `json:"trigger,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// PendingProposal is a recorded proposal awaiting approval.
type PendingProposal struct {
	ID         string    `json:"id"`
	Payload    Proposal  `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// ExecutedProposal is the immutable record of an approved rebalance.
type ExecutedProposal struct {
	ID           string    `json:"id"`
	ProposalID   string    `json:"proposal_id"`
	ExecutedAt   time.Time `json:"executed_at"`
	PreBalances  Balances  `json:"pre_balances"`
	PostBalances Balances  `json:"post_balances"`
}

// Store persists ledger transitions. CommitExecution must remove the
// pending proposal and insert the executed record atomically.
type Store interface {
	SaveProposal(ctx context.Context, p PendingProposal) error
	CommitExecution(ctx context.Context, e ExecutedProposal) error
}

// Ledger holds pending and executed proposals.
//
// Thread-safety: mutations are expected from the single poll loop; readers
// on other goroutines receive deep copies.
type Ledger struct {
	mu         sync.RWMutex
	store      Store
	ids        ids.Generator
	now        func() time.Time
	pending    map[string]PendingProposal
	order      []string // pending ids in receipt order
	executed   []ExecutedProposal
	executedBy map[string]int // proposal id -> index into executed
}

// New creates a ledger seeded with persisted state. A nil store disables
// persistence.
func New(store Store, gen ids.Generator, now func() time.Time, pending []PendingProposal, executed []ExecutedProposal) *Ledger {
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		store:      store,
		ids:        gen,
		now:        now,
		pending:    make(map[string]PendingProposal, len(pending)),
		executedBy: make(map[string]int, len(executed)),
	}
	for _, e := range executed {
		if _, dup := l.executedBy[e.ProposalID]; dup {
			continue
		}
		l.executedBy[e.ProposalID] = len(l.executed)
		l.executed = append(l.executed, e)
	}
	for _, p := range pending {
		if _, dup := l.pending[p.ID]; dup {
			continue
		}
		if _, done := l.executedBy[p.ID]; done {
			continue
		}
		l.pending[p.ID] = p
		l.order = append(l.order, p.ID)
	}
	return l
}

// RecordProposal stores a pending proposal. Recording an id that is already
// pending returns the existing entry with created=false.
func (l *Ledger) RecordProposal(ctx context.Context, id string, p Proposal) (PendingProposal, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PendingProposal{}, false, ErrEmptyID
	}
	if err := ValidateWeights(p.NewWeights); err != nil {
		return PendingProposal{}, false, err
	}

	l.mu.Lock()
	if existing, ok := l.pending[id]; ok {
		l.mu.Unlock()
		return clonePending(existing), false, nil
	}
	if _, done := l.executedBy[id]; done {
		l.mu.Unlock()
		return PendingProposal{}, false, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id)
	}
	rec := PendingProposal{
		ID:         id,
		Payload:    cloneProposal(p),
		ReceivedAt: l.now().UTC(),
	}
	l.pending[id] = rec
	l.order = append(l.order, id)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveProposal(ctx, rec); err != nil {
			return clonePending(rec), true, fmt.Errorf("%w proposal %s: %w", ErrPersist, id, err)
		}
	}
	return clonePending(rec), true, nil
}

// Execute approves the pending proposal proposalID against preBalances.
//
// Returns ErrProposalNotFound when nothing is pending under that id, and
// ErrNoBalances when preBalances is empty (the proposal stays pending). An
// error wrapping ErrPersist accompanies a valid record.
func (l *Ledger) Execute(ctx context.Context, proposalID string, preBalances Balances) (ExecutedProposal, error) {
	proposalID = strings.TrimSpace(proposalID)

	l.mu.Lock()
	p, ok := l.pending[proposalID]
	if !ok {
		l.mu.Unlock()
		return ExecutedProposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if len(preBalances) == 0 {
		l.mu.Unlock()
		return ExecutedProposal{}, fmt.Errorf("%w: %s", ErrNoBalances, proposalID)
	}

	pre := preBalances.Clone()
	rec := ExecutedProposal{
		ID:           l.ids.Generate(),
		ProposalID:   proposalID,
		ExecutedAt:   l.now().UTC(),
		PreBalances:  pre,
		PostBalances: Allocate(pre, p.Payload.NewWeights),
	}
	delete(l.pending, proposalID)
	l.order = removeID(l.order, proposalID)
	l.executedBy[proposalID] = len(l.executed)
	l.executed = append(l.executed, rec)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.CommitExecution(ctx, rec); err != nil {
			return cloneExecuted(rec), fmt.Errorf("%w execution %s: %w", ErrPersist, rec.ID, err)
		}
	}
	return cloneExecuted(rec), nil
}

// Pending returns the pending proposal with the given id.
func (l *Ledger) Pending(id string) (PendingProposal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pending[id]
	if !ok {
		return PendingProposal{}, false
	}
	return clonePending(p), true
}

// LastExecuted returns the most recent execution.
func (l *Ledger) LastExecuted() (ExecutedProposal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.executed) == 0 {
		return ExecutedProposal{}, false
	}
	return cloneExecuted(l.executed[len(l.executed)-1]), true
}

// ListPending returns pending proposals in receipt order.
func (l *Ledger) ListPending() []PendingProposal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingProposal, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, clonePending(l.pending[id]))
	}
	return out
}

// ListExecuted returns executions in execution order.
func (l *Ledger) ListExecuted() []ExecutedProposal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ExecutedProposal, 0, len(l.executed))
	for _, e := range l.executed {
		out = append(out, cloneExecuted(e))
	}
	return out
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func cloneProposal(p Proposal) Proposal {
	out := p
	if p.NewWeights != nil {
		out.NewWeights = make(map[string]float64, len(p.NewWeights))
		for k, v := range p.NewWeights {
			out.NewWeights[k] = v
		}
	}
	return out
}

func clonePending(p PendingProposal) PendingProposal {
	p.Payload = cloneProposal(p.Payload)
	return p
}

func cloneExecuted(e ExecutedProposal) ExecutedProposal {
	e.PreBalances = e.PreBalances.Clone()
	e.PostBalances = e.PostBalances.Clone()
	return e
}
