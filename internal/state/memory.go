package state

import (
	"context"
	"sync"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

// Memory is a Store kept entirely in process memory. It is used by tests and
// scenario runs, and can be told to fail to exercise degraded storage.
type Memory struct {
	mu       sync.Mutex
	snap     Snapshot
	failWith error
	closed   bool
	writes   int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{snap: Snapshot{Cursors: map[string]int64{}}}
}

// FailWith makes every subsequent write return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Writes reports how many writes have been applied.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	return cloneSnapshot(m.snap), nil
}

func (m *Memory) SaveConnection(_ context.Context, conn registry.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	for _, c := range m.snap.Connections {
		if c.PeerTopicID == conn.PeerTopicID {
			return nil
		}
	}
	m.snap.Connections = append(m.snap.Connections, conn)
	m.writes++
	return nil
}

func (m *Memory) SaveProposal(_ context.Context, p ledger.PendingProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	for _, existing := range m.snap.Pending {
		if existing.ID == p.ID {
			return nil
		}
	}
	m.snap.Pending = append(m.snap.Pending, p)
	m.writes++
	return nil
}

func (m *Memory) CommitExecution(_ context.Context, e ledger.ExecutedProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	for _, existing := range m.snap.Executed {
		if existing.ProposalID == e.ProposalID {
			return nil
		}
	}
	kept := m.snap.Pending[:0]
	for _, p := range m.snap.Pending {
		if p.ID != e.ProposalID {
			kept = append(kept, p)
		}
	}
	m.snap.Pending = kept
	m.snap.Executed = append(m.snap.Executed, e)
	m.writes++
	return nil
}

func (m *Memory) SaveCursor(_ context.Context, topicID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	if seq > m.snap.Cursors[topicID] {
		m.snap.Cursors[topicID] = seq
	}
	m.writes++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) writable() error {
	if m.closed {
		return ErrClosed
	}
	return m.failWith
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Connections: append([]registry.Connection(nil), s.Connections...),
		Pending:     make([]ledger.PendingProposal, 0, len(s.Pending)),
		Executed:    make([]ledger.ExecutedProposal, 0, len(s.Executed)),
		Cursors:     make(map[string]int64, len(s.Cursors)),
	}
	for _, p := range s.Pending {
		w := make(map[string]float64, len(p.Payload.NewWeights))
		for k, v := range p.Payload.NewWeights {
			w[k] = v
		}
		p.Payload.NewWeights = w
		out.Pending = append(out.Pending, p)
	}
	for _, e := range s.Executed {
		e.PreBalances = e.PreBalances.Clone()
		e.PostBalances = e.PostBalances.Clone()
		out.Executed = append(out.Executed, e)
	}
	for k, v := range s.Cursors {
		out.Cursors[k] = v
	}
	return out
}
