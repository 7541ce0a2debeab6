package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

var at = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveConnection(ctx, registry.Connection{ID: "c1", PeerTopicID: "0.0.1", CreatedAt: at}))
	require.NoError(t, m.SaveConnection(ctx, registry.Connection{ID: "c2", PeerTopicID: "0.0.1", CreatedAt: at}))
	require.NoError(t, m.SaveProposal(ctx, ledger.PendingProposal{ID: "P1", ReceivedAt: at}))
	require.NoError(t, m.SaveProposal(ctx, ledger.PendingProposal{ID: "P2", ReceivedAt: at}))
	require.NoError(t, m.CommitExecution(ctx, ledger.ExecutedProposal{ID: "e1", ProposalID: "P1", ExecutedAt: at}))
	require.NoError(t, m.SaveCursor(ctx, "0.0.9", 4))
	require.NoError(t, m.SaveCursor(ctx, "0.0.9", 2))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "c1", snap.Connections[0].ID)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "P2", snap.Pending[0].ID)
	require.Len(t, snap.Executed, 1)
	assert.Equal(t, "P1", snap.Executed[0].ProposalID)
	assert.Equal(t, int64(4), snap.Cursors["0.0.9"])
}

func TestMemory_CommitExecutionIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CommitExecution(ctx, ledger.ExecutedProposal{ID: "e1", ProposalID: "P1"}))
	require.NoError(t, m.CommitExecution(ctx, ledger.ExecutedProposal{ID: "e2", ProposalID: "P1"}))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Executed, 1)
	assert.Equal(t, "e1", snap.Executed[0].ID)
}

func TestMemory_FailWith(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("disk full")
	m.FailWith(boom)

	assert.ErrorIs(t, m.SaveCursor(ctx, "t", 1), boom)
	assert.ErrorIs(t, m.SaveProposal(ctx, ledger.PendingProposal{ID: "P1"}), boom)
	assert.Equal(t, 0, m.Writes())

	m.FailWith(nil)
	require.NoError(t, m.SaveCursor(ctx, "t", 1))
	assert.Equal(t, 1, m.Writes())
}

func TestMemory_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveCursor(ctx, "t", 1))

	snap, err := m.Load(ctx)
	require.NoError(t, err)
	snap.Cursors["t"] = 99

	again, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Cursors["t"])
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.Load(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.SaveCursor(context.Background(), "t", 1), ErrClosed)
}
