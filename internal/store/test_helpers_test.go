package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

var testEpoch = time.Date(2024, 3, 4, 5, 6, 7, 890, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConnection(id, peer string) registry.Connection {
	return registry.Connection{
		ID:            id,
		PeerTopicID:   peer,
		PeerAccountID: "0.0.77",
		CreatedAt:     testEpoch,
	}
}

func testPending(id string) ledger.PendingProposal {
	return ledger.PendingProposal{
		ID: id,
		Payload: ledger.Proposal{
			NewWeights: map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2},
			Quorum:     2,
			Trigger:    "drift",
		},
		ReceivedAt: testEpoch,
	}
}

func testExecution(id, proposalID string) ledger.ExecutedProposal {
	return ledger.ExecutedProposal{
		ID:           id,
		ProposalID:   proposalID,
		ExecutedAt:   testEpoch,
		PreBalances:  ledger.Balances{"BTC": 1000, "ETH": 2000, "SOL": 500},
		PostBalances: ledger.Balances{"BTC": 1750, "ETH": 1050, "SOL": 700},
	}
}
