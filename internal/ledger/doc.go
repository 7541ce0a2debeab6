// Package ledger owns pending and executed rebalance proposals.
//
// A proposal is recorded once per id and stays pending until an approval
// executes it. Execution computes post-rebalance balances, removes the
// pending entry and appends an immutable ExecutedProposal in one step, so a
// proposal can be executed at most once: a second approval for the same id
// finds nothing pending and reports ErrProposalNotFound.
//
// Allocation rounds each asset independently (half away from zero). The sum
// of post balances may therefore differ from the pre-balance total by at most
// (number of assets - 1) units; no remainder redistribution is attempted.
package ledger
