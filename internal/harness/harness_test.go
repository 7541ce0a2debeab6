package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hcsagent/internal/transport"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_GoldenTrace(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/connection_and_rebalance.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Executed, 2)
	assert.Equal(t, "id-3", result.Executed[0].ID)
	assert.Equal(t, "id-4", result.Executed[1].ID)
	assert.Equal(t, Epoch, result.Executed[0].ExecutedAt)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/connection_and_rebalance.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Executed, second.Executed)
}

func TestRun_RedeliveryIsGated(t *testing.T) {
	s := mustParse(t, `
name: redelivery
description: "the transport repeats everything, the agent handles each message once"
agent_id: agent-1
topics: ["0.0.100"]
peers: ["0.0.201"]
redeliver: true
cycles:
  - messages:
      - topic: "0.0.100"
        operation: connection_request
        peer: "0.0.201@0.0.9"
        expect: Acknowledged
  - messages: []
  - restart: true
    messages: []
assertions:
  - type: dispatches
    count: 1
  - type: sent
    topic: "0.0.201"
    count: 1
  - type: cursor
    topic: "0.0.100"
    seq: 1
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_MalformedTrafficIsNotFatal(t *testing.T) {
	s := mustParse(t, `
name: malformed
description: "garbage and invalid proposals are classified, later traffic still flows"
agent_id: agent-1
topics: ["0.0.100"]
peers: ["0.0.201"]
treasury: { BTC: 10, ETH: 10 }
cycles:
  - messages:
      - topic: "0.0.100"
        raw: "not json"
        expect: Malformed
      - topic: "0.0.100"
        operation: connection_request
        peer: "no-at-sign"
        expect: Malformed
      - topic: "0.0.100"
        payload: { type: RebalanceProposal, proposalId: P1, newWeights: { BTC: 0.9, ETH: 0.9 } }
        expect: Malformed
      - topic: "0.0.100"
        payload: { type: SomethingElse, proposalId: X }
        expect: Ignored
      - topic: "0.0.100"
        payload: { type: RebalanceProposal, proposalId: P1, newWeights: { BTC: 0.25, ETH: 0.75 } }
        expect: Stored
      - topic: "0.0.100"
        payload: { type: RebalanceApproved, proposalId: P1 }
        expect: Broadcast
assertions:
  - type: pending
    count: 0
  - type: executed
    proposal: P1
    post_balances: { BTC: 5, ETH: 15 }
  - type: dispatches
    count: 6
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RejectedWithoutBalances(t *testing.T) {
	s := mustParse(t, `
name: no_balances
description: "an approval with nothing to rebalance leaves the proposal pending"
agent_id: agent-1
topics: ["0.0.100"]
cycles:
  - messages:
      - topic: "0.0.100"
        payload: { type: RebalanceProposal, proposalId: P1, newWeights: { BTC: 1 } }
        expect: Stored
      - topic: "0.0.100"
        payload: { type: RebalanceApproved, proposalId: P1 }
        expect: Rejected
assertions:
  - type: pending
    count: 1
    ids: [P1]
  - type: executed
    count: 0
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: "expectations that do not hold are reported, not returned as errors"
agent_id: agent-1
topics: ["0.0.100"]
peers: ["0.0.201"]
cycles:
  - messages:
      - topic: "0.0.100"
        operation: connection_request
        peer: "0.0.201@0.0.9"
        expect: Stored
assertions:
  - type: connections
    count: 3
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "0.0.100#1: expected Stored, got Acknowledged")
	assert.Contains(t, result.Errors[1], "count 3")
}

func TestRun_PollErrorsAreTraced(t *testing.T) {
	s := mustParse(t, `
name: poll_failure
description: "a failing topic service is recorded and nothing is dispatched"
agent_id: agent-1
topics: ["0.0.100", "0.0.101"]
cycles:
  - messages:
      - topic: "0.0.100"
        raw: "x"
assertions:
  - type: health
    status: degraded
  - type: dispatches
    count: 0
  - type: cursor
    topic: "0.0.100"
    seq: 0
`)
	result, err := Run(context.Background(), s, WithTransport(func(m *transport.Memory) {
		m.FailPolls(errors.New("mirror node unavailable"))
	}))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, TypePollError, result.Trace[0].Type)
	assert.Contains(t, result.Trace[0].Reason, "mirror node unavailable")
}

func TestRun_PublishToUnknownTopicFails(t *testing.T) {
	s := mustParse(t, `
name: bad_publish
description: "messages can only be published to known topics"
agent_id: agent-1
topics: ["0.0.100"]
cycles:
  - messages:
      - topic: "0.0.999"
        raw: "x"
`)
	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish")
}
