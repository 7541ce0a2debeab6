// Package harness runs agent scenarios described in YAML against an
// in-memory transport and state store.
//
// # Scenario Format
//
//	name: connection_and_rebalance
//	description: "Two peers connect, then a proposal is approved"
//	agent_id: agent-1
//	topics: ["0.0.100"]
//	responder_topic: "0.0.100"
//	peers: ["0.0.201", "0.0.202"]
//	treasury: { BTC: 1000 }
//	redeliver: false
//	cycles:
//	  - messages:
//	      - topic: "0.0.100"
//	        operation: connection_request
//	        peer: "0.0.201@0.0.9"
//	        expect: Acknowledged
//	      - topic: "0.0.100"
//	        payload: { type: RebalanceProposal, proposalId: P1, newWeights: { BTC: 1 } }
//	        expect: Stored
//	  - restart: true
//	    messages:
//	      - topic: "0.0.100"
//	        raw: "not json"
//	        expect: Malformed
//	assertions:
//	  - type: connections
//	    count: 2
//	  - type: sent
//	    topic: "0.0.201"
//	    label: connection_created
//	    count: 1
//
// Each cycle publishes its messages to the transport and then runs one poll
// cycle. A cycle with restart set rebuilds the runtime from the persisted
// state first, which exercises reload and the sequence gate.
//
// # Assertion Types
//
//   - connections: count, and optionally peers in insertion order
//   - pending: count, and optionally proposal ids in receipt order
//   - executed: count, or one proposal's post_balances
//   - sent: outbound messages on a topic, optionally filtered by label
//   - events: emitted events of one kind
//   - dispatches: total messages routed
//   - cursor: the last processed sequence number on a topic
//   - health: the health status string
//
// # Deterministic Runs
//
// The clock is fixed and identifiers are sequential ("id-1", "id-2", ...),
// so the trace of a scenario is byte-identical across runs and can be
// compared against a golden file.
package harness
