package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewConnectionRequest builds the envelope a peer sends to open a connection.
func NewConnectionRequest(peer PeerLocator, at time.Time) Envelope {
	return Envelope{
		Protocol:    Protocol,
		Operation:   OpConnectionRequest,
		PeerLocator: peer.String(),
		Timestamp:   at.UnixMilli(),
	}
}

// NewConnectionCreated builds the acknowledgment sent to a peer's topic.
func NewConnectionCreated(responderID string, at time.Time) Envelope {
	return Envelope{
		Protocol:    Protocol,
		Operation:   OpConnectionCreated,
		ResponderID: responderID,
		Timestamp:   at.UnixMilli(),
	}
}

// NewMessage wraps an application payload in a message envelope.
func NewMessage(p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", p.Type, err)
	}
	return Envelope{
		Protocol:  Protocol,
		Operation: OpMessage,
		Data:      string(data),
	}, nil
}

// Marshal encodes an envelope for publication on a topic.
func Marshal(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s envelope: %w", env.Operation, err)
	}
	return b, nil
}

// ExecutedPayload builds the RebalanceExecuted notice for a completed rebalance.
func ExecutedPayload(proposalID string, pre, post Balances, executedAt, now time.Time) Payload {
	return Payload{
		Type:         TypeRebalanceExecuted,
		ProposalID:   proposalID,
		PreBalances:  pre,
		PostBalances: post,
		ExecutedAt:   executedAt.UnixMilli(),
		Timestamp:    now.UnixMilli(),
	}
}
