package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// rawEnvelope mirrors Envelope but keeps the fields whose encoding varies
// between agents loosely typed.
type rawEnvelope struct {
	Protocol    string          `json:"protocol"`
	Operation   Operation       `json:"operation"`
	PeerLocator string          `json:"peer_locator"`
	ResponderID string          `json:"responderId"`
	Data        json.RawMessage `json:"data"`
	Timestamp   json.Number     `json:"timestamp"`
}

type rawPayload struct {
	Type         PayloadType `json:"type"`
	ProposalID   string      `json:"proposalId"`
	NewWeights   Weights     `json:"newWeights"`
	ExecuteAfter json.Number `json:"executeAfter"`
	Quorum       float64     `json:"quorum"`
	Trigger      string      `json:"trigger"`
	Reason       string      `json:"reason"`
	PreBalances  Balances    `json:"preBalances"`
	PostBalances Balances    `json:"postBalances"`
	ExecutedAt   json.Number `json:"executedAt"`
	Timestamp    json.Number `json:"timestamp"`
}

// Decode classifies raw topic contents. The returned error, when non-nil,
// is always a *ParseError and the Message is nil.
func Decode(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newParseError(LayerEnvelope, raw, "not a JSON object", nil)
	}

	var env rawEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, newParseError(LayerEnvelope, raw, "invalid JSON", err)
	}
	if env.Protocol != Protocol {
		return Foreign{Protocol: env.Protocol}, nil
	}
	ts, err := epochMillis(env.Timestamp)
	if err != nil {
		return nil, newParseError(LayerEnvelope, raw, "invalid timestamp", err)
	}

	switch env.Operation {
	case OpConnectionRequest:
		peer, err := ParsePeerLocator(env.PeerLocator)
		if err != nil {
			return nil, newParseError(LayerEnvelope, raw, "invalid peer_locator", err)
		}
		return ConnectionRequest{Peer: peer, Timestamp: ts}, nil

	case OpConnectionCreated:
		responder := strings.TrimSpace(env.ResponderID)
		if responder == "" {
			return nil, newParseError(LayerEnvelope, raw, "missing responderId", nil)
		}
		return ConnectionCreated{ResponderID: responder, Timestamp: ts}, nil

	case OpMessage:
		data, err := unwrapData(env.Data)
		if err != nil {
			return nil, newParseError(LayerEnvelope, raw, "invalid data", err)
		}
		return decodePayload(raw, data)

	default:
		return Unrecognized{Operation: env.Operation}, nil
	}
}

// unwrapData accepts the payload either as a JSON string holding a document
// (the canonical form) or as an inline JSON object.
func unwrapData(data json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("missing data")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, err
	}
	if strings.TrimSpace(inner) == "" {
		return nil, fmt.Errorf("empty data")
	}
	return []byte(inner), nil
}

func decodePayload(raw, data []byte) (Message, error) {
	var p rawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, newParseError(LayerPayload, raw, "invalid JSON", err)
	}
	ts, err := epochMillis(p.Timestamp)
	if err != nil {
		return nil, newParseError(LayerPayload, raw, "invalid timestamp", err)
	}
	proposalID := strings.TrimSpace(p.ProposalID)

	switch p.Type {
	case TypeRebalanceProposal:
		if proposalID == "" {
			return nil, newParseError(LayerPayload, raw, "missing proposalId", nil)
		}
		if len(p.NewWeights) == 0 {
			return nil, newParseError(LayerPayload, raw, "missing newWeights", nil)
		}
		after, err := epochMillis(p.ExecuteAfter)
		if err != nil {
			return nil, newParseError(LayerPayload, raw, "invalid executeAfter", err)
		}
		return Proposal{
			ProposalID:   proposalID,
			NewWeights:   p.NewWeights,
			ExecuteAfter: after,
			Quorum:       p.Quorum,
			Trigger:      norm.NFC.String(p.Trigger),
			Reason:       norm.NFC.String(p.Reason),
			Timestamp:    ts,
		}, nil

	case TypeRebalanceApproved:
		if proposalID == "" {
			return nil, newParseError(LayerPayload, raw, "missing proposalId", nil)
		}
		return Approval{ProposalID: proposalID, PreBalances: p.PreBalances, Timestamp: ts}, nil

	case TypeRebalanceExecuted:
		executedAt, err := epochMillis(p.ExecutedAt)
		if err != nil {
			return nil, newParseError(LayerPayload, raw, "invalid executedAt", err)
		}
		return Execution{
			ProposalID:   proposalID,
			PreBalances:  p.PreBalances,
			PostBalances: p.PostBalances,
			ExecutedAt:   executedAt,
			Timestamp:    ts,
		}, nil

	default:
		return Unrecognized{Operation: OpMessage, Type: p.Type}, nil
	}
}

// epochMillis accepts integral or floating point millisecond timestamps.
// An absent value is zero.
func epochMillis(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("timestamp %q out of range", n)
	}
	return int64(f), nil
}
