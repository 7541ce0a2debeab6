package wire

// Protocol is the protocol tag carried by every envelope this agent handles.
const Protocol = "hcs-10"

// Operation identifies the envelope kind.
type Operation string

const (
	OpConnectionRequest Operation = "connection_request"
	OpConnectionCreated Operation = "connection_created"
	OpMessage           Operation = "message"
)

// PayloadType identifies the application payload carried by a message envelope.
type PayloadType string

const (
	TypeRebalanceProposal PayloadType = "RebalanceProposal"
	TypeRebalanceApproved PayloadType = "RebalanceApproved"
	TypeRebalanceExecuted PayloadType = "RebalanceExecuted"
)

// Envelope is the outer protocol wrapper as it appears on a topic.
// Field order matches the wire documents produced by other HCS-10 agents.
type Envelope struct {
	Protocol    string    `json:"protocol"`
	Operation   Operation `json:"operation"`
	PeerLocator string    `json:"peer_locator,omitempty"`
	ResponderID string    `json:"responderId,omitempty"`
	Data        string    `json:"data,omitempty"`
	Timestamp   int64     `json:"timestamp,omitempty"` // epoch milliseconds
}

// Balances maps an asset identifier to a quantity in whole units.
type Balances map[string]int64

// Weights maps an asset identifier to its target share in [0,1].
type Weights map[string]float64

// Payload is the inner application document. Optional fields are omitted
// when zero so that each payload type only carries what it needs.
type Payload struct {
	Type         PayloadType `json:"type"`
	ProposalID   string      `json:"proposalId"`
	NewWeights   Weights     `json:"newWeights,omitempty"`
	ExecuteAfter int64       `json:"executeAfter,omitempty"`
	Quorum       float64     `json:"quorum,omitempty"`
	Trigger      string      `json:"trigger,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	PreBalances  Balances    `json:"preBalances,omitempty"`
	PostBalances Balances    `json:"postBalances,omitempty"`
	ExecutedAt   int64       `json:"executedAt,omitempty"`
	Timestamp    int64       `json:"timestamp"`
}

// Message is the closed set of decoded topic messages.
// The concrete types are Foreign, Unrecognized, ConnectionRequest,
// ConnectionCreated, Proposal, Approval and Execution.
type Message interface {
	isMessage()
}

// Foreign is valid JSON tagged with a protocol other than hcs-10.
type Foreign struct {
	Protocol string
}

// Unrecognized is hcs-10 traffic whose operation, or whose payload type,
// this agent does not handle.
type Unrecognized struct {
	Operation Operation
	Type      PayloadType
}

// ConnectionRequest asks the agent to open a connection to the peer topic.
type ConnectionRequest struct {
	Peer      PeerLocator
	Timestamp int64
}

// ConnectionCreated acknowledges a connection request.
type ConnectionCreated struct {
	ResponderID string
	Timestamp   int64
}

// Proposal is a RebalanceProposal payload.
type Proposal struct {
	ProposalID   string
	NewWeights   Weights
	ExecuteAfter int64
	Quorum       float64
	Trigger      string
	Reason       string
	Timestamp    int64
}

// Approval is a RebalanceApproved payload. PreBalances is nil when the
// approver did not supply a balance snapshot.
type Approval struct {
	ProposalID  string
	PreBalances Balances
	Timestamp   int64
}

// Execution is a RebalanceExecuted payload, as broadcast by an executing agent.
type Execution struct {
	ProposalID   string
	PreBalances  Balances
	PostBalances Balances
	ExecutedAt   int64
	Timestamp    int64
}

func (Foreign) isMessage()           {}
func (Unrecognized) isMessage()      {}
func (ConnectionRequest) isMessage() {}
func (ConnectionCreated) isMessage() {}
func (Proposal) isMessage()          {}
func (Approval) isMessage()          {}
func (Execution) isMessage()         {}
