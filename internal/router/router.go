package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/hcsagent/internal/events"
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/wire"
)

// State is the terminal state of a routed message.
type State string

const (
	Ignored      State = "Ignored"
	Acknowledged State = "Acknowledged"
	Stored       State = "Stored"
	Broadcast    State = "Broadcast"
	Rejected     State = "Rejected"
	Malformed    State = "Malformed"
)

// ErrConnector marks a failure of the Connector itself, as opposed to a
// storage failure behind it. The message has had no effect and may be
// routed again through another Connector.
var ErrConnector = errors.New("router: connector failed")

// Connector establishes connections for connection requests.
// The bool result reports whether the connection is new.
type Connector interface {
	Connect(ctx context.Context, peer wire.PeerLocator) (registry.Connection, bool, error)
}

// Direct connects through the registry.
type Direct struct {
	Registry *registry.Registry
}

func (d Direct) Connect(ctx context.Context, peer wire.PeerLocator) (registry.Connection, bool, error) {
	return d.Registry.Establish(ctx, peer)
}

// Outbound is an envelope the caller must publish.
type Outbound struct {
	TopicID  string
	Envelope wire.Envelope
}

// Result describes what routing one message did.
//
// StorageErrs lists persistence failures; the in-memory transition happened
// regardless. Err is set only for a Connector failure, in which case State
// is empty and nothing else in the Result applies.
type Result struct {
	State       State
	Reason      string
	Outbound    []Outbound
	Events      []events.Event
	StorageErrs []error
	Err         error
}

// Config carries the agent identity used in responses.
type Config struct {
	AgentID string

	// ResponderID is sent in connection_created. Empty means the inbound
	// topic the request arrived on.
	ResponderID string

	// Treasury is the last-resort balance snapshot for approvals that carry
	// no preBalances when nothing has been executed yet.
	Treasury ledger.Balances
}

// Router applies decoded messages to the registry and ledger.
type Router struct {
	cfg       Config
	registry  *registry.Registry
	ledger    *ledger.Ledger
	connector Connector
	now       func() time.Time
}

// New creates a router. A nil connector connects directly through reg.
func New(cfg Config, reg *registry.Registry, led *ledger.Ledger, connector Connector, now func() time.Time) *Router {
	if connector == nil {
		connector = Direct{Registry: reg}
	}
	if now == nil {
		now = time.Now
	}
	cfg.Treasury = cfg.Treasury.Clone()
	return &Router{cfg: cfg, registry: reg, ledger: led, connector: connector, now: now}
}

// Route handles one message that has already passed the sequence gate.
func (r *Router) Route(ctx context.Context, msg transport.Message) Result {
	decoded, err := wire.Decode(msg.Contents)
	if err != nil {
		return Result{State: Malformed, Reason: err.Error()}
	}

	switch m := decoded.(type) {
	case wire.Foreign:
		return Result{State: Ignored, Reason: fmt.Sprintf("foreign protocol %q", m.Protocol)}
	case wire.Unrecognized:
		if m.Type != "" {
			return Result{State: Ignored, Reason: fmt.Sprintf("unhandled payload type %q", m.Type)}
		}
		return Result{State: Ignored, Reason: fmt.Sprintf("unhandled operation %q", m.Operation)}
	case wire.ConnectionCreated:
		return Result{State: Ignored, Reason: "connection_created from " + m.ResponderID}
	case wire.Execution:
		return Result{State: Ignored, Reason: "execution notice for " + m.ProposalID}
	case wire.ConnectionRequest:
		return r.connect(ctx, msg, m)
	case wire.Proposal:
		return r.record(ctx, m)
	case wire.Approval:
		return r.execute(ctx, m)
	default:
		return Result{State: Ignored, Reason: fmt.Sprintf("unhandled message %T", decoded)}
	}
}

func (r *Router) connect(ctx context.Context, msg transport.Message, req wire.ConnectionRequest) Result {
	conn, created, err := r.connector.Connect(ctx, req.Peer)
	var res Result
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrPersist):
		res.StorageErrs = append(res.StorageErrs, err)
	case errors.Is(err, registry.ErrEmptyPeer):
		return Result{State: Malformed, Reason: err.Error()}
	default:
		return Result{Err: fmt.Errorf("%w: %w", ErrConnector, err)}
	}

	responder := r.cfg.ResponderID
	if responder == "" {
		responder = msg.TopicID
	}
	now := r.now()

	res.State = Acknowledged
	res.Reason = "connection " + conn.ID
	// Re-acknowledge on reuse: the peer may have missed the first response.
	res.Outbound = []Outbound{{
		TopicID:  conn.PeerTopicID,
		Envelope: wire.NewConnectionCreated(responder, now),
	}}
	if created {
		c := conn
		res.Events = append(res.Events, r.event(events.ConnectionEstablished, conn.ID, now, func(e *events.Event) {
			e.Connection = &c
		}))
	}
	return res
}

func (r *Router) record(ctx context.Context, p wire.Proposal) Result {
	rec, created, err := r.ledger.RecordProposal(ctx, p.ProposalID, ledger.Proposal{
		NewWeights:   p.NewWeights,
		ExecuteAfter: p.ExecuteAfter,
		Quorum:       p.Quorum,
		Trigger:      p.Trigger,
		Reason:       p.Reason,
	})

	var res Result
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrPersist):
		res.StorageErrs = append(res.StorageErrs, err)
	case errors.Is(err, ledger.ErrAlreadyExecuted):
		return Result{State: Ignored, Reason: err.Error()}
	default:
		return Result{State: Malformed, Reason: err.Error()}
	}

	res.State = Stored
	if !created {
		res.Reason = "duplicate proposal " + rec.ID
		return res
	}
	res.Reason = "proposal " + rec.ID
	res.Events = append(res.Events, r.event(events.ProposalReceived, rec.ID, rec.ReceivedAt, func(e *events.Event) {
		e.Proposal = &rec
	}))
	return res
}

func (r *Router) execute(ctx context.Context, a wire.Approval) Result {
	pre, source := r.preBalances(a)
	rec, err := r.ledger.Execute(ctx, a.ProposalID, pre)

	var res Result
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrPersist):
		res.StorageErrs = append(res.StorageErrs, err)
	default:
		return Result{State: Rejected, Reason: err.Error()}
	}

	now := r.now()
	env, err := wire.NewMessage(wire.ExecutedPayload(
		rec.ProposalID,
		wire.Balances(rec.PreBalances),
		wire.Balances(rec.PostBalances),
		rec.ExecutedAt,
		now,
	))
	res.State = Broadcast
	res.Reason = fmt.Sprintf("executed %s with %s balances", rec.ProposalID, source)
	if err != nil {
		// The execution stands; only the notice could not be built.
		res.Reason = err.Error()
	} else {
		for _, conn := range r.registry.ListAll() {
			res.Outbound = append(res.Outbound, Outbound{TopicID: conn.PeerTopicID, Envelope: env})
		}
	}
	res.Events = append(res.Events, r.event(events.ProposalExecuted, rec.ProposalID, rec.ExecutedAt, func(e *events.Event) {
		e.Execution = &rec
	}))
	return res
}

// Balance sources, in order of precedence.
const (
	SourceApproval = "approval"
	SourceLedger   = "ledger"
	SourceTreasury = "treasury"
)

// preBalances picks the snapshot an approval is executed against: the
// approval's own preBalances, else the last execution's postBalances, else
// the configured treasury. An empty result means none is available.
func (r *Router) preBalances(a wire.Approval) (ledger.Balances, string) {
	if len(a.PreBalances) > 0 {
		return ledger.Balances(a.PreBalances), SourceApproval
	}
	if last, ok := r.ledger.LastExecuted(); ok && len(last.PostBalances) > 0 {
		return last.PostBalances, SourceLedger
	}
	return r.cfg.Treasury, SourceTreasury
}

func (r *Router) event(kind events.Kind, id string, at time.Time, fill func(*events.Event)) events.Event {
	e := events.Event{
		Kind:       kind,
		AgentID:    r.cfg.AgentID,
		OccurredAt: at,
		EntityID:   id,
	}
	fill(&e)
	return e
}
