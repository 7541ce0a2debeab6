package harness

import (
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

// Trace event types.
const (
	TypeDispatch  = "dispatch"
	TypeSend      = "send"
	TypeEvent     = "event"
	TypePollError = "poll_error"
)

// TraceEvent is one observable step of a scenario run, in the order it
// happened: a routed inbound message, an outbound send, an emitted event,
// or a failed poll.
type TraceEvent struct {
	Type   string `json:"type"`
	Topic  string `json:"topic,omitempty"`
	Seq    int64  `json:"seq,omitempty"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	Label  string `json:"label,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Entity string `json:"entity,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Final projections of the runtime.
	Connections []registry.Connection     `json:"connections"`
	Pending     []ledger.PendingProposal  `json:"pending"`
	Executed    []ledger.ExecutedProposal `json:"executed"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
