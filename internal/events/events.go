// Package events carries lifecycle notifications from the agent to
// observers such as a UI, telemetry, or a test recorder.
//
// Sinks are invoked synchronously from the poll loop and must not block.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
)

// Kind names an event.
type Kind string

const (
	ConnectionEstablished Kind = "connection.established"
	ProposalReceived      Kind = "proposal.received"
	ProposalExecuted      Kind = "proposal.executed"
	AgentDegraded         Kind = "agent.degraded"
	StorageFailed         Kind = "storage.failed"
)

// Event is the envelope every sink receives. Exactly one of Connection,
// Proposal and Execution is set for entity events; Detail carries the
// reason for AgentDegraded and StorageFailed.
type Event struct {
	Kind       Kind                     `json:"kind"`
	AgentID    string                   `json:"agent_id,omitempty"`
	OccurredAt time.Time                `json:"occurred_at"`
	EntityID   string                   `json:"entity_id,omitempty"`
	Connection *registry.Connection     `json:"connection,omitempty"`
	Proposal   *ledger.PendingProposal  `json:"proposal,omitempty"`
	Execution  *ledger.ExecutedProposal `json:"execution,omitempty"`
	Detail     string                   `json:"detail,omitempty"`
}

// Sink consumes events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if e.Kind == AgentDegraded || e.Kind == StorageFailed {
		level = slog.LevelWarn
	}
	attrs := []any{"kind", string(e.Kind)}
	if e.EntityID != "" {
		attrs = append(attrs, "entity", e.EntityID)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	logger.Log(ctx, level, "event", attrs...)
}

// Recorder keeps every event in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
