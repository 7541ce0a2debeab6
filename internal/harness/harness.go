package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hcsagent/internal/agent"
	"github.com/roach88/hcsagent/internal/events"
	"github.com/roach88/hcsagent/internal/ids"
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/router"
	"github.com/roach88/hcsagent/internal/state"
	"github.com/roach88/hcsagent/internal/testutil"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/wire"
)

// Epoch is the fixed wall-clock time of every scenario run.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the collaborators of one scenario run. A fresh Harness is
// built for each run so scenarios never share state.
type Harness struct {
	scenario *Scenario
	clock    *testutil.Clock
	idGen    ids.Generator
	tr       *transport.Memory
	st       *state.Memory
	logger   *slog.Logger
	setup    []func(*transport.Memory)

	mu    sync.Mutex
	trace []TraceEvent
	seen  map[stepKey]string
}

type stepKey struct {
	topic string
	seq   int64
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes runtime logs somewhere other than io.Discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithTransport runs fn against the in-memory transport before the first
// cycle, e.g. to inject failures.
func WithTransport(fn func(*transport.Memory)) Option {
	return func(h *Harness) { h.setup = append(h.setup, fn) }
}

// Run executes a scenario and returns the result.
//
// The returned error reports a harness failure (the runtime could not be
// built, a message could not be published). Failed expectations are
// reported in Result.Errors instead.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	clock := testutil.NewClock(Epoch, 0)
	h := &Harness{
		scenario: scenario,
		clock:    clock,
		idGen:    ids.NewSequentialGenerator("id"),
		tr:       transport.NewMemory(clock.Now),
		st:       state.NewMemory(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		seen:     make(map[stepKey]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, topic := range append(append([]string{}, scenario.Topics...), scenario.Peers...) {
		h.tr.EnsureTopic(topic)
	}
	h.tr.SetRedeliver(scenario.Redeliver)
	for _, fn := range h.setup {
		fn(h.tr)
	}

	rt, err := h.newRuntime(ctx)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, cycle := range scenario.Cycles {
		if cycle.Restart {
			if rt, err = h.newRuntime(ctx); err != nil {
				return nil, fmt.Errorf("cycle %d: restart: %w", i, err)
			}
		}

		type published struct {
			key    stepKey
			expect string
		}
		var batch []published
		for j, step := range cycle.Messages {
			raw, err := step.contents()
			if err != nil {
				return nil, fmt.Errorf("cycle %d message %d: %w", i, j, err)
			}
			seq, err := h.tr.SendMessage(ctx, step.Topic, raw)
			if err != nil {
				return nil, fmt.Errorf("cycle %d message %d: publish: %w", i, j, err)
			}
			batch = append(batch, published{key: stepKey{step.Topic, seq}, expect: step.Expect})
		}

		if err := rt.PollOnce(ctx); err != nil {
			h.record(TraceEvent{Type: TypePollError, Reason: err.Error()})
		}

		for _, p := range batch {
			if p.expect == "" {
				continue
			}
			got, ok := h.dispatched(p.key)
			switch {
			case !ok:
				result.AddError(fmt.Sprintf("%s#%d: expected %s, message was not dispatched", p.key.topic, p.key.seq, p.expect))
			case got != p.expect:
				result.AddError(fmt.Sprintf("%s#%d: expected %s, got %s", p.key.topic, p.key.seq, p.expect, got))
			}
		}
	}

	result.Trace = h.Trace()
	result.Connections = rt.Connections()
	result.Pending = rt.Pending()
	result.Executed = rt.Executed()

	for _, a := range scenario.Assertions {
		if err := evaluate(a, rt, result.Trace); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func (h *Harness) newRuntime(ctx context.Context) (*agent.Runtime, error) {
	s := h.scenario
	cfg := agent.Config{
		AgentID:        s.AgentID,
		InboundTopics:  s.Topics,
		ResponderTopic: s.ResponderTopic,
		SendRate:       1000,
		SendBurst:      1000,
		Treasury:       ledger.Balances(s.Treasury),
	}
	return agent.New(ctx, cfg, recordingTransport{Transport: h.tr, onSend: h.onSend}, h.st,
		agent.WithLogger(h.logger),
		agent.WithClock(h.clock.Now),
		agent.WithIDGenerator(h.idGen),
		agent.WithSink(events.SinkFunc(h.onEvent)),
		agent.WithObserver(h.onDispatch),
	)
}

func (h *Harness) onDispatch(msg transport.Message, res router.Result) {
	h.mu.Lock()
	h.seen[stepKey{msg.TopicID, msg.SequenceNumber}] = string(res.State)
	h.mu.Unlock()
	h.record(TraceEvent{
		Type:   TypeDispatch,
		Topic:  msg.TopicID,
		Seq:    msg.SequenceNumber,
		State:  string(res.State),
		Reason: res.Reason,
	})
}

func (h *Harness) onSend(topic string, seq int64, payload []byte) {
	h.record(TraceEvent{Type: TypeSend, Topic: topic, Seq: seq, Label: label(payload)})
}

func (h *Harness) onEvent(_ context.Context, e events.Event) {
	h.record(TraceEvent{Type: TypeEvent, Kind: string(e.Kind), Entity: e.EntityID})
}

func (h *Harness) record(e TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, e)
}

func (h *Harness) dispatched(k stepKey) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.seen[k]
	return s, ok
}

// Trace returns a copy of the events recorded so far.
func (h *Harness) Trace() []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TraceEvent, len(h.trace))
	copy(out, h.trace)
	return out
}

// recordingTransport reports every successful send made by the runtime.
type recordingTransport struct {
	transport.Transport
	onSend func(topic string, seq int64, payload []byte)
}

func (t recordingTransport) SendMessage(ctx context.Context, topicID string, payload []byte) (int64, error) {
	seq, err := t.Transport.SendMessage(ctx, topicID, payload)
	if err == nil {
		t.onSend(topicID, seq, payload)
	}
	return seq, err
}

// label names an outbound message by its operation or payload type.
func label(raw []byte) string {
	msg, err := wire.Decode(raw)
	if err != nil {
		return "malformed"
	}
	switch msg.(type) {
	case wire.ConnectionRequest:
		return string(wire.OpConnectionRequest)
	case wire.ConnectionCreated:
		return string(wire.OpConnectionCreated)
	case wire.Proposal:
		return string(wire.TypeRebalanceProposal)
	case wire.Approval:
		return string(wire.TypeRebalanceApproved)
	case wire.Execution:
		return string(wire.TypeRebalanceExecuted)
	default:
		return fmt.Sprintf("%T", msg)
	}
}
