package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hcsagent/internal/events"
	"github.com/roach88/hcsagent/internal/ids"
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/state"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/wire"
)

const inboundTopic = "IN"

var epoch = time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	tr       *transport.Memory
	st       *state.Memory
	recorder *events.Recorder
	rt       *Runtime
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() Config {
	return Config{
		AgentID:        "agent-1",
		InboundTopics:  []string{inboundTopic},
		ResponderTopic: inboundTopic,
		SendRate:       1000,
		SendBurst:      1000,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	tr := transport.NewMemory(func() time.Time { return epoch })
	for _, topic := range []string{inboundTopic, "T1", "T2"} {
		tr.EnsureTopic(topic)
	}
	h := &harness{tr: tr, st: state.NewMemory(), recorder: &events.Recorder{}}
	h.rt = h.restart(t, cfg, opts...)
	return h
}

// restart builds a fresh runtime over the harness transport and store.
func (h *harness) restart(t *testing.T, cfg Config, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return epoch }),
		WithIDGenerator(ids.NewSequentialGenerator("id")),
		WithSink(h.recorder),
	}
	rt, err := New(context.Background(), cfg, h.tr, h.st, append(base, opts...)...)
	require.NoError(t, err)
	return rt
}

func (h *harness) send(t *testing.T, env wire.Envelope) {
	t.Helper()
	raw, err := wire.Marshal(env)
	require.NoError(t, err)
	_, err = h.tr.SendMessage(context.Background(), inboundTopic, raw)
	require.NoError(t, err)
}

func (h *harness) sendRaw(t *testing.T, raw string) {
	t.Helper()
	_, err := h.tr.SendMessage(context.Background(), inboundTopic, []byte(raw))
	require.NoError(t, err)
}

func (h *harness) connect(t *testing.T, locator string) {
	t.Helper()
	peer, err := wire.ParsePeerLocator(locator)
	require.NoError(t, err)
	h.send(t, wire.NewConnectionRequest(peer, epoch))
}

func (h *harness) payload(t *testing.T, p wire.Payload) {
	t.Helper()
	env, err := wire.NewMessage(p)
	require.NoError(t, err)
	h.send(t, env)
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rt.PollOnce(context.Background()))
}

// outbound decodes everything the agent published to topic.
func (h *harness) outbound(t *testing.T, topic string) []wire.Message {
	t.Helper()
	var out []wire.Message
	for _, msg := range h.tr.Messages(topic) {
		decoded, err := wire.Decode(msg.Contents)
		require.NoError(t, err)
		out = append(out, decoded)
	}
	return out
}

func proposalP1() wire.Payload {
	return wire.Payload{
		Type:       wire.TypeRebalanceProposal,
		ProposalID: "P1",
		NewWeights: wire.Weights{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2},
		Timestamp:  epoch.UnixMilli(),
	}
}

func approvalP1() wire.Payload {
	return wire.Payload{
		Type:        wire.TypeRebalanceApproved,
		ProposalID:  "P1",
		PreBalances: wire.Balances{"BTC": 1000, "ETH": 2000, "SOL": 500},
		Timestamp:   epoch.UnixMilli(),
	}
}

func TestRuntime_ConnectionRequestScenario(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")

	h.poll(t)

	conns := h.rt.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "T1", conns[0].PeerTopicID)
	assert.Equal(t, "acct1", conns[0].PeerAccountID)

	sent := h.outbound(t, "T1")
	require.Len(t, sent, 1)
	assert.Equal(t, wire.ConnectionCreated{ResponderID: inboundTopic, Timestamp: epoch.UnixMilli()}, sent[0])

	assert.Equal(t, []events.Kind{events.ConnectionEstablished}, h.recorder.Kinds())
	assert.Equal(t, int64(1), h.rt.Cursor(inboundTopic))
}

func TestRuntime_AcknowledgesEveryRequestButConnectsOnce(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 3; i++ {
		h.connect(t, "T1@acct1")
	}

	h.poll(t)

	assert.Len(t, h.rt.Connections(), 1)
	assert.Len(t, h.outbound(t, "T1"), 3)
	assert.Equal(t, 1, h.recorder.Count(events.ConnectionEstablished))

	snap, err := h.st.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Connections, 1)
}

func TestRuntime_RebalanceScenario(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")
	h.connect(t, "T2@acct2")
	h.payload(t, proposalP1())
	h.payload(t, approvalP1())

	h.poll(t)

	executed := h.rt.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, ledger.Balances{"BTC": 1750, "ETH": 1050, "SOL": 700}, executed[0].PostBalances)
	assert.Equal(t, executed[0].PreBalances.Total(), executed[0].PostBalances.Total())
	assert.Empty(t, h.rt.Pending())

	for _, peer := range []string{"T1", "T2"} {
		sent := h.outbound(t, peer)
		require.Len(t, sent, 2, peer)
		notice, ok := sent[1].(wire.Execution)
		require.True(t, ok, "second message to %s is the execution notice", peer)
		assert.Equal(t, "P1", notice.ProposalID)
		assert.Equal(t, wire.Balances{"BTC": 1750, "ETH": 1050, "SOL": 700}, notice.PostBalances)
	}

	assert.Equal(t, []events.Kind{
		events.ConnectionEstablished,
		events.ConnectionEstablished,
		events.ProposalReceived,
		events.ProposalExecuted,
	}, h.recorder.Kinds())

	snap, err := h.st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Pending)
	assert.Len(t, snap.Executed, 1)
	assert.Equal(t, int64(4), snap.Cursors[inboundTopic])
}

func TestRuntime_DuplicateProposalAndApproval(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")
	h.payload(t, proposalP1())
	h.payload(t, proposalP1())
	h.payload(t, approvalP1())
	h.payload(t, approvalP1())

	h.poll(t)

	assert.Len(t, h.rt.Executed(), 1)
	assert.Empty(t, h.rt.Pending())
	assert.Len(t, h.outbound(t, "T1"), 2, "one ack and one execution notice")
	assert.Equal(t, 1, h.recorder.Count(events.ProposalReceived))
	assert.Equal(t, 1, h.recorder.Count(events.ProposalExecuted))
}

func TestRuntime_ReplayProducesNoSideEffects(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")
	h.payload(t, proposalP1())
	h.payload(t, approvalP1())
	h.poll(t)

	sentBefore := len(h.tr.Messages("T1"))
	eventsBefore := len(h.recorder.Events())

	h.tr.SetRedeliver(true)
	h.poll(t)

	assert.Len(t, h.tr.Messages("T1"), sentBefore)
	assert.Len(t, h.recorder.Events(), eventsBefore)
	assert.Len(t, h.rt.Executed(), 1)
	assert.Len(t, h.rt.Connections(), 1)
}

func TestRuntime_RestartResumesFromPersistedState(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")
	h.payload(t, proposalP1())
	h.poll(t)

	rt := h.restart(t, baseConfig())
	assert.Equal(t, int64(2), rt.Cursor(inboundTopic))
	assert.Len(t, rt.Connections(), 1)
	require.Len(t, rt.Pending(), 1)

	h.tr.SetRedeliver(true)
	h.payload(t, approvalP1())
	require.NoError(t, rt.PollOnce(context.Background()))

	assert.Len(t, rt.Executed(), 1)
	assert.Len(t, h.tr.Messages("T1"), 2, "ack from the first run and the execution notice")
}

func TestRuntime_MalformedAndForeignTrafficAdvanceCursor(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.sendRaw(t, `not json`)
	h.sendRaw(t, `{"protocol":"other","operation":"x"}`)
	h.sendRaw(t, `{"protocol":"hcs-10","operation":"connection_request","peer_locator":"bad"}`)

	h.poll(t)

	assert.Equal(t, int64(3), h.rt.Cursor(inboundTopic))
	assert.Empty(t, h.rt.Connections())
	assert.Empty(t, h.recorder.Events())
}

func TestRuntime_PollFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")

	h.tr.FailPolls(errors.New("network down"))
	err := h.rt.PollOnce(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, observability.StatusDegraded, h.rt.Health().Status)
	assert.Empty(t, h.rt.Connections())

	h.tr.FailPolls(nil)
	h.poll(t)
	assert.Len(t, h.rt.Connections(), 1)
	assert.Equal(t, observability.StatusOK, h.rt.Health().Status)
}

func TestRuntime_UnknownInboundTopicReported(t *testing.T) {
	cfg := baseConfig()
	cfg.InboundTopics = []string{"missing", inboundTopic}
	h := newHarness(t, cfg)
	h.connect(t, "T1@acct1")

	err := h.rt.PollOnce(context.Background())
	assert.ErrorIs(t, err, transport.ErrTopicNotFound)
	assert.Len(t, h.rt.Connections(), 1, "other topics still polled")
}

func TestRuntime_SendFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.tr.FailSends("T1", errors.New("rejected"))
	h.connect(t, "T1@acct1")

	h.poll(t)
	assert.Len(t, h.rt.Connections(), 1)
	assert.Equal(t, int64(1), h.rt.Cursor(inboundTopic))

	health := h.rt.Health()
	assert.Equal(t, observability.StatusDegraded, health.Status)
	assert.Equal(t, 1, health.SendFailures)
	assert.Contains(t, health.LastSendError, "rejected")

	h.tr.FailSends("T1", nil)
	h.poll(t)
	assert.Empty(t, h.tr.Messages("T1"), "no retry of a failed send")

	h.connect(t, "T2@acct2")
	h.poll(t)
	health = h.rt.Health()
	assert.Equal(t, observability.StatusOK, health.Status, "next successful send clears the error")
	assert.Equal(t, 1, health.SendFailures)
	assert.Empty(t, health.LastSendError)
}

func TestRuntime_StorageFailureSurfacesAsHealth(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.st.FailWith(errors.New("disk full"))
	h.connect(t, "T1@acct1")
	h.payload(t, proposalP1())

	h.poll(t)

	assert.Len(t, h.rt.Connections(), 1, "in-memory state still advances")
	assert.Len(t, h.rt.Pending(), 1)
	assert.Len(t, h.tr.Messages("T1"), 1)

	health := h.rt.Health()
	assert.Equal(t, observability.StatusUnhealthy, health.Status)
	assert.True(t, health.StorageFailing)
	assert.Equal(t, 4, health.StorageFailures, "two record writes and two cursor writes")
	assert.Equal(t, 4, h.recorder.Count(events.StorageFailed))

	h.st.FailWith(nil)
	h.payload(t, wire.Payload{Type: "Heartbeat", ProposalID: "x"})
	h.poll(t)
	assert.Equal(t, observability.StatusOK, h.rt.Health().Status)
}

type fakeManager struct {
	initErr    error
	requestErr error
	panicOn    bool
	calls      int
}

func (m *fakeManager) Init(context.Context) error { return m.initErr }

func (m *fakeManager) HandleConnectionRequest(_ context.Context, peer wire.PeerLocator) (registry.Connection, error) {
	m.calls++
	if m.panicOn {
		panic("manager bug")
	}
	if m.requestErr != nil {
		return registry.Connection{}, m.requestErr
	}
	return registry.Connection{ID: "mgr-" + peer.TopicID, PeerTopicID: peer.TopicID}, nil
}

func TestRuntime_ManagedStrategy(t *testing.T) {
	mgr := &fakeManager{}
	h := newHarness(t, baseConfig(), WithConnectionManager(mgr))
	assert.Equal(t, StrategyManaged, h.rt.StrategyName())

	h.connect(t, "T1@acct1")
	h.poll(t)

	assert.Equal(t, 1, mgr.calls)
	conns := h.rt.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "mgr-T1", conns[0].ID)
	assert.Equal(t, "acct1", conns[0].PeerAccountID)
	assert.Len(t, h.tr.Messages("T1"), 1)
	assert.Equal(t, observability.StatusOK, h.rt.Health().Status)
}

func TestRuntime_ManagerFailureFallsBackOnce(t *testing.T) {
	tests := []struct {
		name string
		mgr  *fakeManager
	}{
		{"error", &fakeManager{requestErr: errors.New("manager offline")}},
		{"panic", &fakeManager{panicOn: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, baseConfig(), WithConnectionManager(tt.mgr))
			h.connect(t, "T1@acct1")
			h.connect(t, "T2@acct2")

			h.poll(t)

			assert.Equal(t, 1, tt.mgr.calls, "manager not consulted after failing")
			assert.Equal(t, StrategyDirect, h.rt.StrategyName())
			assert.Len(t, h.rt.Connections(), 2)
			assert.Len(t, h.tr.Messages("T1"), 1, "failed message handled exactly once")
			assert.Len(t, h.tr.Messages("T2"), 1)
			assert.Equal(t, 1, h.recorder.Count(events.AgentDegraded))

			health := h.rt.Health()
			assert.True(t, health.Degraded)
			assert.Contains(t, health.DegradedReason, string(ErrCodeStrategyFailure))
		})
	}
}

func TestRuntime_ManagerInitFailure(t *testing.T) {
	mgr := &fakeManager{initErr: errors.New("missing credentials")}
	h := newHarness(t, baseConfig(), WithConnectionManager(mgr))

	assert.Equal(t, StrategyDirect, h.rt.StrategyName())
	assert.Equal(t, 1, h.recorder.Count(events.AgentDegraded))

	h.connect(t, "T1@acct1")
	h.poll(t)
	assert.Zero(t, mgr.calls)
	assert.Len(t, h.rt.Connections(), 1)
}

func TestRuntime_StartStop(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")

	require.NoError(t, h.rt.Start(5*time.Millisecond))
	assert.ErrorIs(t, h.rt.Start(5*time.Millisecond), ErrRunning)

	require.Eventually(t, func() bool {
		return len(h.rt.Connections()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.rt.Stop()
	h.rt.Stop()

	calls := h.tr.PollCalls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, h.tr.PollCalls(), "no polling after Stop")

	require.NoError(t, h.rt.Start(5*time.Millisecond), "restartable")
	h.rt.Stop()
}

// gatedTransport blocks the first PollMessages call until released.
type gatedTransport struct {
	*transport.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransport) PollMessages(ctx context.Context, topicID string, afterSeq int64) ([]transport.Message, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Memory.PollMessages(ctx, topicID, afterSeq)
}

func TestRuntime_StopFinishesInFlightCycle(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.connect(t, "T1@acct1")

	gated := &gatedTransport{
		Memory:  h.tr,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	rt, err := New(context.Background(), baseConfig(), gated, h.st,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return epoch }),
		WithIDGenerator(ids.NewSequentialGenerator("id")),
		WithSink(h.recorder),
	)
	require.NoError(t, err)

	require.NoError(t, rt.Start(time.Hour))
	select {
	case <-gated.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll cycle did not start")
	}

	stopped := make(chan struct{})
	go func() {
		rt.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	assert.Len(t, h.tr.Messages("T1"), 1, "ack sent")
	assert.Equal(t, int64(1), rt.Cursor(inboundTopic))
	assert.Equal(t, 1, h.recorder.Count(events.ConnectionEstablished))

	snap, err := h.st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Cursors[inboundTopic], "cursor persisted")
	assert.Len(t, snap.Connections, 1)
}

func TestRuntime_RunReturnsOnCancel(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.rt.Run(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), baseConfig(), nil, state.NewMemory())
	assert.Error(t, err)
	_, err = New(context.Background(), baseConfig(), transport.NewMemory(nil), nil)
	assert.Error(t, err)
}

func TestNew_LoadFailure(t *testing.T) {
	st := state.NewMemory()
	require.NoError(t, st.Close())
	_, err := New(context.Background(), baseConfig(), transport.NewMemory(nil), st, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, state.ErrClosed)
}

func TestRuntimeError_Format(t *testing.T) {
	err := newTransportError("IN", 4, "poll failed", errors.New("timeout"))
	assert.Equal(t, "TRANSPORT_FAILURE: poll failed (topic=IN, seq=4): timeout", err.Error())
	assert.True(t, IsTransportError(err))
	assert.False(t, IsStorageError(err))

	wrapped := errors.Join(errors.New("other"), newStorageError("IN", 0, errors.New("disk")))
	assert.True(t, IsStorageError(wrapped))
	assert.True(t, IsStrategyError(newStrategyError("x", nil)))
}
