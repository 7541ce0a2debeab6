package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hcsagent/internal/cursor"
	"github.com/roach88/hcsagent/internal/events"
	"github.com/roach88/hcsagent/internal/ids"
	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/router"
	"github.com/roach88/hcsagent/internal/state"
	"github.com/roach88/hcsagent/internal/transport"
)

// DefaultPollInterval is used by Run when Config.PollInterval is zero.
const DefaultPollInterval = 5 * time.Second

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("agent: already running")

// Config describes one agent instance.
type Config struct {
	AgentID string

	// InboundTopics are polled in order every cycle.
	InboundTopics []string

	// ResponderTopic is advertised in connection_created. Empty means the
	// topic each request arrived on.
	ResponderTopic string

	PollInterval time.Duration

	// SendRate and SendBurst bound outbound publishing.
	SendRate  float64
	SendBurst int

	// Treasury is the fallback pre-balance snapshot.
	Treasury ledger.Balances
}

// Runtime is one agent's poll loop and the state it owns.
type Runtime struct {
	cfg       Config
	transport transport.Transport
	store     state.Store
	logger    *slog.Logger
	now       func() time.Time
	idGen     ids.Generator
	sink      events.Sink
	metrics   *observability.Metrics
	health    *observability.Health
	manager   ConnectionManager
	observer  func(transport.Message, router.Result)

	cursor   *cursor.Cursor
	registry *registry.Registry
	ledger   *ledger.Ledger
	strategy Strategy
	outbox   *outbox

	cycleMu sync.Mutex // serializes gate-and-dispatch

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithClock sets the wall clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithIDGenerator sets the id source for connections and executions.
// Default: UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(r *Runtime) { r.idGen = g }
}

// WithSink sets the event sink. Default: a LogSink on the runtime logger.
func WithSink(s events.Sink) Option {
	return func(r *Runtime) { r.sink = s }
}

// WithMetrics records runtime metrics. Metrics also receive every event.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithHealth shares a health monitor, e.g. with the status API.
func WithHealth(h *observability.Health) Option {
	return func(r *Runtime) { r.health = h }
}

// WithConnectionManager selects the managed strategy.
func WithConnectionManager(m ConnectionManager) Option {
	return func(r *Runtime) { r.manager = m }
}

// WithObserver is called with every routed message before its side effects
// are applied. Scenario runs use it to build traces.
func WithObserver(fn func(transport.Message, router.Result)) Option {
	return func(r *Runtime) { r.observer = fn }
}

// New loads persisted state from st and builds a runtime ready to poll.
//
// A connection manager that fails Init is dropped: the runtime starts on
// the direct strategy and reports itself degraded.
func New(ctx context.Context, cfg Config, tr transport.Transport, st state.Store, opts ...Option) (*Runtime, error) {
	if tr == nil {
		return nil, fmt.Errorf("agent: nil transport")
	}
	if st == nil {
		return nil, fmt.Errorf("agent: nil state store")
	}

	r := &Runtime{
		cfg:       cfg,
		transport: tr,
		store:     st,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.idGen == nil {
		r.idGen = ids.UUIDv7Generator{}
	}
	if r.health == nil {
		r.health = observability.NewHealth()
	}
	if r.sink == nil {
		r.sink = events.LogSink{Logger: r.logger}
	}
	if r.metrics != nil {
		r.sink = events.Fanout{r.sink, r.metrics}
	}
	r.logger = r.logger.With("agent", cfg.AgentID)

	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	r.cursor = cursor.NewFrom(snap.Cursors)
	r.registry = registry.New(st, r.idGen, r.now, snap.Connections)
	r.ledger = ledger.New(st, r.idGen, r.now, snap.Pending, snap.Executed)
	r.outbox = newOutbox(tr, cfg.SendRate, cfg.SendBurst, r.metrics, r.logger)

	routerCfg := router.Config{
		AgentID:     cfg.AgentID,
		ResponderID: cfg.ResponderTopic,
		Treasury:    cfg.Treasury,
	}
	direct := router.New(routerCfg, r.registry, r.ledger, nil, r.now)
	r.strategy = directStrategy{router: direct}

	if r.manager != nil {
		if err := initManager(ctx, r.manager); err != nil {
			r.degrade(ctx, newStrategyError("connection manager init failed", err))
		} else {
			connector := managedConnector{manager: r.manager, registry: r.registry}
			r.strategy = &managedStrategy{
				managed: router.New(routerCfg, r.registry, r.ledger, connector, r.now),
				direct:  direct,
				onFail: func(ctx context.Context, err error) {
					r.degrade(ctx, newStrategyError("connection manager failed", err))
				},
			}
		}
	}

	r.publishSizes()
	r.logger.Info("agent loaded",
		"strategy", r.strategy.Name(),
		"topics", cfg.InboundTopics,
		"connections", len(snap.Connections),
		"pending", len(snap.Pending),
		"executed", len(snap.Executed),
	)
	return r, nil
}

// PollOnce runs one complete poll cycle over every inbound topic.
//
// The returned error joins the transport failures of the cycle; it is
// informational, and the next cycle proceeds normally regardless.
func (r *Runtime) PollOnce(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.now()
	var errs []error
	for _, topic := range r.cfg.InboundTopics {
		if err := r.pollTopic(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	r.health.PollFinished(r.now(), err)
	r.metrics.ObserveCycle(r.now().Sub(start))
	r.publishSizes()
	return err
}

func (r *Runtime) pollTopic(ctx context.Context, topic string) error {
	msgs, err := r.transport.PollMessages(ctx, topic, r.cursor.Position(topic))
	if err != nil {
		r.metrics.ObservePollError()
		rerr := newTransportError(topic, 0, "poll failed", err)
		r.logger.Error("poll failed", "topic", topic, "error", err)
		return rerr
	}

	for _, msg := range msgs {
		if !r.cursor.ShouldProcess(topic, msg.SequenceNumber) {
			r.logger.Debug("skipping seen message", "topic", topic, "seq", msg.SequenceNumber)
			continue
		}
		r.dispatch(ctx, msg)
	}
	return nil
}

// dispatch routes one admitted message and applies its side effects.
func (r *Runtime) dispatch(ctx context.Context, msg transport.Message) {
	res := r.strategy.Route(ctx, msg)
	r.logResult(msg, res)
	r.metrics.ObserveMessage(msg.TopicID, string(res.State))
	if r.observer != nil {
		r.observer(msg, res)
	}

	storageOK := true
	for _, err := range res.StorageErrs {
		storageOK = false
		r.storageFailed(ctx, msg, err)
	}

	if errs := r.outbox.send(ctx, res.Outbound); len(errs) > 0 {
		r.health.SendFailed(errors.Join(errs...), r.now())
	} else if len(res.Outbound) > 0 {
		r.health.SendRecovered()
	}

	for _, e := range res.Events {
		r.sink.Emit(ctx, e)
	}

	if err := r.store.SaveCursor(ctx, msg.TopicID, msg.SequenceNumber); err != nil {
		storageOK = false
		r.storageFailed(ctx, msg, err)
	}
	if storageOK {
		r.health.StorageRecovered()
	}
}

func (r *Runtime) logResult(msg transport.Message, res router.Result) {
	attrs := []any{
		"topic", msg.TopicID,
		"seq", msg.SequenceNumber,
		"state", res.State,
		"reason", res.Reason,
	}
	switch res.State {
	case router.Malformed:
		r.logger.Warn("malformed message", append(attrs, "raw", string(msg.Contents))...)
	case router.Rejected:
		r.logger.Warn("message rejected", attrs...)
	case router.Ignored:
		r.logger.Debug("message ignored", attrs...)
	default:
		r.logger.Info("message handled", append(attrs, "outbound", len(res.Outbound))...)
	}
}

func (r *Runtime) storageFailed(ctx context.Context, msg transport.Message, err error) {
	rerr := newStorageError(msg.TopicID, msg.SequenceNumber, err)
	r.logger.Error("storage failure", "topic", msg.TopicID, "seq", msg.SequenceNumber, "error", err)
	r.metrics.ObserveStorageError()
	r.health.StorageFailed(rerr, r.now())
	r.sink.Emit(ctx, events.Event{
		Kind:       events.StorageFailed,
		AgentID:    r.cfg.AgentID,
		OccurredAt: r.now().UTC(),
		Detail:     rerr.Error(),
	})
}

func (r *Runtime) degrade(ctx context.Context, err *RuntimeError) {
	r.logger.Warn("falling back to direct connection handling", "error", err)
	r.metrics.SetDegraded(true)
	r.health.Degrade(err.Error())
	r.sink.Emit(ctx, events.Event{
		Kind:       events.AgentDegraded,
		AgentID:    r.cfg.AgentID,
		OccurredAt: r.now().UTC(),
		Detail:     err.Error(),
	})
}

func (r *Runtime) publishSizes() {
	r.metrics.SetSizes(r.registry.Len(), len(r.ledger.ListPending()), len(r.ledger.ListExecuted()))
}

// Run polls every interval until ctx is cancelled. The first cycle starts
// immediately; the next is scheduled only after the previous one returns.
// A cycle in flight when ctx is cancelled runs to completion.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.cfg.PollInterval
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r.logger.Info("agent starting", "interval", interval, "strategy", r.strategy.Name())

	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("agent stopping: context cancelled")
			return ctx.Err()
		case <-timer.C:
			// Errors are logged inside the cycle; the loop is self-healing.
			_ = r.PollOnce(cycleCtx)
			timer.Reset(interval)
		}
	}
}

// Start runs the loop in a background goroutine.
func (r *Runtime) Start(interval time.Duration) error {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.done != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	go func() {
		defer close(done)
		_ = r.Run(ctx, interval)
	}()
	return nil
}

// Stop halts a loop started with Start and waits for the in-flight cycle
// to finish. It is a no-op when the loop is not running.
func (r *Runtime) Stop() {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("agent stopped")
}

// Connections returns established connections in insertion order.
func (r *Runtime) Connections() []registry.Connection { return r.registry.ListAll() }

// Pending returns pending proposals in receipt order.
func (r *Runtime) Pending() []ledger.PendingProposal { return r.ledger.ListPending() }

// Executed returns executed proposals in execution order.
func (r *Runtime) Executed() []ledger.ExecutedProposal { return r.ledger.ListExecuted() }

// Cursor returns the last processed sequence number for topic.
func (r *Runtime) Cursor(topic string) int64 { return r.cursor.Position(topic) }

// Health returns the current health snapshot.
func (r *Runtime) Health() observability.HealthSnapshot { return r.health.Snapshot() }

// StrategyName reports the strategy currently routing messages.
func (r *Runtime) StrategyName() string { return r.strategy.Name() }
