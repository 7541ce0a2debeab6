package agent

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/roach88/hcsagent/internal/observability"
	"github.com/roach88/hcsagent/internal/router"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/wire"
)

// Default outbound send budget.
const (
	DefaultSendRate  = 10.0
	DefaultSendBurst = 10
)

// outbox publishes router output through a token bucket. A failed send is
// logged and counted but never retried within the cycle.
type outbox struct {
	transport transport.Transport
	limiter   *rate.Limiter
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func newOutbox(t transport.Transport, perSecond float64, burst int, m *observability.Metrics, logger *slog.Logger) *outbox {
	if perSecond <= 0 {
		perSecond = DefaultSendRate
	}
	if burst <= 0 {
		burst = DefaultSendBurst
	}
	return &outbox{
		transport: t,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		metrics:   m,
		logger:    logger,
	}
}

// send publishes each envelope in order and returns the failures.
func (o *outbox) send(ctx context.Context, out []router.Outbound) []error {
	var errs []error
	for _, ob := range out {
		if err := o.sendOne(ctx, ob); err != nil {
			o.logger.Error("send failed",
				"topic", ob.TopicID,
				"operation", ob.Envelope.Operation,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errs
}

func (o *outbox) sendOne(ctx context.Context, ob router.Outbound) error {
	if err := o.limiter.Wait(ctx); err != nil {
		o.metrics.ObserveSend(err)
		return newTransportError(ob.TopicID, 0, "send rate limiter", err)
	}
	payload, err := wire.Marshal(ob.Envelope)
	if err != nil {
		o.metrics.ObserveSend(err)
		return newTransportError(ob.TopicID, 0, "encode envelope", err)
	}
	seq, err := o.transport.SendMessage(ctx, ob.TopicID, payload)
	o.metrics.ObserveSend(err)
	if err != nil {
		return newTransportError(ob.TopicID, 0, "send message", err)
	}
	o.logger.Debug("message sent",
		"topic", ob.TopicID,
		"operation", ob.Envelope.Operation,
		"seq", seq,
	)
	return nil
}
