package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/router"
	"github.com/roach88/hcsagent/internal/transport"
	"github.com/roach88/hcsagent/internal/wire"
)

// ConnectionManager is an external library that keeps its own connection
// bookkeeping. When one is configured, connection requests are handed to it
// and the connections it reports are adopted into the registry.
//
// Init is called once from New. The returned Connection needs only
// PeerTopicID; missing ids and timestamps are assigned by the registry.
type ConnectionManager interface {
	Init(ctx context.Context) error
	HandleConnectionRequest(ctx context.Context, peer wire.PeerLocator) (registry.Connection, error)
}

// Strategy routes one admitted message. Strategy names appear in logs and
// in the status API.
type Strategy interface {
	Name() string
	Route(ctx context.Context, msg transport.Message) router.Result
}

const (
	StrategyDirect  = "direct"
	StrategyManaged = "managed"
)

type directStrategy struct {
	router *router.Router
}

func (s directStrategy) Name() string { return StrategyDirect }

func (s directStrategy) Route(ctx context.Context, msg transport.Message) router.Result {
	return s.router.Route(ctx, msg)
}

// managedStrategy routes through the connection manager until it fails
// once, then permanently through the direct router. A message whose
// managed routing failed is re-routed directly; the failed attempt has no
// effect, so no message is applied twice.
type managedStrategy struct {
	managed *router.Router
	direct  *router.Router
	onFail  func(ctx context.Context, err error)

	mu     sync.Mutex
	failed bool
}

func (s *managedStrategy) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return StrategyDirect
	}
	return StrategyManaged
}

func (s *managedStrategy) Route(ctx context.Context, msg transport.Message) router.Result {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed {
		return s.direct.Route(ctx, msg)
	}

	res := s.managed.Route(ctx, msg)
	if res.Err == nil {
		return res
	}

	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	s.onFail(ctx, res.Err)
	return s.direct.Route(ctx, msg)
}

// managedConnector adapts a ConnectionManager to router.Connector.
type managedConnector struct {
	manager  ConnectionManager
	registry *registry.Registry
}

func (c managedConnector) Connect(ctx context.Context, peer wire.PeerLocator) (conn registry.Connection, created bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			conn, created, err = registry.Connection{}, false, fmt.Errorf("connection manager panic: %v", p)
		}
	}()

	reported, err := c.manager.HandleConnectionRequest(ctx, peer)
	if err != nil {
		return registry.Connection{}, false, err
	}
	if reported.PeerTopicID == "" {
		reported.PeerTopicID = peer.TopicID
	}
	if reported.PeerAccountID == "" {
		reported.PeerAccountID = peer.AccountID
	}
	return c.registry.Adopt(ctx, reported)
}

// initManager calls Init, converting a panic into an error.
func initManager(ctx context.Context, m ConnectionManager) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("connection manager panic: %v", p)
		}
	}()
	return m.Init(ctx)
}
