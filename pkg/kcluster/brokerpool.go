package kcluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

// BrokerPool owns every connected Broker and the latest ClusterMetadata
// snapshot. Readers load the snapshot via atomic.Pointer so a refresh in
// flight never blocks a concurrent FindBroker; the two operations that
// must not race with themselves (connecting a new broker, refreshing
// metadata) are each coalesced with their own singleflight.Group.
type BrokerPool struct {
	cfg     Config
	builder *ConnectionBuilder
	logger  *slog.Logger

	mu      sync.RWMutex
	brokers map[int32]Broker

	metadata atomic.Pointer[ClusterMetadata]

	connectGroup  singleflight.Group
	refreshGroup  singleflight.Group
}

// NewBrokerPool returns an empty pool bound to builder.
func NewBrokerPool(cfg Config, builder *ConnectionBuilder, logger *slog.Logger) *BrokerPool {
	if logger == nil {
		logger = defaultLogger()
	}
	return &BrokerPool{
		cfg:     cfg,
		builder: builder,
		logger:  logger,
		brokers: make(map[int32]Broker),
	}
}

// Connect dials the seed list and performs the first metadata refresh.
func (p *BrokerPool) Connect(ctx context.Context) error {
	seed, err := p.builder.BuildSeeds(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.brokers[seed.NodeID()] = seed
	p.mu.Unlock()

	_, err = p.RefreshMetadata(ctx, nil)
	return err
}

// Disconnect disconnects every broker currently held by the pool.
func (p *BrokerPool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, b := range p.brokers {
		if err := b.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.brokers, id)
	}
	p.metadata.Store(nil)
	return firstErr
}

// HasConnectedBrokers reports whether the pool holds at least one
// broker whose IsConnected() is true.
func (p *BrokerPool) HasConnectedBrokers() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.brokers {
		if b.IsConnected() {
			return true
		}
	}
	return false
}

// Metadata returns the current snapshot, or nil if none has been
// loaded yet.
func (p *BrokerPool) Metadata() *ClusterMetadata {
	return p.metadata.Load()
}

// RefreshMetadataIfNecessary refreshes only if the current snapshot is
// older than cfg.MetadataMaxAge or absent.
func (p *BrokerPool) RefreshMetadataIfNecessary(ctx context.Context, topics []string) (*ClusterMetadata, error) {
	current := p.metadata.Load()
	if current != nil && p.cfg.MetadataMaxAge > 0 && time.Since(current.FetchedAt) < p.cfg.MetadataMaxAge {
		return current, nil
	}
	return p.RefreshMetadata(ctx, topics)
}

// RefreshMetadata fetches fresh cluster metadata scoped to topics (all
// topics if topics is empty) from any connected broker, reconciles the
// broker set against it (dropping brokers no longer present; newly
// reported ones are connected lazily by FindBroker, not here), and
// swaps in the new snapshot atomically. Concurrent callers of
// RefreshMetadata are coalesced onto a single in-flight fetch via
// singleflight.
func (p *BrokerPool) RefreshMetadata(ctx context.Context, topics []string) (*ClusterMetadata, error) {
	v, err, _ := p.refreshGroup.Do("refresh", func() (any, error) {
		return p.doRefreshMetadata(ctx, topics)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClusterMetadata), nil
}

func (p *BrokerPool) doRefreshMetadata(ctx context.Context, topics []string) (*ClusterMetadata, error) {
	b, err := p.anyConnectedBroker()
	if err != nil {
		return nil, err
	}

	meta, err := b.Metadata(ctx, topics)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.KindTransport, err, "metadata refresh failed")
	}
	meta.FetchedAt = time.Now()

	p.reconcile(meta, b.NodeID())

	p.metadata.Store(&meta)
	return &meta, nil
}

// reconcile drops brokers the pool holds that meta no longer reports.
// It deliberately does not connect brokers meta newly reports —
// findBroker connects lazily on first use, so a broker nobody has asked
// for yet never pays a connection's cost. servingNodeID is excluded
// from the drop set so reconcile never tears down the very connection
// that fetched meta.
func (p *BrokerPool) reconcile(meta ClusterMetadata, servingNodeID int32) {
	reported := make(map[int32]struct{}, len(meta.Brokers))
	for _, bm := range meta.Brokers {
		reported[bm.NodeID] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, b := range p.brokers {
		if id == servingNodeID {
			continue
		}
		if _, ok := reported[id]; !ok {
			if err := b.Disconnect(); err != nil {
				p.logger.Warn("failed to disconnect broker dropped from metadata", "node_id", id, "error", err)
			}
			delete(p.brokers, id)
		}
	}
}

// connectBroker builds and connects a single broker, coalescing
// concurrent attempts to connect the same node ID. A waiter races the
// coalesced connect against cfg.LockTimeout; a waiter that loses the
// race gets KindLockTimeout without cancelling the connect itself,
// which keeps running under the context of the caller that started it;
// a later caller for the same node ID joins it while it is in flight.
func (p *BrokerPool) connectBroker(ctx context.Context, meta BrokerMetadata) (Broker, error) {
	key := fmt.Sprintf("%d", meta.NodeID)
	resultCh := p.connectGroup.DoChan(key, func() (any, error) {
		return p.builder.Build(ctx, meta)
	})

	if p.cfg.LockTimeout <= 0 {
		res := <-resultCh
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Broker), nil
	}

	timer := time.NewTimer(p.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Broker), nil
	case <-timer.C:
		return nil, kcerr.Newf(kcerr.KindLockTimeout, "timed out after %s waiting to connect broker %d", p.cfg.LockTimeout, meta.NodeID)
	case <-ctx.Done():
		return nil, kcerr.Wrap(kcerr.KindLockTimeout, ctx.Err(), "context done waiting to connect broker")
	}
}

func (p *BrokerPool) anyConnectedBroker() (Broker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.brokers {
		if b.IsConnected() {
			return b, nil
		}
	}
	return nil, kcerr.New(kcerr.KindBrokerNotConnected, "no connected brokers available")
}

// FindBroker returns the broker for nodeID, connecting it from the
// current metadata snapshot if the pool doesn't already hold it.
func (p *BrokerPool) FindBroker(ctx context.Context, nodeID int32) (Broker, error) {
	p.mu.RLock()
	b, ok := p.brokers[nodeID]
	p.mu.RUnlock()
	if ok {
		return b, nil
	}

	meta := p.metadata.Load()
	if meta == nil {
		return nil, kcerr.New(kcerr.KindMetadataNotLoaded, "no cluster metadata loaded")
	}
	for _, bm := range meta.Brokers {
		if bm.NodeID == nodeID {
			b, err := p.connectBroker(ctx, bm)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.brokers[nodeID] = b
			p.mu.Unlock()
			return b, nil
		}
	}
	return nil, kcerr.Newf(kcerr.KindBrokerNotFound, "no broker with node id %d in current metadata", nodeID)
}

// WithBroker runs fn against the broker identified by nodeID. It is a
// free function rather than a BrokerPool method because Go does not
// permit a method to carry its own type parameter.
func WithBroker[T any](ctx context.Context, p *BrokerPool, nodeID int32, fn func(b Broker) (T, error)) (T, error) {
	var zero T
	b, err := p.FindBroker(ctx, nodeID)
	if err != nil {
		return zero, err
	}
	return fn(b)
}

// WithAnyBroker runs fn against any one currently connected broker,
// rather than a specific node ID. Callers that need an answer from the
// cluster but don't care which member answers (e.g. resolving a group
// coordinator) use this instead of pinning a particular broker.
func WithAnyBroker[T any](p *BrokerPool, fn func(b Broker) (T, error)) (T, error) {
	var zero T
	b, err := p.anyConnectedBroker()
	if err != nil {
		return zero, err
	}
	return fn(b)
}
