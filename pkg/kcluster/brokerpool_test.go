package kcluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

func newTestPool(t *testing.T, registry map[int32]*fakeBroker) (*BrokerPool, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectionBuilder.Seeds = []Seed{{Host: "seed0", Port: 9092}}

	cb, err := NewConnectionBuilder(cfg.ConnectionBuilder, fakeBrokerFactory(registry))
	require.NoError(t, err)

	return NewBrokerPool(cfg, cb, nil), cfg
}

func TestBrokerPool_ConnectLoadsInitialMetadata(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, _ := newTestPool(t, registry)

	// registry is still empty here, so this loop configures no broker;
	// the seed gets its metadata (broker 1 as the sole cluster member)
	// below.
	for _, b := range registry {
		b.metadata = ClusterMetadata{
			Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}},
		}
	}
	// registry is empty before Connect runs the factory, so pre-seed by
	// building the seed broker's id deterministically instead.
	seedID := seedNodeID(Seed{Host: "seed0", Port: 9092})
	registry[seedID] = newFakeBroker(seedID, "seed0")
	registry[seedID].metadata = ClusterMetadata{
		Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}},
	}

	err := pool.Connect(context.Background())
	require.NoError(t, err)

	meta := pool.Metadata()
	require.NotNil(t, meta)
	require.Len(t, meta.Brokers, 1)
	require.Equal(t, int32(1), meta.Brokers[0].NodeID)

	b, err := pool.FindBroker(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int32(1), b.NodeID())
	require.True(t, b.IsConnected())
}

func TestBrokerPool_RefreshMetadataIfNecessarySkipsWhenFresh(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, cfg := newTestPool(t, registry)
	_ = cfg

	seedID := seedNodeID(Seed{Host: "seed0", Port: 9092})
	registry[seedID] = newFakeBroker(seedID, "seed0")
	registry[seedID].metadata = ClusterMetadata{Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}}}

	require.NoError(t, pool.Connect(context.Background()))

	seed := registry[seedID]
	callsBefore := seed.metadataCallCount

	_, err := pool.RefreshMetadataIfNecessary(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, callsBefore, seed.metadataCallCount, "fresh metadata should not trigger another fetch")
}

func TestBrokerPool_RefreshMetadataIfNecessaryRefreshesWhenStale(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, cfg := newTestPool(t, registry)
	cfg.MetadataMaxAge = time.Nanosecond
	pool.cfg.MetadataMaxAge = time.Nanosecond

	seedID := seedNodeID(Seed{Host: "seed0", Port: 9092})
	registry[seedID] = newFakeBroker(seedID, "seed0")
	registry[seedID].metadata = ClusterMetadata{Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}}}

	require.NoError(t, pool.Connect(context.Background()))
	time.Sleep(time.Millisecond)

	seed := registry[seedID]
	callsBefore := seed.metadataCallCount

	_, err := pool.RefreshMetadataIfNecessary(context.Background(), nil)
	require.NoError(t, err)
	require.Greater(t, seed.metadataCallCount, callsBefore)
}

func TestBrokerPool_FindBrokerUnknownNodeWithNoMetadata(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, _ := newTestPool(t, registry)

	_, err := pool.FindBroker(context.Background(), 99)
	require.Error(t, err)
}

func TestBrokerPool_ReconcileDoesNotEagerlyConnectNewBrokers(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, _ := newTestPool(t, registry)

	seedID := seedNodeID(Seed{Host: "seed0", Port: 9092})
	registry[seedID] = newFakeBroker(seedID, "seed0")
	registry[seedID].metadata = ClusterMetadata{
		Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}},
	}

	require.NoError(t, pool.Connect(context.Background()))

	// broker 1 was only ever reported in metadata, never requested — it
	// must not have been connected by reconcile.
	_, exists := registry[1]
	require.False(t, exists, "reconcile must not eagerly connect a newly reported broker")

	// the seed served the refresh and must stay connected and reachable
	// for a subsequent refresh, even though it isn't itself reported in
	// the metadata it just fetched.
	seed := registry[seedID]
	require.True(t, seed.IsConnected())

	_, err := pool.RefreshMetadata(context.Background(), nil)
	require.NoError(t, err)
	require.Greater(t, seed.metadataCallCount, 1)
}

// slowConnectBroker is a Broker whose Connect blocks for delay, used to
// exercise connectBroker's LockTimeout race without a real socket.
type slowConnectBroker struct {
	nodeID int32
	addr   string
	delay  time.Duration
}

func (b *slowConnectBroker) Connect(ctx context.Context) error {
	select {
	case <-time.After(b.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (b *slowConnectBroker) Disconnect() error  { return nil }
func (b *slowConnectBroker) IsConnected() bool  { return true }
func (b *slowConnectBroker) NodeID() int32      { return b.nodeID }
func (b *slowConnectBroker) Addr() string       { return b.addr }
func (b *slowConnectBroker) Metadata(ctx context.Context, topics []string) (ClusterMetadata, error) {
	return ClusterMetadata{}, nil
}
func (b *slowConnectBroker) FindGroupCoordinator(ctx context.Context, groupID string, coordinatorType CoordinatorType) (GroupCoordinator, error) {
	return GroupCoordinator{}, nil
}
func (b *slowConnectBroker) ListOffsets(ctx context.Context, isolationLevel IsolationLevel, topics []ListOffsetsTopicRequest) ([]ListOffsetsTopicResponse, error) {
	return nil, nil
}

func TestBrokerPool_ConnectBrokerTimesOutPastLockTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionBuilder.Seeds = []Seed{{Host: "seed0", Port: 9092}}
	cfg.LockTimeout = time.Millisecond

	slow := &slowConnectBroker{nodeID: 1, addr: "broker1", delay: time.Second}
	cb, err := NewConnectionBuilder(cfg.ConnectionBuilder, func(ctx context.Context, meta BrokerMetadata) (Broker, error) {
		return slow, nil
	})
	require.NoError(t, err)
	pool := NewBrokerPool(cfg, cb, nil)

	_, err = pool.connectBroker(context.Background(), BrokerMetadata{NodeID: 1, Host: "broker1", Port: 9092})
	require.Error(t, err)
	require.True(t, kcerr.Is(err, kcerr.KindLockTimeout))
}

func TestBrokerPool_DisconnectClearsBrokersAndMetadata(t *testing.T) {
	registry := map[int32]*fakeBroker{}
	pool, _ := newTestPool(t, registry)

	seedID := seedNodeID(Seed{Host: "seed0", Port: 9092})
	registry[seedID] = newFakeBroker(seedID, "seed0")
	registry[seedID].metadata = ClusterMetadata{Brokers: []BrokerMetadata{{NodeID: 1, Host: "broker1", Port: 9092}}}

	require.NoError(t, pool.Connect(context.Background()))
	require.NoError(t, pool.Disconnect())

	require.False(t, pool.HasConnectedBrokers())
	require.Nil(t, pool.Metadata())
}
