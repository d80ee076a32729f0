package kcluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"golang.org/x/sync/errgroup"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

// Cluster is the façade this package exposes: it owns a BrokerPool and a
// SubscriptionState and exposes the operations a consumer/producer
// client needs to stay oriented in a Kafka cluster without knowing
// anything about wire framing itself.
type Cluster struct {
	cfg     Config
	pool    *BrokerPool
	subs    *SubscriptionState
	logger  *slog.Logger

	mu           sync.RWMutex
	targetTopics map[string]struct{}

	offsetsMu sync.Mutex
	committed map[string]map[string]map[int32]string // groupId -> topic -> partition -> offset
}

// NewCluster builds a Cluster around builder. Connect must be called
// before any other operation that requires cluster metadata.
func NewCluster(cfg Config, builder *ConnectionBuilder, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Cluster{
		cfg:          cfg,
		pool:         NewBrokerPool(cfg, builder, logger),
		subs:         NewSubscriptionState(),
		logger:       logger,
		targetTopics: make(map[string]struct{}),
		committed:    make(map[string]map[string]map[int32]string),
	}
}

// Connect dials the seed brokers and performs the initial metadata load.
func (c *Cluster) Connect(ctx context.Context) error {
	_, err := Run(ctx, c.cfg.Retry, func(bail func(error), attempt int, elapsed time.Duration) (struct{}, error) {
		return struct{}{}, c.pool.Connect(ctx)
	})
	return err
}

// Disconnect tears down every broker connection held by the cluster.
func (c *Cluster) Disconnect() error {
	return c.pool.Disconnect()
}

// Subscriptions exposes the cluster's pause/resume state.
func (c *Cluster) Subscriptions() *SubscriptionState {
	return c.subs
}

// AddTargetTopic registers topic as one the cluster should keep metadata
// loaded for on refresh.
func (c *Cluster) AddTargetTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetTopics[topic] = struct{}{}
}

// AddMultipleTargetTopics registers every topic in topics.
func (c *Cluster) AddMultipleTargetTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.targetTopics[t] = struct{}{}
	}
}

func (c *Cluster) snapshotTargetTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.targetTopics))
	for t := range c.targetTopics {
		out = append(out, t)
	}
	return out
}

// Metadata returns the most recently refreshed cluster metadata,
// refreshing first if the current snapshot is missing or stale. A
// LEADER_NOT_AVAILABLE partition error in the refreshed snapshot (a
// leader election still in progress) is retried per the configured
// RetryConfig; every other refresh failure bails immediately.
func (c *Cluster) Metadata(ctx context.Context) (*ClusterMetadata, error) {
	return Run(ctx, c.cfg.Retry, func(bail func(error), attempt int, elapsed time.Duration) (*ClusterMetadata, error) {
		refresh := c.pool.RefreshMetadataIfNecessary
		if attempt > 0 {
			// a still-fresh snapshot would hand back the same
			// LEADER_NOT_AVAILABLE partition, so retries always fetch
			refresh = c.pool.RefreshMetadata
		}
		meta, err := refresh(ctx, c.snapshotTargetTopics())
		if err != nil {
			bail(err)
			return nil, err
		}
		if err := leaderNotAvailableError(meta); err != nil {
			return nil, err
		}
		return meta, nil
	})
}

// leaderNotAvailableError returns a KindProtocol error if meta reports
// LEADER_NOT_AVAILABLE for any partition, so Metadata's retrier can
// distinguish "leader election still in progress, try again" from
// every other partition-level error.
func leaderNotAvailableError(meta *ClusterMetadata) error {
	for _, tm := range meta.TopicMetadata {
		for _, pm := range tm.PartitionMetadata {
			if pm.ErrorCode == kerr.LeaderNotAvailable.Code {
				return kcerr.Newf(kcerr.KindProtocol, "leader not available for %s[%d]", tm.Topic, pm.PartitionID).WithCode(pm.ErrorCode)
			}
		}
	}
	return nil
}

// shouldRefreshOnFailure reports whether err is one of the failure
// kinds that should trigger a metadata refresh before being surfaced:
// the broker the caller wanted is gone from the last snapshot, the
// per-broker connect lock timed out, or the connection was outright
// refused.
func shouldRefreshOnFailure(err error) bool {
	return kcerr.Is(err, kcerr.KindBrokerNotFound) ||
		kcerr.Is(err, kcerr.KindLockTimeout) ||
		isConnectionRefused(err)
}

// FindBroker returns the broker for nodeID. If the lookup fails with
// BrokerNotFound, LockTimeout, or a connection refusal, a metadata
// refresh is triggered before the error is surfaced, so the caller's
// next attempt sees a fresher view of the cluster.
func (c *Cluster) FindBroker(ctx context.Context, nodeID int32) (Broker, error) {
	b, err := c.pool.FindBroker(ctx, nodeID)
	if err != nil && shouldRefreshOnFailure(err) {
		c.logger.Debug("refreshing metadata after broker lookup failure", "node_id", nodeID, "error", err)
		_, _ = c.pool.RefreshMetadata(ctx, c.snapshotTargetTopics())
	}
	return b, err
}

// FindControllerBroker returns the broker currently acting as cluster
// controller.
func (c *Cluster) FindControllerBroker(ctx context.Context) (Broker, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta.ControllerID == nil {
		return nil, kcerr.New(kcerr.KindBrokerNotFound, "no controller reported in current metadata")
	}
	return c.pool.FindBroker(ctx, *meta.ControllerID)
}

// FindTopicPartitionMetadata returns the partition metadata for topic,
// refreshing metadata first if necessary. It returns a
// TopicMetadataNotLoaded error if topic isn't present in the refreshed
// snapshot.
func (c *Cluster) FindTopicPartitionMetadata(ctx context.Context, topic string) ([]PartitionMetadata, error) {
	meta, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	for _, tm := range meta.TopicMetadata {
		if tm.Topic == topic {
			return tm.PartitionMetadata, nil
		}
	}
	return nil, kcerr.Newf(kcerr.KindTopicMetadataNotLoaded, "no metadata loaded for topic %q", topic)
}

// FindLeaderForPartitions maps each requested partition of topic to its
// current leader node ID. It fails with InvalidPartitionMetadata if a
// requested partition isn't present in the topic's metadata at all, or
// is present but reports a null leader (leader election in progress).
func (c *Cluster) FindLeaderForPartitions(ctx context.Context, topic string, partitions []int32) (map[int32]int32, error) {
	parts, err := c.FindTopicPartitionMetadata(ctx, topic)
	if err != nil {
		return nil, err
	}

	byPartition := make(map[int32]PartitionMetadata, len(parts))
	for _, pm := range parts {
		byPartition[pm.PartitionID] = pm
	}

	leaders := make(map[int32]int32, len(partitions))
	for _, p := range partitions {
		pm, ok := byPartition[p]
		if !ok {
			return nil, kcerr.Newf(kcerr.KindInvalidPartitionMetadata, "no metadata for %s[%d]", topic, p)
		}
		if pm.Leader == nil {
			return nil, kcerr.Newf(kcerr.KindInvalidPartitionMetadata, "partition %s[%d] has no current leader", topic, p)
		}
		leaders[p] = *pm.Leader
	}
	return leaders, nil
}

// findGroupCoordinatorMetadata asks any connected broker for the
// coordinator of id. The lookup itself is wrapped in a retrier that
// retries only GroupCoordinatorNotFound (the broker reported
// GROUP_COORDINATOR_NOT_AVAILABLE / load-in-progress) and fails
// GroupCoordinatorNotFound if the broker answers with no coordinator
// at all.
func (c *Cluster) findGroupCoordinatorMetadata(ctx context.Context, id string, coordinatorType CoordinatorType) (GroupCoordinator, error) {
	return Run(ctx, c.cfg.Retry, func(bail func(error), attempt int, elapsed time.Duration) (GroupCoordinator, error) {
		gc, err := WithAnyBroker(c.pool, func(b Broker) (GroupCoordinator, error) {
			return b.FindGroupCoordinator(ctx, id, coordinatorType)
		})
		if err != nil {
			if kcerr.Is(err, kcerr.KindGroupCoordinatorNotFound) {
				return GroupCoordinator{}, err
			}
			bail(err)
			return GroupCoordinator{}, err
		}
		if gc.Host == "" || gc.Coordinator.NodeID < 0 {
			return GroupCoordinator{}, kcerr.Newf(kcerr.KindGroupCoordinatorNotFound, "coordinator lookup for %q returned no coordinator", id)
		}
		return gc, nil
	})
}

// FindGroupCoordinator resolves and connects the broker that owns id's
// group (or transactional) coordinator state. On BrokerNotFound,
// GroupCoordinatorNotFound, or a connection refusal (and, when
// connecting the coordinator broker, LockTimeout) an attempt refreshes
// cluster metadata and rethrows to the outer retrier — every other
// failure bails immediately.
func (c *Cluster) FindGroupCoordinator(ctx context.Context, id string, coordinatorType CoordinatorType) (Broker, error) {
	return Run(ctx, c.cfg.Retry, func(bail func(error), attempt int, elapsed time.Duration) (Broker, error) {
		gc, err := c.findGroupCoordinatorMetadata(ctx, id, coordinatorType)
		if err != nil {
			if kcerr.Is(err, kcerr.KindBrokerNotFound) || kcerr.Is(err, kcerr.KindGroupCoordinatorNotFound) || isConnectionRefused(err) {
				c.logger.Debug("refreshing metadata after coordinator lookup failure", "group_id", id, "error", err)
				_, _ = c.pool.RefreshMetadata(ctx, c.snapshotTargetTopics())
				return nil, err
			}
			bail(err)
			return nil, err
		}

		b, err := c.pool.FindBroker(ctx, gc.Coordinator.NodeID)
		if err != nil {
			if shouldRefreshOnFailure(err) {
				c.logger.Debug("refreshing metadata after coordinator broker connect failure", "group_id", id, "node_id", gc.Coordinator.NodeID, "error", err)
				_, _ = c.pool.RefreshMetadata(ctx, c.snapshotTargetTopics())
				return nil, err
			}
			bail(err)
			return nil, err
		}
		return b, nil
	})
}

// FetchTopicsOffset resolves offsets for every topic/partition in
// topics, fanning a request out per topic's partition leaders
// concurrently. The first topic-level failure cancels the remaining
// in-flight lookups and is returned; callers that want partial results
// on partial failure should call this once per topic instead.
func (c *Cluster) FetchTopicsOffset(ctx context.Context, topics []OffsetFetchTopic, isolationLevel IsolationLevel) ([]TopicOffsets, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]TopicOffsets, len(topics))

	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			out, err := c.fetchSingleTopicOffset(ctx, topic, isolationLevel)
			if err != nil {
				return fmt.Errorf("topic %q: %w", topic.Topic, err)
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Cluster) fetchSingleTopicOffset(ctx context.Context, topic OffsetFetchTopic, isolationLevel IsolationLevel) (TopicOffsets, error) {
	partitionsByLeader := make(map[int32][]int32)

	partIDs := make([]int32, 0, len(topic.Partitions))
	for _, p := range topic.Partitions {
		partIDs = append(partIDs, p.Partition)
	}

	leaders, err := c.FindLeaderForPartitions(ctx, topic.Topic, partIDs)
	if err != nil {
		return TopicOffsets{}, err
	}
	for _, partID := range partIDs {
		leader := leaders[partID]
		partitionsByLeader[leader] = append(partitionsByLeader[leader], partID)
	}

	ts := DefaultOffset(topic.FromBeginning)

	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var partitions []PartitionOffset

	for leader, partIDs := range partitionsByLeader {
		leader, partIDs := leader, partIDs
		g.Go(func() error {
			reqParts := make([]ListOffsetsPartitionRequest, 0, len(partIDs))
			for _, p := range partIDs {
				reqParts = append(reqParts, ListOffsetsPartitionRequest{Partition: p, Timestamp: ts})
			}

			resp, err := WithBroker(ctx, c.pool, leader, func(b Broker) ([]ListOffsetsTopicResponse, error) {
				return b.ListOffsets(ctx, isolationLevel, []ListOffsetsTopicRequest{{Topic: topic.Topic, Partitions: reqParts}})
			})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, tr := range resp {
				for _, pr := range tr.Partitions {
					partitions = append(partitions, PartitionOffset{
						Partition: pr.Partition,
						Offset:    strconv.FormatInt(pr.Offset, 10),
					})
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return TopicOffsets{}, err
	}

	return TopicOffsets{Topic: topic.Topic, Partitions: partitions}, nil
}

// CommittedOffsets returns the last offsets recorded via
// MarkOffsetAsCommitted for groupID/topic. Offsets committed under a
// different groupID are never visible here.
func (c *Cluster) CommittedOffsets(groupID, topic string) map[int32]string {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()

	topics, ok := c.committed[groupID]
	if !ok {
		return nil
	}
	parts, ok := topics[topic]
	if !ok {
		return nil
	}
	out := make(map[int32]string, len(parts))
	for p, off := range parts {
		out[p] = off
	}
	return out
}

// MarkOffsetAsCommitted records offset as committed for
// groupID/topic/partition. This is purely local bookkeeping: the
// actual OffsetCommit protocol call is a producer/consumer concern
// outside this package's scope.
func (c *Cluster) MarkOffsetAsCommitted(groupID, topic string, partition int32, offset string) {
	c.offsetsMu.Lock()
	defer c.offsetsMu.Unlock()

	topics, ok := c.committed[groupID]
	if !ok {
		topics = make(map[string]map[int32]string)
		c.committed[groupID] = topics
	}
	parts, ok := topics[topic]
	if !ok {
		parts = make(map[int32]string)
		topics[topic] = parts
	}
	parts[partition] = offset
}

// isConnectionRefused reports whether err's message indicates a refused
// TCP connection, one of the failures after which FindBroker and
// FindGroupCoordinator refresh metadata.
func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "connection refused")
}
