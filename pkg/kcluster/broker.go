package kcluster

import "context"

// Broker is the opaque per-node endpoint this package coordinates. The
// socket, TLS/SASL handshake, and wire framing behind an implementation
// are not this package's concern; it only needs the operations below.
//
// See internal/kwire for a default implementation built on real Kafka
// protocol message shapes.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	NodeID() int32
	Addr() string

	Metadata(ctx context.Context, topics []string) (ClusterMetadata, error)
	FindGroupCoordinator(ctx context.Context, groupID string, coordinatorType CoordinatorType) (GroupCoordinator, error)
	ListOffsets(ctx context.Context, isolationLevel IsolationLevel, topics []ListOffsetsTopicRequest) ([]ListOffsetsTopicResponse, error)
}

// BrokerFactory builds a Broker bound to meta. It is supplied by the
// caller at Cluster construction; this package never dials a socket
// itself.
type BrokerFactory func(ctx context.Context, meta BrokerMetadata) (Broker, error)
