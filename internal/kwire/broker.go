// Package kwire is the default Broker implementation for
// pkg/kcluster: it translates between kcluster's own metadata/offset
// types and the real Kafka wire protocol message shapes from
// github.com/twmb/franz-go/pkg/kmsg, using github.com/twmb/franz-go/pkg/kerr
// to turn protocol error codes into Go errors.
package kwire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
	"github.com/mahulst/kafkajs-go/pkg/kcluster"
)

// Requestor is the minimal dialed-connection contract kmsg's generated
// *Request.RequestWith needs. Dialer implementations hide the actual
// socket, TLS, and SASL handshake behind this single method.
type Requestor interface {
	Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
}

// Dialer opens a Requestor bound to a single broker address. It is the
// seam the ConnectionBuilder's BrokerFactory is built on top of.
//
// If SASL is configured, the pre-derived credential is retrievable from
// ctx via kcluster.CredentialFromContext so the handshake the Dialer
// performs doesn't have to re-derive it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Requestor, error)
}

// broker is the default kcluster.Broker implementation: a Requestor
// plus the node identity it was dialed for.
type broker struct {
	nodeID int32
	host   string
	port   int32
	dialer Dialer

	mu            sync.RWMutex
	conn          Requestor
	connected     atomic.Bool
	sessionID     string
	saslMechanism kcluster.SASLMechanism
}

// NewBrokerFactory adapts a Dialer into a kcluster.BrokerFactory.
func NewBrokerFactory(dialer Dialer) kcluster.BrokerFactory {
	return func(ctx context.Context, meta kcluster.BrokerMetadata) (kcluster.Broker, error) {
		return &broker{
			nodeID: meta.NodeID,
			host:   meta.Host,
			port:   meta.Port,
			dialer: dialer,
		}, nil
	}
}

func (b *broker) Addr() string { return fmt.Sprintf("%s:%d", b.host, b.port) }
func (b *broker) NodeID() int32 { return b.nodeID }

func (b *broker) Connect(ctx context.Context) error {
	if mech, _, _, ok := kcluster.CredentialFromContext(ctx); ok {
		b.saslMechanism = mech
	}

	conn, err := b.dialer.Dial(ctx, b.Addr())
	if err != nil {
		return kcerr.Wrap(kcerr.KindTransport, err, fmt.Sprintf("dial %s failed", b.Addr()))
	}
	sessionID := uuid.New().String()
	b.mu.Lock()
	b.conn = conn
	b.sessionID = sessionID
	b.mu.Unlock()
	b.connected.Store(true)
	return nil
}

// SessionID is a per-connection identifier assigned on Connect, useful
// for correlating this broker's log lines across a reconnect.
func (b *broker) SessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessionID
}

func (b *broker) Disconnect() error {
	b.connected.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	if closer, ok := b.conn.(interface{ Close() error }); ok {
		return closer.Close()
	}
	b.conn = nil
	return nil
}

func (b *broker) IsConnected() bool { return b.connected.Load() }

func (b *broker) requestor() (Requestor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil {
		return nil, kcerr.Newf(kcerr.KindBrokerNotConnected, "broker %d (%s) is not connected", b.nodeID, b.Addr())
	}
	return b.conn, nil
}

// Metadata issues a MetadataRequest scoped to topics (all topics if
// topics is empty) and translates the response into kcluster's own
// ClusterMetadata shape.
func (b *broker) Metadata(ctx context.Context, topics []string) (kcluster.ClusterMetadata, error) {
	conn, err := b.requestor()
	if err != nil {
		return kcluster.ClusterMetadata{}, err
	}

	req := kmsg.NewPtrMetadataRequest()
	for _, t := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(t)
		req.Topics = append(req.Topics, rt)
	}

	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return kcluster.ClusterMetadata{}, kcerr.Wrap(kcerr.KindTransport, err, fmt.Sprintf("metadata request failed (session %s)", b.SessionID()))
	}
	resp, ok := kresp.(*kmsg.MetadataResponse)
	if !ok {
		return kcluster.ClusterMetadata{}, kcerr.New(kcerr.KindTransport, "unexpected metadata response type")
	}

	out := kcluster.ClusterMetadata{}
	if resp.ControllerID >= 0 {
		id := resp.ControllerID
		out.ControllerID = &id
	}

	for _, br := range resp.Brokers {
		out.Brokers = append(out.Brokers, kcluster.BrokerMetadata{
			NodeID: br.NodeID,
			Host:   br.Host,
			Port:   br.Port,
			Rack:   br.Rack,
		})
	}

	for _, t := range resp.Topics {
		tm := kcluster.TopicMetadata{ErrorCode: t.ErrorCode}
		if t.Topic != nil {
			tm.Topic = *t.Topic
		}
		for _, p := range t.Partitions {
			pm := kcluster.PartitionMetadata{
				PartitionID: p.Partition,
				Replicas:    p.Replicas,
				ISR:         p.ISR,
				ErrorCode:   p.ErrorCode,
			}
			if p.Leader >= 0 {
				leader := p.Leader
				pm.Leader = &leader
			}
			tm.PartitionMetadata = append(tm.PartitionMetadata, pm)
		}
		out.TopicMetadata = append(out.TopicMetadata, tm)
	}

	return out, nil
}

// FindGroupCoordinator issues a FindCoordinatorRequest for id and
// translates the response into a kcluster.GroupCoordinator. A
// coordinator-not-available or load-in-progress error code is surfaced
// as a *kcerr.Error of KindGroupCoordinatorNotFound, so the retry
// harness keeps looking; any other error code is surfaced as
// KindProtocol. Both carry the code.
func (b *broker) FindGroupCoordinator(ctx context.Context, id string, coordinatorType kcluster.CoordinatorType) (kcluster.GroupCoordinator, error) {
	conn, err := b.requestor()
	if err != nil {
		return kcluster.GroupCoordinator{}, err
	}

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = id
	req.CoordinatorType = int8(coordinatorType)

	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return kcluster.GroupCoordinator{}, kcerr.Wrap(kcerr.KindTransport, err, "find coordinator request failed")
	}
	resp, ok := kresp.(*kmsg.FindCoordinatorResponse)
	if !ok {
		return kcluster.GroupCoordinator{}, kcerr.New(kcerr.KindTransport, "unexpected find coordinator response type")
	}

	if resp.ErrorCode != 0 {
		protoErr := kerr.ErrorForCode(resp.ErrorCode)
		kind := kcerr.KindProtocol
		if resp.ErrorCode == kerr.CoordinatorNotAvailable.Code ||
			resp.ErrorCode == kerr.CoordinatorLoadInProgress.Code {
			kind = kcerr.KindGroupCoordinatorNotFound
		}
		return kcluster.GroupCoordinator{}, kcerr.Wrap(kind, protoErr, fmt.Sprintf("find coordinator for %q failed", id)).WithCode(resp.ErrorCode)
	}

	return kcluster.GroupCoordinator{
		Host: resp.Host,
		Coordinator: kcluster.BrokerMetadata{
			NodeID: resp.NodeID,
			Host:   resp.Host,
			Port:   resp.Port,
		},
	}, nil
}

// ListOffsets issues a ListOffsetsRequest scoped to topics at the given
// isolation level and translates the response into kcluster's own
// shape.
func (b *broker) ListOffsets(ctx context.Context, isolationLevel kcluster.IsolationLevel, topics []kcluster.ListOffsetsTopicRequest) ([]kcluster.ListOffsetsTopicResponse, error) {
	conn, err := b.requestor()
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrListOffsetsRequest()
	req.IsolationLevel = int8(isolationLevel)
	for _, t := range topics {
		rt := kmsg.NewListOffsetsRequestTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewListOffsetsRequestTopicPartition()
			rp.Partition = p.Partition
			rp.Timestamp = p.Timestamp
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}

	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.KindTransport, err, "list offsets request failed")
	}
	resp, ok := kresp.(*kmsg.ListOffsetsResponse)
	if !ok {
		return nil, kcerr.New(kcerr.KindTransport, "unexpected list offsets response type")
	}

	out := make([]kcluster.ListOffsetsTopicResponse, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		tr := kcluster.ListOffsetsTopicResponse{Topic: t.Topic}
		for _, p := range t.Partitions {
			tr.Partitions = append(tr.Partitions, kcluster.ListOffsetsPartitionResponse{
				Partition: p.Partition,
				Offset:    p.Offset,
				ErrorCode: p.ErrorCode,
			})
		}
		out = append(out, tr)
	}
	return out, nil
}
