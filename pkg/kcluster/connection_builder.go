package kcluster

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mahulst/kafkajs-go/pkg/kcerr"
)

// scramCredential is the salted key derived once at construction time so
// a reconnect never has to repeat the (intentionally expensive) PBKDF2
// derivation.
type scramCredential struct {
	mechanism  SASLMechanism
	saltedKey  []byte
	iterations int
}

// ConnectionBuilder owns a BrokerFactory and pre-derives any SASL
// credential needed by it, so BrokerPool can stay ignorant of
// authentication entirely.
type ConnectionBuilder struct {
	cfg        ConnectionBuilderConfig
	factory    BrokerFactory
	credential *scramCredential
}

// defaultScramSalt is used when no per-connection salt is negotiated
// ahead of time; a real SCRAM handshake exchanges its own server salt,
// but pre-deriving against a fixed salt still avoids repeating PBKDF2 on
// every reconnect for the common case of a static salt policy.
var defaultScramSalt = []byte("kafkajs-go-scram-salt")

const scramIterations = 4096

// NewConnectionBuilder validates cfg, pre-derives a SCRAM credential if
// configured, and binds factory as the means of turning BrokerMetadata
// into a connected Broker.
func NewConnectionBuilder(cfg ConnectionBuilderConfig, factory BrokerFactory) (*ConnectionBuilder, error) {
	if factory == nil {
		return nil, kcerr.New(kcerr.KindNonRetriable, "connection builder requires a non-nil BrokerFactory")
	}
	if len(cfg.Seeds) == 0 {
		return nil, kcerr.New(kcerr.KindNonRetriable, "connection builder requires at least one seed")
	}

	cb := &ConnectionBuilder{cfg: cfg, factory: factory}

	if cfg.SASL != nil {
		switch cfg.SASL.Mechanism {
		case SASLMechanismSCRAMSHA256, SASLMechanismSCRAMSHA512:
			cred, err := deriveScramCredential(*cfg.SASL)
			if err != nil {
				return nil, err
			}
			cb.credential = cred
		case SASLMechanismPlain, "":
			// nothing to pre-derive
		default:
			return nil, kcerr.Newf(kcerr.KindNonRetriable, "unsupported SASL mechanism %q", cfg.SASL.Mechanism)
		}
	}

	return cb, nil
}

func deriveScramCredential(sasl SASLConfig) (*scramCredential, error) {
	var hashFn func() []byte

	switch sasl.Mechanism {
	case SASLMechanismSCRAMSHA256:
		hashFn = func() []byte {
			return pbkdf2.Key([]byte(sasl.Password), defaultScramSalt, scramIterations, sha256.Size, sha256.New)
		}
	case SASLMechanismSCRAMSHA512:
		hashFn = func() []byte {
			return pbkdf2.Key([]byte(sasl.Password), defaultScramSalt, scramIterations, sha512.Size, sha512.New)
		}
	default:
		return nil, kcerr.Newf(kcerr.KindNonRetriable, "unsupported SCRAM mechanism %q", sasl.Mechanism)
	}

	return &scramCredential{
		mechanism:  sasl.Mechanism,
		saltedKey:  hashFn(),
		iterations: scramIterations,
	}, nil
}

// BuildSeeds tries the configured seeds in order and returns the first
// one that connects; seeds after it are not dialed. Callers use this
// only when no cluster metadata has been loaded yet.
func (cb *ConnectionBuilder) BuildSeeds(ctx context.Context) (Broker, error) {
	var lastErr error
	for _, seed := range cb.cfg.Seeds {
		meta := BrokerMetadata{NodeID: seedNodeID(seed), Host: seed.Host, Port: seed.Port}
		b, err := cb.Build(ctx, meta)
		if err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}
	if lastErr == nil {
		lastErr = kcerr.New(kcerr.KindBrokerNotFound, "no seeds configured")
	}
	return nil, kcerr.Wrap(kcerr.KindTransport, lastErr, "failed to connect to any seed broker")
}

// scramCredentialKey is the context key BrokerFactory implementations
// can look up to retrieve the pre-derived SCRAM credential for the
// connection being built, via CredentialFromContext.
type scramCredentialKey struct{}

// CredentialFromContext returns the SCRAM credential pre-derived by
// ConnectionBuilder for this connection, if SASL was configured.
func CredentialFromContext(ctx context.Context) (mechanism SASLMechanism, saltedKey []byte, iterations int, ok bool) {
	cred, ok := ctx.Value(scramCredentialKey{}).(*scramCredential)
	if !ok || cred == nil {
		return "", nil, 0, false
	}
	return cred.mechanism, cred.saltedKey, cred.iterations, true
}

// Build dials a single broker described by meta and connects it.
func (cb *ConnectionBuilder) Build(ctx context.Context, meta BrokerMetadata) (Broker, error) {
	if cb.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.DialTimeout)
		defer cancel()
	}
	if cb.credential != nil {
		ctx = context.WithValue(ctx, scramCredentialKey{}, cb.credential)
	}

	b, err := cb.factory(ctx, meta)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.KindTransport, err, fmt.Sprintf("failed to build broker %d (%s:%d)", meta.NodeID, meta.Host, meta.Port))
	}
	if err := b.Connect(ctx); err != nil {
		return nil, kcerr.Wrap(kcerr.KindTransport, err, fmt.Sprintf("failed to connect broker %d (%s:%d)", meta.NodeID, meta.Host, meta.Port))
	}
	return b, nil
}

// seedNodeID assigns negative synthetic node IDs to seeds, matching the
// convention of reserving non-negative IDs for brokers actually reported
// in cluster metadata.
func seedNodeID(seed Seed) int32 {
	h := int32(0)
	for _, r := range seed.Host {
		h = h*31 + int32(r)
	}
	h += seed.Port
	r := h % 1000
	if r < 0 {
		r = -r
	}
	return -(r + 1)
}
