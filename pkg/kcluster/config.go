package kcluster

import (
	"crypto/tls"
	"time"
)

// SASLMechanism identifies a SASL mechanism supported by ConnectionBuilder.
type SASLMechanism string

const (
	SASLMechanismPlain       SASLMechanism = "PLAIN"
	SASLMechanismSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLMechanismSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Seed is one bootstrap address to dial when no cluster metadata has been
// loaded yet.
type Seed struct {
	Host string
	Port int32
}

// SASLConfig configures credential pre-derivation. Handshake framing and
// the actual exchange happen in the Broker implementation; this package
// only derives the salted key once so every reconnect can reuse it.
type SASLConfig struct {
	Mechanism SASLMechanism
	Username  string
	Password  string
}

// TLSConfig wraps the stdlib TLS config consumed by a Broker's dialer.
type TLSConfig struct {
	Enabled bool
	Config  *tls.Config
}

// ConnectionBuilderConfig configures a ConnectionBuilder.
type ConnectionBuilderConfig struct {
	Seeds        []Seed
	TLS          TLSConfig
	SASL         *SASLConfig
	DialTimeout  time.Duration
	RequestTimeout time.Duration
}

// Config is top-level Cluster configuration.
type Config struct {
	ConnectionBuilder ConnectionBuilderConfig
	Retry              RetryConfig
	ClientID           string
	MetadataMaxAge     time.Duration
	LockTimeout        time.Duration
}

// DefaultConfig returns a Config with the same retry defaults as
// DefaultRetryConfig and a 5 minute metadata staleness ceiling.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryConfig(),
		MetadataMaxAge: 5 * time.Minute,
		LockTimeout:    10 * time.Second,
		ConnectionBuilder: ConnectionBuilderConfig{
			DialTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
	}
}
