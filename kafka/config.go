// Package kafka publishes runtime batches to a Kafka cluster.
package kafka

import (
	"crypto/tls"
	"time"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string        `yaml:"name" json:"name" validate:"required"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Brokers       []string      `yaml:"brokers" json:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	UseTLS        bool          `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty" json:"tls_skip_verify,omitempty"`
	SASLMechanism SASLMechanism `yaml:"sasl_mechanism,omitempty" json:"sasl_mechanism,omitempty" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	Username      string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" json:"-"`

	// Producer settings
	RequiredAcks     int           `yaml:"required_acks,omitempty" json:"required_acks,omitempty"` // -1=all, 0=none, 1=leader only
	MaxRetries       int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
	AutoCreateTopics bool          `yaml:"auto_create_topics,omitempty" json:"auto_create_topics,omitempty"`

	// TopicPrefix is prepended to the per-kind topic, e.g. "opclink" gives
	// "opclink.data", "opclink.alarms".
	TopicPrefix string `yaml:"topic_prefix,omitempty" json:"topic_prefix,omitempty"`
	Compress    bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		TopicPrefix:  "opclink",
	}
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
