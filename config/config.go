// Package config handles configuration persistence for the opclink runtime.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"opclink/buffer"
	"opclink/inference"
	"opclink/kafka"
	"opclink/logging"
	"opclink/modelstore"
	"opclink/mqtt"
	"opclink/nats"
	"opclink/opc"
	"opclink/policy"
	"opclink/valkey"
)

// CurrentVersion is the configuration schema version written by Save.
const CurrentVersion = 1

// Config holds the complete runtime configuration. A loaded Config is
// treated as a snapshot: reloads build a new one and swap it in whole.
type Config struct {
	Version   int    `yaml:"version"`
	Namespace string `yaml:"namespace" validate:"required"` // topic/key isolation for every transport

	Servers     []opc.ServerConfig        `yaml:"servers" validate:"dive"`
	Credentials map[string]opc.Credential `yaml:"credentials,omitempty"`
	Tags        []opc.TagDefinition       `yaml:"tags" validate:"dive"`
	PollRate    time.Duration             `yaml:"poll_rate"` // scan rate for tags without one

	WritePolicies       []policy.WriteLimitPolicy `yaml:"write_policies,omitempty" validate:"dive"`
	ValidationRules     []policy.ValidationRule   `yaml:"validation_rules,omitempty" validate:"dive"`
	ConfirmationTimeout time.Duration             `yaml:"confirmation_timeout,omitempty"`

	Models        []ModelConfig            `yaml:"models,omitempty" validate:"dive"`
	ModelBindings []inference.ModelBinding `yaml:"model_bindings,omitempty" validate:"dive"`
	ModelStore    modelstore.Config        `yaml:"model_store,omitempty"`

	Buffer        BufferConfig    `yaml:"buffer"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
	Batch         BatchConfig     `yaml:"batch"`
	ShutdownGrace time.Duration   `yaml:"shutdown_grace"`

	Transports TransportsConfig `yaml:"transports"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logging.Config   `yaml:"logging,omitempty"`
	UI         UIConfig         `yaml:"ui,omitempty"`
}

// UIConfig holds terminal dashboard preferences.
type UIConfig struct {
	Theme string `yaml:"theme,omitempty"`
}

// ModelConfig names an edge model artifact to load at startup. Location
// is a local path, file:// URL or s3://bucket/key.
type ModelConfig struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Location string `yaml:"location" json:"location" validate:"required"`
}

// BufferConfig sizes the per-connection resilience buffers.
type BufferConfig struct {
	Capacity       int    `yaml:"capacity" validate:"gte=0"`
	Overflow       string `yaml:"overflow,omitempty" validate:"omitempty,oneof=drop_oldest drop_newest reject"`
	DrainBatchSize int    `yaml:"drain_batch_size,omitempty" validate:"gte=0"`
}

// ReconnectConfig controls the exponential backoff between connection
// attempts.
type ReconnectConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter     float64       `yaml:"jitter" validate:"gte=0,lte=1"` // fraction of the delay
}

// BatchConfig controls how live points are grouped into realtime batches.
type BatchConfig struct {
	Interval  time.Duration `yaml:"interval"`
	MaxPoints int           `yaml:"max_points" validate:"gte=0"`
}

// TransportsConfig lists the uplink publishers.
type TransportsConfig struct {
	MQTT   []mqtt.Config   `yaml:"mqtt,omitempty" validate:"dive"`
	Kafka  []kafka.Config  `yaml:"kafka,omitempty" validate:"dive"`
	Valkey []valkey.Config `yaml:"valkey,omitempty" validate:"dive"`
	NATS   []nats.Config   `yaml:"nats,omitempty" validate:"dive"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Listen  string    `yaml:"listen" validate:"required_if=Enabled true"`
	Users   []APIUser `yaml:"users,omitempty" validate:"dive"`
}

// APIUser is an account allowed to call mutating endpoints.
type APIUser struct {
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" validate:"required,startswith=$2"` // bcrypt
}

// MetricsConfig configures the Prometheus endpoint. With an empty Listen
// the endpoint is served by the API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:             CurrentVersion,
		Namespace:           "opclink",
		Servers:             []opc.ServerConfig{},
		Tags:                []opc.TagDefinition{},
		PollRate:            time.Second,
		ConfirmationTimeout: 30 * time.Second,
		Buffer: BufferConfig{
			Capacity:       buffer.DefaultCapacity,
			Overflow:       string(buffer.DropOldest),
			DrainBatchSize: 100,
		},
		Reconnect: ReconnectConfig{
			Base:       time.Second,
			Max:        time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Batch: BatchConfig{
			Interval:  time.Second,
			MaxPoints: 500,
		},
		ShutdownGrace: 10 * time.Second,
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8480",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: logging.Config{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".opclink", "config.yaml")
}

// Load reads, migrates and validates the file at path. Any problem with
// the payload is reported as a *ConfigImportError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigImportError{File: path, Detail: "read failed", Err: err}
	}
	return Parse(data, path)
}

// Parse decodes a configuration payload. Unknown keys are rejected so a
// misspelled option fails loudly instead of silently taking its default.
func Parse(data []byte, file string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Version = 0

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigImportError{File: file, Detail: "malformed yaml", Err: err}
	}

	if err := cfg.migrate(); err != nil {
		return nil, &ConfigImportError{File: file, Detail: "unsupported schema", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigImportError{File: file, Detail: "invalid configuration", Err: err}
	}
	cfg.ResolveCredentials()
	return cfg, nil
}

// migrate upgrades older payloads in place.
func (c *Config) migrate() error {
	switch {
	case c.Version == 0:
		// unversioned files predate the version key and share the v1 layout
		c.Version = CurrentVersion
	case c.Version > CurrentVersion:
		return fmt.Errorf("version %d is newer than supported version %d", c.Version, CurrentVersion)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ResolveCredentials attaches the referenced credential to each server.
// Passwords may reference environment variables as ${NAME}.
func (c *Config) ResolveCredentials() {
	for i := range c.Servers {
		srv := &c.Servers[i]
		srv.Credentials = nil
		if srv.CredentialsRef == "" {
			continue
		}
		cred, ok := c.Credentials[srv.CredentialsRef]
		if !ok {
			continue
		}
		srv.Credentials = &opc.Credential{
			Username: cred.Username,
			Password: os.ExpandEnv(cred.Password),
		}
	}
}

// FindServer returns the server with the given ID.
func (c *Config) FindServer(id string) *opc.ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].ID == id {
			return &c.Servers[i]
		}
	}
	return nil
}

// FindTag returns the tag with the given ID.
func (c *Config) FindTag(id string) *opc.TagDefinition {
	for i := range c.Tags {
		if c.Tags[i].ID == id {
			return &c.Tags[i]
		}
	}
	return nil
}

// TagsForServer returns the tags bound to a server, applying PollRate to
// tags without a scan rate.
func (c *Config) TagsForServer(serverID string) []opc.TagDefinition {
	var out []opc.TagDefinition
	for _, t := range c.Tags {
		if t.ServerID != serverID {
			continue
		}
		if t.ScanRate <= 0 {
			t.ScanRate = c.PollRate
		}
		out = append(out, t)
	}
	return out
}

// FindModel returns the model with the given name.
func (c *Config) FindModel(name string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

// FindAPIUser returns the API user with the given name.
func (c *Config) FindAPIUser(username string) *APIUser {
	for i := range c.API.Users {
		if c.API.Users[i].Username == username {
			return &c.API.Users[i]
		}
	}
	return nil
}

// FindMQTT returns the MQTT transport with the given name.
func (c *Config) FindMQTT(name string) *mqtt.Config {
	for i := range c.Transports.MQTT {
		if c.Transports.MQTT[i].Name == name {
			return &c.Transports.MQTT[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka transport with the given name.
func (c *Config) FindKafka(name string) *kafka.Config {
	for i := range c.Transports.Kafka {
		if c.Transports.Kafka[i].Name == name {
			return &c.Transports.Kafka[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey transport with the given name.
func (c *Config) FindValkey(name string) *valkey.Config {
	for i := range c.Transports.Valkey {
		if c.Transports.Valkey[i].Name == name {
			return &c.Transports.Valkey[i]
		}
	}
	return nil
}

// FindNATS returns the NATS transport with the given name.
func (c *Config) FindNATS(name string) *nats.Config {
	for i := range c.Transports.NATS {
		if c.Transports.NATS[i].Name == name {
			return &c.Transports.NATS[i]
		}
	}
	return nil
}

// EnabledServers returns the servers marked enabled.
func (c *Config) EnabledServers() []opc.ServerConfig {
	var out []opc.ServerConfig
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
