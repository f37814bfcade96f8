// Package nats publishes runtime batches to NATS subjects, optionally
// through a JetStream stream for at-least-once delivery.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"opclink/logging"
	"opclink/transport"
)

// ErrNotConnected is returned by Publish before Start succeeds or while
// the connection is down.
var ErrNotConnected = errors.New("nats: not connected")

// Config holds NATS publisher configuration.
type Config struct {
	Name          string        `yaml:"name" json:"name" validate:"required"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	URL           string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	Username      string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" json:"-"`
	Token         string        `yaml:"token,omitempty" json:"-"`
	SubjectPrefix string        `yaml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`
	JetStream     bool          `yaml:"jetstream,omitempty" json:"jetstream,omitempty"`
	Stream        string        `yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects,omitempty" json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty" json:"reconnect_wait,omitempty"`
	Compress      bool          `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// conn is the part of *natsio.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher sends batches to <prefix>.<kind>.<key> subjects.
type Publisher struct {
	config Config
	prefix string
	codec  transport.Codec
	logger *slog.Logger

	mu sync.RWMutex
	nc conn
	js streamPublisher

	// dial is replaced in tests.
	dial func(ctx context.Context) (conn, streamPublisher, error)
}

// NewPublisher creates a NATS publisher. An empty subject prefix defaults
// to the namespace.
func NewPublisher(cfg Config, namespace string, logger *slog.Logger) *Publisher {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Stream == "" {
		cfg.Stream = "OPCLINK"
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = namespace
	}
	p := &Publisher{
		config: cfg,
		prefix: prefix,
		codec:  transport.Codec{Namespace: namespace, Compress: cfg.Compress},
		logger: logging.OrDiscard(logger).With("transport", "nats", "server", cfg.Name),
	}
	p.dial = p.connect
	return p
}

// Name implements transport.Publisher.
func (p *Publisher) Name() string { return "nats:" + p.config.Name }

// Available implements transport.Publisher.
func (p *Publisher) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nc != nil && p.nc.IsConnected()
}

func (p *Publisher) options() []natsio.Option {
	opts := []natsio.Option{
		natsio.Name("opclink-" + p.config.Name),
		natsio.MaxReconnects(p.config.MaxReconnects),
		natsio.ReconnectWait(p.config.ReconnectWait),
		natsio.Timeout(5 * time.Second),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			p.logger.Warn("nats disconnected", "error", err)
		}),
		natsio.ReconnectHandler(func(c *natsio.Conn) {
			p.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if p.config.Username != "" && p.config.Password != "" {
		opts = append(opts, natsio.UserInfo(p.config.Username, p.config.Password))
	}
	if p.config.Token != "" {
		opts = append(opts, natsio.Token(p.config.Token))
	}
	return opts
}

func (p *Publisher) connect(ctx context.Context) (conn, streamPublisher, error) {
	nc, err := natsio.Connect(p.config.URL, p.options()...)
	if err != nil {
		return nil, nil, err
	}
	if !p.config.JetStream {
		return nc, nil, nil
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.prefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream stream %s: %w", p.config.Stream, err)
	}
	return nc, js, nil
}

// Start connects to the server and, with JetStream enabled, ensures the
// stream covering <prefix>.> exists.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	running := p.nc != nil
	p.mu.RUnlock()
	if running {
		return nil
	}

	logging.DebugLog("nats", "CONNECT %s: %s (jetstream=%v)", p.config.Name, p.config.URL, p.config.JetStream)
	nc, js, err := p.dial(ctx)
	if err != nil {
		logging.DebugLog("nats", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return fmt.Errorf("nats %s: %w", p.config.URL, err)
	}

	p.mu.Lock()
	p.nc = nc
	p.js = js
	p.mu.Unlock()
	p.logger.Info("nats connected", "url", p.config.URL)
	return nil
}

// Stop drains and closes the connection.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	nc := p.nc
	p.nc = nil
	p.js = nil
	p.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.Drain()
}

// Subject returns the subject for a batch. Dots in the key would create
// extra subject tokens and are replaced with underscores.
func (p *Publisher) Subject(b transport.Batch) string {
	key := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(b.Key())
	var parts []string
	for _, s := range []string{p.prefix, b.Kind().Segment(), key} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

// Publish implements transport.Publisher.
func (p *Publisher) Publish(ctx context.Context, b transport.Batch) error {
	p.mu.RLock()
	nc, js := p.nc, p.js
	p.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}

	data, err := p.codec.Encode(b)
	if err != nil {
		return err
	}
	subject := p.Subject(b)
	logging.DebugTX("nats", data)

	if js != nil {
		if _, err := js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}
