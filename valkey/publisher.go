// Package valkey publishes runtime batches to Valkey/Redis: Pub/Sub for
// every batch plus latest-value keys, and an optional write-back queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"opclink/logging"
	"opclink/transport"
)

// writeLogLength bounds the audit list of write log entries.
const writeLogLength = 1000

// ErrNotConnected is returned by Publish before Start succeeds.
var ErrNotConnected = errors.New("valkey: not connected")

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Config holds Valkey/Redis publisher configuration.
type Config struct {
	Name            string        `yaml:"name" json:"name" validate:"required"`
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Address         string        `yaml:"address" json:"address" validate:"required_if=Enabled true"` // host:port
	Password        string        `yaml:"password,omitempty" json:"-"`
	Database        int           `yaml:"database" json:"database" validate:"gte=0"`
	KeyPrefix       string        `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty" json:"key_ttl,omitempty"`                   // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty" json:"publish_changes,omitempty"`   // Pub/Sub per batch
	EnableWriteback bool          `yaml:"enable_writeback,omitempty" json:"enable_writeback,omitempty"` // BLPOP write queue
	Compress        bool          `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// Publisher handles publishing batches to a Valkey server.
type Publisher struct {
	config  Config
	prefix  string
	codec   transport.Codec
	logger  *slog.Logger
	client  *redis.Client
	running bool
	healthy bool
	mu      sync.RWMutex

	writeHandler transport.WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup

	// test hooks
	hook          redis.Hook
	checkInterval time.Duration
}

// NewPublisher creates a new Valkey publisher. An empty key prefix
// defaults to the namespace.
func NewPublisher(cfg Config, namespace string, logger *slog.Logger) *Publisher {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = namespace
	}
	return &Publisher{
		config:        cfg,
		prefix:        prefix,
		codec:         transport.Codec{Namespace: namespace, Compress: cfg.Compress},
		logger:        logging.OrDiscard(logger).With("transport", "valkey", "server", cfg.Name),
		stopChan:      make(chan struct{}),
		checkInterval: 5 * time.Second,
	}
}

// Name implements transport.Publisher.
func (p *Publisher) Name() string { return "valkey:" + p.config.Name }

// Available implements transport.Publisher.
func (p *Publisher) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.healthy
}

// IsRunning returns whether Start has succeeded.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler installs the handler for the write-back queue.
func (p *Publisher) SetWriteHandler(handler transport.WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// Start connects to the Valkey server.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	if p.hook != nil {
		client.AddHook(p.hook)
	}

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.healthy = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.healthMonitor(client, p.stopChan)
	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	p.logger.Info("valkey connected", "address", p.config.Address)
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.healthy = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// writebackListener uses a 1s BLPop timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

func (p *Publisher) setHealthy(ok bool) {
	p.mu.Lock()
	changed := p.healthy != ok
	p.healthy = ok
	p.mu.Unlock()
	if changed {
		if ok {
			p.logger.Info("valkey reachable again")
		} else {
			p.logger.Warn("valkey unreachable")
		}
	}
}

// healthMonitor keeps Available accurate after publish failures.
func (p *Publisher) healthMonitor(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := client.Ping(ctx).Err()
			cancel()
			p.setHealthy(err == nil)
		}
	}
}

// Channel returns the Pub/Sub channel for a batch.
func (p *Publisher) Channel(b transport.Batch) string {
	return joinKey(p.prefix, b.Kind().Segment(), b.Key())
}

// TagKey returns the latest-value key for a tag.
func (p *Publisher) TagKey(tagID string) string {
	return joinKey(p.prefix, "tag", tagID)
}

// Publish writes b in one pipeline: the Pub/Sub message (when enabled) and
// the latest-value keys for its kind.
func (p *Publisher) Publish(ctx context.Context, b transport.Batch) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return ErrNotConnected
	}

	payload, err := p.codec.Encode(b)
	if err != nil {
		return err
	}
	ttl := p.config.KeyTTL

	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.config.PublishChanges {
			pipe.Publish(ctx, p.Channel(b), payload)
		}
		switch v := b.(type) {
		case transport.RealtimeDataBatch:
			for _, pt := range v.Points {
				data, err := json.Marshal(pt)
				if err != nil {
					return fmt.Errorf("encode %s: %w", pt.TagID, err)
				}
				pipe.Set(ctx, p.TagKey(pt.TagID), data, ttl)
			}
		case transport.AlarmEventBatch:
			key := joinKey(p.prefix, "alarms", v.ConnectionID)
			for _, ev := range v.Events {
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, key, ev.EventID, data)
			}
		case transport.CriticalWriteLog:
			key := joinKey(p.prefix, "writes", "log")
			pipe.LPush(ctx, key, payload)
			pipe.LTrim(ctx, key, 0, writeLogLength-1)
		case transport.EdgeInferenceOutput:
			pipe.Set(ctx, joinKey(p.prefix, "inference", v.ModelName), payload, ttl)
		case transport.SubscriptionStatus:
			pipe.Set(ctx, joinKey(p.prefix, "status", v.ConnectionID), payload, ttl)
		}
		return nil
	})
	if err != nil {
		p.setHealthy(false)
		debugLog("Valkey publish %s failed: %v", b.Kind(), err)
		return fmt.Errorf("valkey publish %s: %w", b.Kind(), err)
	}
	return nil
}

// writebackListener pops write commands from <prefix>:writes and publishes
// results on <prefix>:write:responses.
func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := joinKey(p.prefix, "writes")
	responseChannel := joinKey(p.prefix, "write", "responses")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var cmd transport.WriteCommand
		if err := json.Unmarshal([]byte(result[1]), &cmd); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}
		if cmd.Requester == "" {
			cmd.Requester = "valkey:" + p.config.Name
		}
		p.processWriteCommand(client, cmd, responseChannel)
	}
}

func (p *Publisher) processWriteCommand(client *redis.Client, cmd transport.WriteCommand, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	var res transport.WriteResult
	if handler == nil {
		res = transport.NewWriteResult(cmd, transport.OutcomeRejected, errors.New("no write handler configured"))
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		outcome, err := handler(ctx, cmd)
		cancel()
		res = transport.NewWriteResult(cmd, outcome, err)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, responseChannel, data).Err(); err != nil {
		debugLog("Valkey write response publish failed: %v", err)
	}
	debugLog("Valkey write %s = %v -> %s", cmd.TagID, cmd.Value, res.Outcome)
}
