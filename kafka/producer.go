package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"opclink/logging"
	"opclink/transport"
)

// ErrNotConnected is returned by Publish before Start succeeds.
var ErrNotConnected = errors.New("kafka: not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes transport batches, one message per batch, to a topic
// per message kind. It implements transport.Publisher.
type Producer struct {
	config  Config
	codec   transport.Codec
	logger  *slog.Logger
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// test hooks
	reach     func(ctx context.Context) error
	newWriter func(topic string) messageWriter

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer. namespace is stamped on every envelope.
func NewProducer(cfg Config, namespace string, logger *slog.Logger) *Producer {
	p := &Producer{
		config:  cfg,
		codec:   transport.Codec{Namespace: namespace, Compress: cfg.Compress},
		logger:  logging.OrDiscard(logger).With("transport", "kafka", "cluster", cfg.Name),
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.reach = p.dialBroker
	p.newWriter = p.createWriter
	return p
}

// Name implements transport.Publisher.
func (p *Producer) Name() string { return "kafka:" + p.config.Name }

// Available implements transport.Publisher.
func (p *Producer) Available() bool { return p.GetStatus() == StatusConnected }

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Start verifies connectivity to the cluster.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog("kafka", "CONNECT %s: connecting to brokers %v", p.config.Name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.reach(ctx); err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		logging.DebugLog("kafka", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return p.lastErr
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	p.logger.Info("kafka connected", "brokers", p.config.Brokers)
	return nil
}

func (p *Producer) dialBroker(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return errors.New("no brokers configured")
	}
	var lastErr error
	dialer := p.createDialer()
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return lastErr
}

// Stop closes all writers.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))

	var errs []error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	return errors.Join(errs...)
}

// Topic returns the topic a batch kind is written to.
func (p *Producer) Topic(kind transport.Kind) string {
	if p.config.TopicPrefix == "" {
		return kind.Segment()
	}
	return p.config.TopicPrefix + "." + kind.Segment()
}

// Publish encodes b and writes it keyed by its source, retrying with the
// configured backoff.
func (p *Producer) Publish(ctx context.Context, b transport.Batch) error {
	value, err := p.codec.Encode(b)
	if err != nil {
		return err
	}
	topic := p.Topic(b.Kind())
	return p.produceWithRetry(ctx, topic, []byte(b.Key()), value)
}

func (p *Producer) produceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		err := p.produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

func (p *Producer) produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	logging.DebugTX("kafka", value)
	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' completed in %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: cluster %q", ErrNotConnected, p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}
	writer := p.newWriter(topic)
	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

func (p *Producer) createWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  max(p.config.MaxRetries, 1),

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if p.config.UseTLS {
		dialer.TLS = p.config.GetTLSConfig()
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}
	if p.config.UseTLS {
		transport.TLS = p.config.GetTLSConfig()
	}
	if mechanism := p.getSASLMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}

// getSASLMechanism returns the configured SASL mechanism.
func (p *Producer) getSASLMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}

	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{
			Username: p.config.Username,
			Password: p.config.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, err := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		if err != nil {
			p.logger.Error("scram setup failed", "error", err)
			return nil
		}
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, err := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		if err != nil {
			p.logger.Error("scram setup failed", "error", err)
			return nil
		}
		return mechanism
	default:
		return nil
	}
}
