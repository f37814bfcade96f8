// Package mqtt publishes runtime batches to an MQTT broker and accepts
// write commands on a request topic.
package mqtt

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

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"opclink/logging"
	"opclink/transport"
)

// Write command pool limits.
const (
	MaxWriteWorkers   = 4
	MaxWriteQueueSize = 100
)

// ErrNotConnected is returned by Publish while the client is down.
var ErrNotConnected = errors.New("mqtt: not connected")

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// Config holds MQTT publisher configuration.
type Config struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Broker    string `yaml:"broker" json:"broker" validate:"required_if=Enabled true"`
	Port      int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Username  string `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string `yaml:"password,omitempty" json:"-"`
	ClientID  string `yaml:"client_id" json:"client_id"`
	RootTopic string `yaml:"root_topic,omitempty" json:"root_topic,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
	QoS       byte   `yaml:"qos,omitempty" json:"qos,omitempty" validate:"lte=2"`
	// RetainStatus keeps the last subscription status and inference output
	// on the broker for late subscribers.
	RetainStatus bool `yaml:"retain_status,omitempty" json:"retain_status,omitempty"`
	// AcceptWrites subscribes to <root>/write/+ for write commands.
	AcceptWrites bool `yaml:"accept_writes,omitempty" json:"accept_writes,omitempty"`
	Compress     bool `yaml:"compress,omitempty" json:"compress,omitempty"`
}

type writeJob struct {
	client pahomqtt.Client
	cmd    transport.WriteCommand
	err    error // set for error-only replies
}

// Publisher handles publishing batches to an MQTT broker.
type Publisher struct {
	config  Config
	codec   transport.Codec
	logger  *slog.Logger
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	writeHandler transport.WriteHandler
	writeQueue   chan writeJob
	stopChan     chan struct{}
	wg           sync.WaitGroup

	// newClient is replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewPublisher creates a new MQTT publisher. An empty root topic defaults
// to the namespace.
func NewPublisher(cfg Config, namespace string, logger *slog.Logger) *Publisher {
	if cfg.Port == 0 {
		cfg.Port = 1883
		if cfg.UseTLS {
			cfg.Port = 8883
		}
	}
	if cfg.RootTopic == "" {
		cfg.RootTopic = namespace
	}
	return &Publisher{
		config:     cfg,
		codec:      transport.Codec{Namespace: namespace, Compress: cfg.Compress},
		logger:     logging.OrDiscard(logger).With("transport", "mqtt", "broker", cfg.Name),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
		newClient:  pahomqtt.NewClient,
	}
}

// Name implements transport.Publisher.
func (p *Publisher) Name() string { return "mqtt:" + p.config.Name }

// Available implements transport.Publisher.
func (p *Publisher) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.client != nil && p.client.IsConnected()
}

// IsRunning returns whether the publisher is started.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// SetWriteHandler installs the handler for inbound write commands.
func (p *Publisher) SetWriteHandler(handler transport.WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// Start connects to the MQTT broker.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.logger.Info("mqtt connected", "address", p.Address())
		// clean sessions lose subscriptions on reconnect
		p.subscribeWriteTopic(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	client := p.newClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		logMQTT("MQTT connection timeout")
		client.Disconnect(0)
		return fmt.Errorf("mqtt %s: connection timeout", p.Address())
	}
	if err := token.Error(); err != nil {
		logMQTT("MQTT connection error: %v", err)
		return fmt.Errorf("mqtt %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.startWriteWorkers()
	return nil
}

func (p *Publisher) writeTopic() string { return p.config.RootTopic + "/write/+" }

func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	if !p.config.AcceptWrites {
		return
	}
	topic := p.writeTopic()
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error("write topic subscribe failed", "topic", topic, "error", err)
		return
	}
	logMQTT("Subscribed to: %s", topic)
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.runWriteJob(job)
		}
	}
}

func (p *Publisher) runWriteJob(job writeJob) {
	if job.err != nil {
		p.publishWriteResult(job.client, transport.NewWriteResult(job.cmd, transport.OutcomeRejected, job.err))
		return
	}
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		p.publishWriteResult(job.client, transport.NewWriteResult(job.cmd, transport.OutcomeRejected, errors.New("no write handler configured")))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logMQTT("Executing write: %s = %v", job.cmd.TagID, job.cmd.Value)
	outcome, err := handler(ctx, job.cmd)
	if err != nil {
		logMQTT("Write error: %v", err)
	}
	p.publishWriteResult(job.client, transport.NewWriteResult(job.cmd, outcome, err))
}

// handleWriteMessage parses <root>/write/<tag> payloads and queues them.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on topic: %s", msg.Topic())
	logging.DebugRX("mqtt", msg.Payload())

	tag := strings.TrimPrefix(msg.Topic(), p.config.RootTopic+"/write/")
	var cmd transport.WriteCommand
	var job writeJob
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		job = writeJob{client: client, cmd: transport.WriteCommand{TagID: tag}, err: fmt.Errorf("invalid JSON: %v", err)}
	} else {
		if cmd.TagID == "" {
			cmd.TagID = tag
		}
		if cmd.Requester == "" {
			cmd.Requester = "mqtt:" + p.config.Name
		}
		job = writeJob{client: client, cmd: cmd}
		if cmd.TagID != tag {
			job.err = fmt.Errorf("tag mismatch: topic %s, payload %s", tag, cmd.TagID)
		}
	}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s", job.cmd.TagID)
		go p.publishWriteResult(client, transport.NewWriteResult(job.cmd, transport.OutcomeRejected, errors.New("write queue full, try again later")))
	}
}

func (p *Publisher) publishWriteResult(client pahomqtt.Client, res transport.WriteResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/write/%s/response", p.config.RootTopic, res.TagID)
	token := client.Publish(topic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
	return nil
}

// Topic returns the topic a batch is published on.
func (p *Publisher) Topic(b transport.Batch) string {
	var out []string
	for _, s := range []string{p.config.RootTopic, b.Kind().Segment(), b.Key()} {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func (p *Publisher) retained(b transport.Batch) bool {
	if !p.config.RetainStatus {
		return false
	}
	k := b.Kind()
	return k == transport.KindSubscriptionStatus || k == transport.KindInferenceOutput
}

// Publish encodes b and publishes it, waiting for the broker to accept it.
func (p *Publisher) Publish(ctx context.Context, b transport.Batch) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := p.codec.Encode(b)
	if err != nil {
		return err
	}
	topic := p.Topic(b)
	logging.DebugTX("mqtt", payload)

	token := client.Publish(topic, p.config.QoS, p.retained(b), payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}
