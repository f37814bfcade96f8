package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"opclink/transport"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer(cfg Config) (*Producer, map[string]*fakeWriter) {
	writers := make(map[string]*fakeWriter)
	p := NewProducer(cfg, "site1", nil)
	p.reach = func(context.Context) error { return nil }
	p.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}
	return p, writers
}

func TestProducer_PublishBeforeStart(t *testing.T) {
	p, _ := newTestProducer(DefaultConfig("main"))
	if p.Available() {
		t.Fatal("producer should not be available before Start")
	}
	err := p.Publish(context.Background(), transport.SubscriptionStatus{ConnectionID: "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestProducer_TopicPerKind(t *testing.T) {
	p, writers := newTestProducer(DefaultConfig("main"))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	if err := p.Publish(ctx, transport.RealtimeDataBatch{ConnectionID: "plant-a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, transport.AlarmEventBatch{ConnectionID: "plant-a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, transport.RealtimeDataBatch{ConnectionID: "plant-b"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	data := writers["opclink.data"]
	if data == nil || len(data.msgs) != 2 {
		t.Fatalf("expected 2 messages on opclink.data, got %+v", data)
	}
	if string(data.msgs[0].Key) != "plant-a" || string(data.msgs[1].Key) != "plant-b" {
		t.Errorf("unexpected keys %q %q", data.msgs[0].Key, data.msgs[1].Key)
	}
	if writers["opclink.alarms"] == nil {
		t.Error("expected a writer for opclink.alarms")
	}

	env, err := p.codec.Decode(data.msgs[0].Value)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != transport.KindRealtimeData || env.Namespace != "site1" {
		t.Errorf("unexpected envelope %+v", env)
	}

	sent, failed, _ := p.GetStats()
	if sent != 3 || failed != 0 {
		t.Errorf("stats = %d sent, %d failed", sent, failed)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !data.closed {
		t.Error("writer not closed on Stop")
	}
	if p.Available() {
		t.Error("producer available after Stop")
	}
}

func TestProducer_Retry(t *testing.T) {
	cfg := DefaultConfig("main")
	cfg.RetryBackoff = time.Millisecond
	p, writers := newTestProducer(cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{fail: 2}
		writers[topic] = w
		return w
	}

	if err := p.Publish(context.Background(), transport.CriticalWriteLog{TagID: "Valve"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	_, failed, _ := p.GetStats()
	if failed != 2 {
		t.Errorf("expected 2 failed attempts, got %d", failed)
	}

	p.newWriter = func(topic string) messageWriter { return &fakeWriter{fail: 10} }
	if err := p.Publish(context.Background(), transport.EdgeInferenceOutput{ModelName: "m"}); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
}

func TestProducer_StartFailure(t *testing.T) {
	p, _ := newTestProducer(DefaultConfig("main"))
	p.reach = func(context.Context) error { return errors.New("connection refused") }
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if p.GetStatus() != StatusError {
		t.Errorf("status = %v, want Error", p.GetStatus())
	}
	if p.GetError() == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestProducer_SASLMechanism(t *testing.T) {
	tests := []struct {
		name      string
		mechanism SASLMechanism
		username  string
		wantNil   bool
		wantName  string
	}{
		{"no user", SASLPlain, "", true, ""},
		{"plain", SASLPlain, "u", false, "PLAIN"},
		{"scram256", SASLSCRAMSHA256, "u", false, "SCRAM-SHA-256"},
		{"scram512", SASLSCRAMSHA512, "u", false, "SCRAM-SHA-512"},
		{"none", SASLNone, "u", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("main")
			cfg.SASLMechanism = tt.mechanism
			cfg.Username = tt.username
			cfg.Password = "p"
			m := NewProducer(cfg, "", nil).getSASLMechanism()
			if tt.wantNil {
				if m != nil {
					t.Fatalf("expected nil mechanism, got %v", m)
				}
				return
			}
			if m == nil || m.Name() != tt.wantName {
				t.Fatalf("mechanism = %v, want %s", m, tt.wantName)
			}
			if tt.mechanism == SASLPlain {
				if _, ok := m.(plain.Mechanism); !ok {
					t.Errorf("expected plain.Mechanism, got %T", m)
				}
			}
		})
	}
}

func TestConfig_TLS(t *testing.T) {
	cfg := DefaultConfig("main")
	if cfg.GetTLSConfig() != nil {
		t.Error("TLS config should be nil when disabled")
	}
	cfg.UseTLS = true
	cfg.TLSSkipVerify = true
	tlsCfg := cfg.GetTLSConfig()
	if tlsCfg == nil || !tlsCfg.InsecureSkipVerify {
		t.Errorf("unexpected TLS config %+v", tlsCfg)
	}
}

func TestProducer_TopicWithoutPrefix(t *testing.T) {
	cfg := DefaultConfig("main")
	cfg.TopicPrefix = ""
	p := NewProducer(cfg, "", nil)
	if got := p.Topic(transport.KindCriticalWriteLog); got != "writes" {
		t.Errorf("Topic = %q", got)
	}
}
