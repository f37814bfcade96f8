package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"opclink/transport"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	opts       *pahomqtt.ClientOptions
	connected  bool
	connectErr error
	pubs       []published
	handlers   map[string]pahomqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }
func (c *fakeClient) Connect() pahomqtt.Token {
	if c.connectErr != nil {
		return newToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return newToken(nil)
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, published{topic, qos, retained, payload.([]byte)})
	return newToken(nil)
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]pahomqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return newToken(nil)
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return newToken(nil)
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token { return newToken(nil) }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

func (c *fakeClient) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.pubs))
	copy(out, c.pubs)
	return out
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers["site1/write/+"]
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, payload: payload})
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return 1 }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

func newTestPublisher(cfg Config) (*Publisher, *fakeClient) {
	fc := &fakeClient{}
	p := NewPublisher(cfg, "site1", nil)
	p.newClient = func(o *pahomqtt.ClientOptions) pahomqtt.Client {
		fc.opts = o
		return fc
	}
	return p, fc
}

func TestPublisher_NewPublisherDefaults(t *testing.T) {
	p := NewPublisher(Config{Name: "b", Broker: "localhost"}, "site1", nil)
	if p.Address() != "tcp://localhost:1883" {
		t.Errorf("Address = %s", p.Address())
	}
	if p.config.RootTopic != "site1" {
		t.Errorf("RootTopic = %s, want namespace", p.config.RootTopic)
	}
	tlsPub := NewPublisher(Config{Name: "b", Broker: "h", UseTLS: true}, "", nil)
	if tlsPub.Address() != "ssl://h:8883" {
		t.Errorf("TLS Address = %s", tlsPub.Address())
	}
	if p.Available() || p.IsRunning() {
		t.Error("new publisher should not be running")
	}
}

func TestPublisher_PublishNotConnected(t *testing.T) {
	p, _ := newTestPublisher(Config{Name: "b", Broker: "h"})
	err := p.Publish(context.Background(), transport.RealtimeDataBatch{ConnectionID: "c"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPublisher_Publish(t *testing.T) {
	p, fc := newTestPublisher(Config{Name: "b", Broker: "h", QoS: 1, RetainStatus: true})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	ctx := context.Background()
	if err := p.Publish(ctx, transport.RealtimeDataBatch{ConnectionID: "plant-a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, transport.SubscriptionStatus{ConnectionID: "plant-a", IsActive: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pubs := fc.published()
	if len(pubs) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pubs))
	}
	if pubs[0].topic != "site1/data/plant-a" || pubs[0].retained || pubs[0].qos != 1 {
		t.Errorf("unexpected data publish %+v", pubs[0])
	}
	if pubs[1].topic != "site1/status/plant-a" || !pubs[1].retained {
		t.Errorf("status should be retained: %+v", pubs[1])
	}

	env, err := p.codec.Decode(pubs[0].payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != transport.KindRealtimeData {
		t.Errorf("Kind = %s", env.Kind)
	}
}

func TestPublisher_StartError(t *testing.T) {
	p, fc := newTestPublisher(Config{Name: "b", Broker: "h"})
	fc.connectErr = errors.New("not authorized")
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if p.IsRunning() {
		t.Error("publisher should not be running after failed start")
	}
}

func waitForPublishes(t *testing.T, fc *fakeClient, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pubs := fc.published(); len(pubs) >= n {
			return pubs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publishes", n)
	return nil
}

func TestPublisher_WriteCommands(t *testing.T) {
	p, fc := newTestPublisher(Config{Name: "b", Broker: "h", AcceptWrites: true})

	var mu sync.Mutex
	var got []transport.WriteCommand
	p.SetWriteHandler(func(ctx context.Context, cmd transport.WriteCommand) (string, error) {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		if cmd.TagID == "Locked" {
			return transport.OutcomeRejected, errors.New("rate limit exceeded")
		}
		return transport.OutcomeWritten, nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	t.Run("accepted", func(t *testing.T) {
		fc.deliver("site1/write/Setpoint", []byte(`{"value": 42.5, "correlation_id": "abc"}`))
		pubs := waitForPublishes(t, fc, 1)
		if pubs[0].topic != "site1/write/Setpoint/response" {
			t.Fatalf("response topic = %s", pubs[0].topic)
		}
		var res transport.WriteResult
		if err := json.Unmarshal(pubs[0].payload, &res); err != nil {
			t.Fatal(err)
		}
		if res.Outcome != transport.OutcomeWritten || res.CorrelationID != "abc" || res.Error != "" {
			t.Errorf("unexpected result %+v", res)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 || got[0].Requester != "mqtt:b" || got[0].Value != 42.5 {
			t.Errorf("handler saw %+v", got)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		fc.deliver("site1/write/Locked", []byte(`{"value": 1}`))
		pubs := waitForPublishes(t, fc, 2)
		var res transport.WriteResult
		if err := json.Unmarshal(pubs[1].payload, &res); err != nil {
			t.Fatal(err)
		}
		if res.Outcome != transport.OutcomeRejected || res.Error == "" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		fc.deliver("site1/write/Setpoint", []byte(`{bad`))
		pubs := waitForPublishes(t, fc, 3)
		var res transport.WriteResult
		if err := json.Unmarshal(pubs[2].payload, &res); err != nil {
			t.Fatal(err)
		}
		if res.TagID != "Setpoint" || res.Outcome != transport.OutcomeRejected {
			t.Errorf("unexpected result %+v", res)
		}
	})
}
