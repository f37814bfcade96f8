package nats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opclink/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	subjects  []string
	connected bool
	drained   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

type fakeStream struct {
	subjects []string
	err      error
}

func (s *fakeStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.subjects = append(s.subjects, subject)
	return &jetstream.PubAck{Stream: "OPCLINK"}, nil
}

func TestSubject(t *testing.T) {
	p := NewPublisher(Config{Name: "n"}, "site1", nil)
	assert.Equal(t, "site1.data.plant-a", p.Subject(transport.RealtimeDataBatch{ConnectionID: "plant-a"}))
	assert.Equal(t, "site1.writes.Line1_Valve", p.Subject(transport.CriticalWriteLog{TagID: "Line1.Valve"}))

	custom := NewPublisher(Config{Name: "n", SubjectPrefix: "edge"}, "site1", nil)
	assert.Equal(t, "edge.status.c", custom.Subject(transport.SubscriptionStatus{ConnectionID: "c"}))
}

func TestPublishCore(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := NewPublisher(Config{Name: "n"}, "site1", nil)
	p.dial = func(context.Context) (conn, streamPublisher, error) { return fc, nil, nil }

	ctx := context.Background()
	require.ErrorIs(t, p.Publish(ctx, transport.SubscriptionStatus{}), ErrNotConnected)

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Available())
	require.NoError(t, p.Publish(ctx, transport.AlarmEventBatch{ConnectionID: "c1"}))
	assert.Equal(t, []string{"site1.alarms.c1"}, fc.subjects)

	fc.mu.Lock()
	fc.connected = false
	fc.mu.Unlock()
	assert.False(t, p.Available())
	assert.ErrorIs(t, p.Publish(ctx, transport.AlarmEventBatch{}), ErrNotConnected)

	require.NoError(t, p.Stop())
	assert.True(t, fc.drained)
}

func TestPublishJetStream(t *testing.T) {
	fc := &fakeConn{connected: true}
	fs := &fakeStream{}
	p := NewPublisher(Config{Name: "n", JetStream: true}, "site1", nil)
	p.dial = func(context.Context) (conn, streamPublisher, error) { return fc, fs, nil }

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Publish(ctx, transport.EdgeInferenceOutput{ModelName: "pump"}))
	assert.Equal(t, []string{"site1.inference.pump"}, fs.subjects)
	assert.Empty(t, fc.subjects, "jetstream publishes must not go through core publish")

	fs.err = errors.New("no responders")
	assert.Error(t, p.Publish(ctx, transport.EdgeInferenceOutput{ModelName: "pump"}))
}

func TestStartFailure(t *testing.T) {
	p := NewPublisher(Config{Name: "n", URL: "nats://127.0.0.1:1"}, "", nil)
	p.dial = func(context.Context) (conn, streamPublisher, error) { return nil, nil, errors.New("connection refused") }
	require.Error(t, p.Start(context.Background()))
	assert.False(t, p.Available())
}
