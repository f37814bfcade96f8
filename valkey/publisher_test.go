package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"opclink/opc"
	"opclink/transport"
)

// recordingHook answers every command locally so no server is needed.
type recordingHook struct {
	mu       sync.Mutex
	cmds     []string
	queue    []string
	failPipe error
	failPing error
}

func (h *recordingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled in tests")
	}
}

func (h *recordingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		switch cmd.Name() {
		case "ping":
			err := h.failPing
			h.mu.Unlock()
			return err
		case "blpop":
			if len(h.queue) > 0 {
				item := h.queue[0]
				h.queue = h.queue[1:]
				h.mu.Unlock()
				cmd.(*redis.StringSliceCmd).SetVal([]string{fmt.Sprint(cmd.Args()[1]), item})
				return nil
			}
			h.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return redis.Nil
		}
		h.cmds = append(h.cmds, render(cmd))
		h.mu.Unlock()
		return nil
	}
}

func (h *recordingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.failPipe != nil {
			return h.failPipe
		}
		for _, c := range cmds {
			h.cmds = append(h.cmds, render(c))
		}
		return nil
	}
}

func (h *recordingHook) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.cmds))
	copy(out, h.cmds)
	return out
}

func (h *recordingHook) push(item string) {
	h.mu.Lock()
	h.queue = append(h.queue, item)
	h.mu.Unlock()
}

// render keeps command name and keys, dropping payloads.
func render(cmd redis.Cmder) string {
	args := cmd.Args()
	parts := []string{cmd.Name()}
	if len(args) > 1 {
		parts = append(parts, fmt.Sprint(args[1]))
	}
	if cmd.Name() == "hset" && len(args) > 2 {
		parts = append(parts, fmt.Sprint(args[2]))
	}
	return strings.Join(parts, " ")
}

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *recordingHook) {
	t.Helper()
	hook := &recordingHook{}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:6379"
	}
	p := NewPublisher(cfg, "site1", nil)
	p.hook = hook
	p.checkInterval = 20 * time.Millisecond
	return p, hook
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"site", "tag", "A.B"}, "site:tag:A.B"},
		{[]string{"", "tag", "A"}, "tag:A"},
		{[]string{":site:", "tag"}, "site:tag"},
	}
	for _, tt := range tests {
		if got := joinKey(tt.in...); got != tt.want {
			t.Errorf("joinKey(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p, _ := newTestPublisher(t, Config{Name: "v"})
	if p.Available() {
		t.Fatal("should not be available before Start")
	}
	if err := p.Publish(context.Background(), transport.SubscriptionStatus{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPublisher_PublishKeys(t *testing.T) {
	p, hook := newTestPublisher(t, Config{Name: "v", PublishChanges: true, KeyTTL: time.Minute})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	ctx := context.Background()
	now := time.Now()
	batches := []transport.Batch{
		transport.RealtimeDataBatch{ConnectionID: "plant-a", Points: []opc.TagValue{
			{TagID: "Line1.Temp", DataValue: opc.NewDataValue(21.5, opc.QualityGood, now)},
			{TagID: "Line1.Speed", DataValue: opc.NewDataValue(int32(7), opc.QualityGood, now)},
		}},
		transport.AlarmEventBatch{ConnectionID: "plant-a", Events: []opc.AlarmEvent{{EventID: "ev1"}}},
		transport.CriticalWriteLog{TagID: "Valve.Open", Outcome: transport.OutcomeWritten},
		transport.EdgeInferenceOutput{ModelName: "pump-health"},
		transport.SubscriptionStatus{ConnectionID: "plant-a", IsActive: false},
	}
	for _, b := range batches {
		if err := p.Publish(ctx, b); err != nil {
			t.Fatalf("Publish %s: %v", b.Kind(), err)
		}
	}

	got := hook.recorded()
	for _, want := range []string{
		"publish site1:data:plant-a",
		"set site1:tag:Line1.Temp",
		"set site1:tag:Line1.Speed",
		"hset site1:alarms:plant-a ev1",
		"lpush site1:writes:log",
		"ltrim site1:writes:log",
		"set site1:inference:pump-health",
		"set site1:status:plant-a",
	} {
		if !contains(got, want) {
			t.Errorf("missing command %q in %v", want, got)
		}
	}
}

func TestPublisher_PipelineFailureMarksUnavailable(t *testing.T) {
	p, hook := newTestPublisher(t, Config{Name: "v"})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	hook.mu.Lock()
	hook.failPipe = errors.New("connection reset")
	hook.failPing = errors.New("connection reset")
	hook.mu.Unlock()

	if err := p.Publish(context.Background(), transport.SubscriptionStatus{ConnectionID: "c"}); err == nil {
		t.Fatal("expected error")
	}
	if p.Available() {
		t.Error("publisher should be unavailable after a failed publish")
	}

	hook.mu.Lock()
	hook.failPipe = nil
	hook.failPing = nil
	hook.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for !p.Available() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !p.Available() {
		t.Error("health monitor should restore availability")
	}
}

func TestPublisher_StartPingFailure(t *testing.T) {
	p, hook := newTestPublisher(t, Config{Name: "v"})
	hook.failPing = errors.New("NOAUTH")
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if p.IsRunning() {
		t.Error("should not be running")
	}
}

func TestPublisher_Writeback(t *testing.T) {
	p, hook := newTestPublisher(t, Config{Name: "v", EnableWriteback: true})

	var mu sync.Mutex
	var seen []transport.WriteCommand
	p.SetWriteHandler(func(ctx context.Context, cmd transport.WriteCommand) (string, error) {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		return transport.OutcomeWritten, nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	data, _ := json.Marshal(transport.WriteCommand{TagID: "Setpoint", Value: 12.0})
	hook.push(string(data))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if contains(hook.recorded(), "publish site1:write:responses") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !contains(hook.recorded(), "publish site1:write:responses") {
		t.Fatal("write response not published")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].TagID != "Setpoint" || seen[0].Requester != "valkey:v" {
		t.Errorf("handler saw %+v", seen)
	}
}
