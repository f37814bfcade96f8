package engine

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus(nil)
	var got []EventType
	bus.Subscribe(func(e Event) { got = append(got, e.Type) })

	bus.Emit(Event{Type: EventConnectionAdded, Payload: ServerEvent{ID: "line1"}})
	bus.Emit(Event{Type: EventConnectionState, Payload: ConnectionEvent{}})
	bus.Emit(Event{Type: EventUplinkChanged, Payload: UplinkEvent{Available: false}})

	want := []EventType{EventConnectionAdded, EventConnectionState, EventUplinkChanged}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEventBusTypeFilter(t *testing.T) {
	tests := []struct {
		name  string
		types []EventType
		emit  []EventType
		want  int
	}{
		{"single type", []EventType{EventWriteLogged}, []EventType{EventWriteLogged, EventAlarm, EventWriteLogged}, 2},
		{"several types", []EventType{EventModelLoaded, EventModelFailed}, []EventType{EventModelLoaded, EventModelUnloaded, EventModelFailed}, 2},
		{"no match", []EventType{EventConfigRejected}, []EventType{EventConfigApplied}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewEventBus(nil)
			count := 0
			bus.SubscribeTypes(func(Event) { count++ }, tt.types...)
			for _, et := range tt.emit {
				bus.Emit(Event{Type: et})
			}
			if count != tt.want {
				t.Errorf("received %d, want %d", count, tt.want)
			}
		})
	}
}

func TestEventBusStampsTimestamp(t *testing.T) {
	bus := NewEventBus(nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var stamps []time.Time
	bus.Subscribe(func(e Event) { stamps = append(stamps, e.Timestamp) })

	before := time.Now()
	bus.Emit(Event{Type: EventAlarm})
	bus.Emit(Event{Type: EventAlarm, Timestamp: fixed})

	if stamps[0].Before(before) {
		t.Errorf("zero timestamp not stamped: %v", stamps[0])
	}
	if !stamps[1].Equal(fixed) {
		t.Errorf("explicit timestamp overwritten: %v", stamps[1])
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	var a, b int
	idA := bus.Subscribe(func(Event) { a++ })
	bus.Subscribe(func(Event) { b++ })

	bus.Emit(Event{Type: EventConnectionState})
	bus.Unsubscribe(idA)
	bus.Unsubscribe(9999)
	bus.Emit(Event{Type: EventConnectionState})

	if a != 1 || b != 2 {
		t.Errorf("a=%d b=%d, want 1 and 2", a, b)
	}
}

func TestEventBusUnsubscribeDuringEmit(t *testing.T) {
	bus := NewEventBus(nil)
	var id int
	calls := 0
	id = bus.Subscribe(func(Event) {
		calls++
		bus.Unsubscribe(id)
	})
	bus.Emit(Event{Type: EventConnectionState})
	bus.Emit(Event{Type: EventConnectionState})
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestEventBusPanickingHandlerIsIsolated(t *testing.T) {
	var logs bytes.Buffer
	bus := NewEventBus(slog.New(slog.NewTextHandler(&logs, nil)))
	after := 0
	bus.Subscribe(func(Event) { panic("bad consumer") })
	bus.Subscribe(func(Event) { after++ })

	bus.Emit(Event{Type: EventInferenceOutput})

	if after != 1 {
		t.Error("handler after the panicking one did not run")
	}
	if !strings.Contains(logs.String(), "bad consumer") {
		t.Errorf("panic not logged: %s", logs.String())
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	bus := NewEventBus(nil)
	var n atomic.Int64
	bus.Subscribe(func(Event) { n.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit(Event{Type: EventConnectionState})
			}
		}()
	}
	wg.Wait()
	if n.Load() != 1000 {
		t.Errorf("received %d events, want 1000", n.Load())
	}
}
