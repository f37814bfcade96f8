// Package sim is an in-process simulated OPC server. It serves sim://
// endpoints for every protocol family: item reads and writes, raw
// history, alarm events and subscriptions. Importing the package
// registers the backend.
package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"opclink/driver"
	"opclink/opc"
)

func init() {
	driver.RegisterClassicBackend("sim", func() driver.ClassicServer { return &Session{} })
}

var (
	ErrServerDown   = errors.New("simulated server unavailable")
	ErrUnknownItem  = errors.New("unknown item")
	ErrReadOnly     = errors.New("item is read-only")
	ErrUnknownEvent = errors.New("unknown event")
)

// DefaultHistoryDepth is how many samples the server keeps per item.
const DefaultHistoryDepth = 10000

// Generator produces an item's value at a point in time.
type Generator func(t time.Time) interface{}

// Sine oscillates between -amp and +amp with the given period.
func Sine(amp float64, period time.Duration) Generator {
	return func(t time.Time) interface{} {
		phase := float64(t.UnixNano()%int64(period)) / float64(period)
		return amp * math.Sin(2*math.Pi*phase)
	}
}

// Ramp counts from 0 to max-1 once per step.
func Ramp(max int64, step time.Duration) Generator {
	return func(t time.Time) interface{} {
		return (t.UnixNano() / int64(step)) % max
	}
}

// Random returns uniformly distributed values in [min, max).
func Random(min, max float64) Generator {
	return func(time.Time) interface{} {
		return min + rand.Float64()*(max-min)
	}
}

type item struct {
	value    opc.DataValue
	writable bool
	gen      Generator
	history  []opc.DataValue
}

func (it *item) current(now time.Time) opc.DataValue {
	if it.gen != nil {
		return opc.NewDataValue(it.gen(now), it.value.Quality, now)
	}
	return it.value
}

func (it *item) record(v opc.DataValue) {
	it.history = append(it.history, v)
	if len(it.history) > DefaultHistoryDepth {
		it.history = it.history[len(it.history)-DefaultHistoryDepth:]
	}
}

// Server is the shared state behind every session opened on one sim://
// host name.
type Server struct {
	name string

	mu       sync.Mutex
	items    map[string]*item
	down     error
	alarms   map[string]*opc.AlarmEvent
	attached map[*Session]struct{}
	writes   int
}

var (
	serversMu sync.Mutex
	servers   = map[string]*Server{}
)

// Lookup returns the simulated server for name, creating it with the
// default item set on first use.
func Lookup(name string) *Server {
	serversMu.Lock()
	defer serversMu.Unlock()
	s, ok := servers[name]
	if !ok {
		s = newServer(name)
		servers[name] = s
	}
	return s
}

// Reset discards every simulated server.
func Reset() {
	serversMu.Lock()
	defer serversMu.Unlock()
	servers = map[string]*Server{}
}

func newServer(name string) *Server {
	s := &Server{
		name:     name,
		items:    make(map[string]*item),
		alarms:   make(map[string]*opc.AlarmEvent),
		attached: make(map[*Session]struct{}),
	}
	s.AddGenerated("Random.Real8", Random(0, 100))
	s.AddGenerated("Sine.Double", Sine(10, time.Minute))
	s.AddGenerated("Ramp.Int", Ramp(1000, time.Second))
	s.AddItem("Static.Setpoint", 50.0, true)
	s.AddItem("Static.Enable", false, true)
	s.AddItem("Static.Name", "line-1", false)
	return s
}

// Name returns the server's host name.
func (s *Server) Name() string { return s.name }

// AddItem adds or replaces a static item.
func (s *Server) AddItem(node string, v interface{}, writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dv := opc.NewDataValue(v, opc.QualityGood, time.Time{})
	it := &item{value: dv, writable: writable}
	it.record(dv)
	s.items[node] = it
}

// AddGenerated adds a read-only item whose value comes from gen.
func (s *Server) AddGenerated(node string, gen Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[node] = &item{value: opc.DataValue{Quality: opc.QualityGood}, gen: gen}
}

// Set changes an item's value as if the process changed it.
func (s *Server) Set(node string, v interface{}) {
	s.SetValue(node, opc.NewDataValue(v, opc.QualityGood, time.Time{}))
}

// SetValue changes an item's value, quality and timestamp, creating the
// item if needed.
func (s *Server) SetValue(node string, dv opc.DataValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[node]
	if !ok {
		it = &item{}
		s.items[node] = it
	}
	it.gen = nil
	it.value = dv
	it.record(dv)
}

// Value returns an item's current value.
func (s *Server) Value(node string) (opc.DataValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[node]
	if !ok {
		return opc.DataValue{}, false
	}
	return it.current(time.Now()), true
}

// Writes returns the number of successful writes served.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Fail takes the server down: open sessions get err on every call and
// new sessions are refused until Recover.
func (s *Server) Fail(err error) {
	if err == nil {
		err = ErrServerDown
	}
	s.mu.Lock()
	s.down = err
	s.mu.Unlock()
}

// Recover brings the server back up.
func (s *Server) Recover() {
	s.mu.Lock()
	s.down = nil
	s.mu.Unlock()
}

func (s *Server) check() error {
	if s.down != nil {
		return fmt.Errorf("%s: %w", s.name, s.down)
	}
	return nil
}

// RaiseAlarm activates a condition and delivers the event to every
// connected session.
func (s *Server) RaiseAlarm(ev opc.AlarmEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.State = opc.AlarmActive
	ev.AckState = opc.Unacknowledged
	s.mu.Lock()
	stored := ev
	s.alarms[ev.EventID] = &stored
	sessions := s.sessions()
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.deliverEvent(ev)
	}
}

// ClearAlarm returns a condition to Inactive.
func (s *Server) ClearAlarm(eventID string) error {
	return s.transition(eventID, opc.AlarmInactive, "")
}

func (s *Server) transition(eventID string, to opc.AlarmState, comment string) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	ev, ok := s.alarms[eventID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", eventID, ErrUnknownEvent)
	}
	if err := ev.Transition(to, time.Now()); err != nil {
		s.mu.Unlock()
		return err
	}
	if comment != "" {
		ev.Message = comment
	}
	out := *ev
	sessions := s.sessions()
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.deliverEvent(out)
	}
	return nil
}

// Alarms returns the current conditions sorted by event ID.
func (s *Server) Alarms() []opc.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]opc.AlarmEvent, 0, len(s.alarms))
	for _, ev := range s.alarms {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// SessionCount returns the number of sessions currently attached.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

func (s *Server) sessions() []*Session {
	out := make([]*Session, 0, len(s.attached))
	for sess := range s.attached {
		out = append(out, sess)
	}
	return out
}

func (s *Server) browse(branch string) []opc.BrowseNode {
	prefix := ""
	if branch != "" {
		prefix = strings.TrimSuffix(branch, ".") + "."
	}
	seen := map[string]opc.BrowseNode{}
	for name, it := range s.items {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "."); i >= 0 {
			child := prefix + rest[:i]
			seen[child] = opc.BrowseNode{NodeAddress: child, Name: rest[:i], HasChildren: true}
			continue
		}
		seen[name] = opc.BrowseNode{NodeAddress: name, Name: rest, DataType: typeOf(it.current(time.Now()).Value)}
	}
	out := make([]opc.BrowseNode, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeAddress < out[j].NodeAddress })
	return out
}

func typeOf(v interface{}) opc.DataType {
	switch v.(type) {
	case bool:
		return opc.TypeBool
	case int, int8, int16, int32, int64:
		return opc.TypeInt
	case uint, uint8, uint16, uint32, uint64:
		return opc.TypeUint
	case float32:
		return opc.TypeFloat
	case float64:
		return opc.TypeDouble
	case string:
		return opc.TypeString
	case time.Time:
		return opc.TypeDateTime
	}
	return opc.TypeAny
}
