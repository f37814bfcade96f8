package driver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"opclink/logging"
	"opclink/opc"
	"opclink/subscription"
)

// ClassicServer is the primitive set of a classic (COM-era) OPC server:
// DA item access, HDA raw history and A&C event streaming. A backend need
// not support all of them; unsupported calls return opc.ErrNotApplicable.
type ClassicServer interface {
	Open(ctx context.Context, endpoint string, cred *opc.Credential) error
	Close() error

	ReadItems(ctx context.Context, items []string) ([]opc.DataValue, error)
	WriteItem(ctx context.Context, item string, value interface{}) error
	BrowseItems(ctx context.Context, branch string) ([]opc.BrowseNode, error)

	ReadRaw(ctx context.Context, items []string, r opc.TimeRange, maxValues uint32) (map[string][]opc.DataValue, error)

	// Events streams alarm events until Close.
	Events() <-chan opc.AlarmEvent
	Acknowledge(ctx context.Context, eventID, comment string) error
	Confirm(ctx context.Context, eventID string) error
}

// ClassicFactory creates a ClassicServer for an endpoint scheme.
type ClassicFactory func() ClassicServer

var (
	classicMu       sync.RWMutex
	classicBackends = map[string]ClassicFactory{}
)

// RegisterClassicBackend installs the backend used for endpoints with the
// given URL scheme, e.g. "sim" for sim://plant1. COM bridges register
// themselves the same way.
func RegisterClassicBackend(scheme string, f ClassicFactory) {
	classicMu.Lock()
	defer classicMu.Unlock()
	classicBackends[strings.ToLower(scheme)] = f
}

func classicBackend(endpoint string) (ClassicServer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("endpoint %q: expected scheme://address", endpoint)
	}
	classicMu.RLock()
	f, ok := classicBackends[strings.ToLower(u.Scheme)]
	classicMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("endpoint %q: no classic OPC backend registered for scheme %q", endpoint, u.Scheme)
	}
	return f(), nil
}

// classicConn is the shared session handling of DA, HDA and A&C.
type classicConn struct {
	protocol opc.Protocol
	status   statusCell

	mu     sync.RWMutex
	cfg    opc.ServerConfig
	server ClassicServer
}

func (c *classicConn) Protocol() opc.Protocol { return c.protocol }

func (c *classicConn) Status() Status { return c.status.get() }

// Connect releases any session still held, including one left behind by a
// failed connection, before opening a new one.
func (c *classicConn) Connect(ctx context.Context, cfg opc.ServerConfig) error {
	if err := c.Disconnect(ctx); err != nil {
		logging.DebugLog(string(c.protocol), "%s: reconnect teardown: %v", cfg.ID, err)
	}
	c.status.set(StateConnecting, nil)

	srv, err := classicBackend(cfg.Endpoint)
	if err != nil {
		c.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}
	if err := srv.Open(ctx, cfg.Endpoint, cfg.Credentials); err != nil {
		c.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.server = srv
	c.mu.Unlock()
	c.status.set(StateConnected, nil)
	logging.DebugLog(string(c.protocol), "%s: connected to %s", cfg.ID, cfg.Endpoint)
	return nil
}

func (c *classicConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()
	if srv == nil {
		c.status.set(StateDisconnected, nil)
		return nil
	}
	err := releaseWithin(ctx, DefaultDisposeTimeout, srv.Close)
	c.status.set(StateDisconnected, nil)
	return err
}

func (c *classicConn) session(op string) (ClassicServer, opc.ServerConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.server == nil {
		return nil, c.cfg, notConnected(c.cfg, op)
	}
	return c.server, c.cfg, nil
}

// fail records a connection-level error in the cached status.
func (c *classicConn) fail(cfg opc.ServerConfig, op string, err error) error {
	if IsConnectionError(err) {
		c.status.set(StateError, err)
	}
	return opc.NewCommError(cfg.ID, op, 0, err)
}

func (c *classicConn) Read(ctx context.Context, nodes []string) ([]opc.DataValue, error) {
	srv, cfg, err := c.session("read")
	if err != nil {
		return nil, err
	}
	vals, err := srv.ReadItems(ctx, nodes)
	if err != nil {
		return nil, c.fail(cfg, "read", err)
	}
	if len(vals) != len(nodes) {
		return nil, opc.NewCommError(cfg.ID, "read", 0, fmt.Errorf("%d values for %d items", len(vals), len(nodes)))
	}
	return vals, nil
}

func (c *classicConn) Write(ctx context.Context, node string, value interface{}) error {
	srv, cfg, err := c.session("write")
	if err != nil {
		return err
	}
	if err := srv.WriteItem(ctx, node, value); err != nil {
		return c.fail(cfg, "write", err)
	}
	return nil
}

func (c *classicConn) Browse(ctx context.Context, node string) ([]opc.BrowseNode, error) {
	srv, cfg, err := c.session("browse")
	if err != nil {
		return nil, err
	}
	nodes, err := srv.BrowseItems(ctx, node)
	if err != nil {
		return nil, c.fail(cfg, "browse", err)
	}
	return nodes, nil
}

// DataAccess is an OPC DA connection. Values are polled.
type DataAccess struct {
	classicConn
}

func newDataAccess(cfg opc.ServerConfig) (Connection, error) {
	return &DataAccess{classicConn{protocol: opc.ProtocolDA, cfg: cfg}}, nil
}

// MinScanRate is the fastest rate the worker polls a DA server at.
func (d *DataAccess) MinScanRate() time.Duration { return 50 * time.Millisecond }

// HistoricalDataAccess is an OPC HDA connection. It serves history only;
// Read and Write are not applicable.
type HistoricalDataAccess struct {
	classicConn
}

func newHistoricalDataAccess(cfg opc.ServerConfig) (Connection, error) {
	return &HistoricalDataAccess{classicConn{protocol: opc.ProtocolHDA, cfg: cfg}}, nil
}

func (h *HistoricalDataAccess) Read(ctx context.Context, nodes []string) ([]opc.DataValue, error) {
	return nil, &opc.NotApplicableError{Protocol: opc.ProtocolHDA, Operation: "read"}
}

func (h *HistoricalDataAccess) Write(ctx context.Context, node string, value interface{}) error {
	return &opc.NotApplicableError{Protocol: opc.ProtocolHDA, Operation: "write"}
}

// ReadRaw returns the raw samples of each node within r.
func (h *HistoricalDataAccess) ReadRaw(ctx context.Context, nodes []string, r opc.TimeRange, maxValues uint32) (map[string][]opc.DataValue, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid time range %s .. %s", r.Start, r.End)
	}
	srv, cfg, err := h.session("read history")
	if err != nil {
		return nil, err
	}
	out, err := srv.ReadRaw(ctx, nodes, r, maxValues)
	if err != nil {
		return nil, h.fail(cfg, "read history", err)
	}
	return out, nil
}

// AlarmsAndConditions is an OPC A&C connection. It streams events;
// Read and Write are not applicable.
type AlarmsAndConditions struct {
	classicConn

	evMu   sync.Mutex
	events chan opc.AlarmEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

func newAlarmsAndConditions(cfg opc.ServerConfig) (Connection, error) {
	return &AlarmsAndConditions{
		classicConn: classicConn{protocol: opc.ProtocolAC, cfg: cfg},
		events:      make(chan opc.AlarmEvent),
	}, nil
}

func (a *AlarmsAndConditions) Connect(ctx context.Context, cfg opc.ServerConfig) error {
	if err := a.Disconnect(ctx); err != nil {
		logging.DebugLog("ac", "%s: reconnect teardown: %v", cfg.ID, err)
	}
	if err := a.classicConn.Connect(ctx, cfg); err != nil {
		return err
	}
	srv, _, err := a.session("subscribe events")
	if err != nil {
		return err
	}

	a.evMu.Lock()
	out := make(chan opc.AlarmEvent, 64)
	stop := make(chan struct{})
	a.events = out
	a.stop = stop
	a.evMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(out)
		in := srv.Events()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
	}()
	return nil
}

func (a *AlarmsAndConditions) Disconnect(ctx context.Context) error {
	a.evMu.Lock()
	stop := a.stop
	a.stop = nil
	a.evMu.Unlock()
	if stop != nil {
		close(stop)
	}
	err := a.classicConn.Disconnect(ctx)
	a.wg.Wait()
	return err
}

// Events returns the event stream of the current session.
func (a *AlarmsAndConditions) Events() <-chan opc.AlarmEvent {
	a.evMu.Lock()
	defer a.evMu.Unlock()
	return a.events
}

func (a *AlarmsAndConditions) Acknowledge(ctx context.Context, eventID, comment string) error {
	srv, cfg, err := a.session("acknowledge")
	if err != nil {
		return err
	}
	if err := srv.Acknowledge(ctx, eventID, comment); err != nil {
		return a.fail(cfg, "acknowledge", err)
	}
	return nil
}

func (a *AlarmsAndConditions) Confirm(ctx context.Context, eventID string) error {
	srv, cfg, err := a.session("confirm")
	if err != nil {
		return err
	}
	if err := srv.Confirm(ctx, eventID); err != nil {
		return a.fail(cfg, "confirm", err)
	}
	return nil
}

func (a *AlarmsAndConditions) Read(ctx context.Context, nodes []string) ([]opc.DataValue, error) {
	return nil, &opc.NotApplicableError{Protocol: opc.ProtocolAC, Operation: "read"}
}

func (a *AlarmsAndConditions) Write(ctx context.Context, node string, value interface{}) error {
	return &opc.NotApplicableError{Protocol: opc.ProtocolAC, Operation: "write"}
}

// bridgedUA serves the UA protocol over a classic backend that also
// implements the subscription primitives, such as the simulator.
type bridgedUA struct {
	classicConn
}

func (b *bridgedUA) backend() (subscription.Backend, error) {
	srv, cfg, err := b.session("subscription")
	if err != nil {
		return nil, err
	}
	be, ok := srv.(subscription.Backend)
	if !ok {
		return nil, &opc.NotApplicableError{Protocol: cfg.Protocol, Operation: "subscription"}
	}
	return be, nil
}

func (b *bridgedUA) CreateSubscription(ctx context.Context, p subscription.Params, notify subscription.NotifyFunc) (subscription.Revised, error) {
	be, err := b.backend()
	if err != nil {
		return subscription.Revised{}, err
	}
	return be.CreateSubscription(ctx, p, notify)
}

func (b *bridgedUA) ModifySubscription(ctx context.Context, id uint32, p subscription.Params) (subscription.Revised, error) {
	be, err := b.backend()
	if err != nil {
		return subscription.Revised{}, err
	}
	return be.ModifySubscription(ctx, id, p)
}

func (b *bridgedUA) SetPublishingMode(ctx context.Context, id uint32, enabled bool) error {
	be, err := b.backend()
	if err != nil {
		return err
	}
	return be.SetPublishingMode(ctx, id, enabled)
}

func (b *bridgedUA) DeleteSubscription(ctx context.Context, id uint32) error {
	be, err := b.backend()
	if err != nil {
		return err
	}
	return be.DeleteSubscription(ctx, id)
}

func (b *bridgedUA) CreateMonitoredItems(ctx context.Context, id uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	be, err := b.backend()
	if err != nil {
		return nil, err
	}
	return be.CreateMonitoredItems(ctx, id, items)
}

func (b *bridgedUA) ModifyMonitoredItems(ctx context.Context, id uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	be, err := b.backend()
	if err != nil {
		return nil, err
	}
	return be.ModifyMonitoredItems(ctx, id, items)
}

func (b *bridgedUA) DeleteMonitoredItems(ctx context.Context, id uint32, itemIDs []uint32) ([]error, error) {
	be, err := b.backend()
	if err != nil {
		return nil, err
	}
	return be.DeleteMonitoredItems(ctx, id, itemIDs)
}
