package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opclink/logging"
	"opclink/opc"
	"opclink/subscription"
)

func newUnifiedArchitecture(cfg opc.ServerConfig) (Connection, error) {
	if strings.HasPrefix(strings.ToLower(cfg.Endpoint), "opc.tcp://") {
		return &UnifiedArchitecture{cfg: cfg, subs: make(map[uint32]*uaSub)}, nil
	}
	return &bridgedUA{classicConn{protocol: opc.ProtocolUA, cfg: cfg}}, nil
}

// UnifiedArchitecture is an OPC UA connection over opc.tcp.
type UnifiedArchitecture struct {
	status statusCell

	mu     sync.RWMutex
	cfg    opc.ServerConfig
	client *opcua.Client

	subMu sync.Mutex
	subs  map[uint32]*uaSub
}

type uaSub struct {
	sub      *opcua.Subscription
	notifyCh chan *opcua.PublishNotificationData
	cancel   context.CancelFunc
	seq      uint32
	keepAlive time.Duration
}

func (u *UnifiedArchitecture) Protocol() opc.Protocol { return opc.ProtocolUA }

func (u *UnifiedArchitecture) Status() Status { return u.status.get() }

func (u *UnifiedArchitecture) clientOptions(ctx context.Context, cfg opc.ServerConfig) ([]opcua.Option, error) {
	mode := ua.MessageSecurityModeNone
	if cfg.SecurityMode != "" {
		mode = ua.MessageSecurityModeFromString(cfg.SecurityMode)
	}
	policy := ua.SecurityPolicyURINone
	if cfg.SecurityPolicy != "" {
		policy = ua.FormatSecurityPolicyURI(cfg.SecurityPolicy)
	}

	opts := []opcua.Option{
		opcua.SecurityMode(mode),
		opcua.SecurityPolicy(policy),
		opcua.AutoReconnect(false),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.LifetimeCount > 0 && cfg.PublishingInterval > 0 {
		opts = append(opts, opcua.SessionTimeout(cfg.PublishingInterval*time.Duration(cfg.LifetimeCount)))
	}

	if cfg.Credentials == nil {
		return append(opts, opcua.AuthAnonymous()), nil
	}

	// Username tokens need the endpoint's token policy.
	eps, err := opcua.GetEndpoints(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("get endpoints: %w", err)
	}
	ep, err := opcua.SelectEndpoint(eps, policy, mode)
	if err != nil {
		return nil, fmt.Errorf("select endpoint: %w", err)
	}
	opts = append(opts,
		opcua.AuthUsername(cfg.Credentials.Username, cfg.Credentials.Password),
		opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeUserName),
	)
	return opts, nil
}

// Connect closes any client and subscriptions still held, including those
// left behind by a failed connection, before opening a new session.
func (u *UnifiedArchitecture) Connect(ctx context.Context, cfg opc.ServerConfig) error {
	if err := u.Disconnect(ctx); err != nil {
		logging.DebugLog("ua", "%s: reconnect teardown: %v", cfg.ID, err)
	}
	u.status.set(StateConnecting, nil)

	opts, err := u.clientOptions(ctx, cfg)
	if err != nil {
		u.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}
	c, err := opcua.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		u.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", 0, err)
	}
	if err := c.Connect(ctx); err != nil {
		u.status.set(StateError, err)
		return opc.NewCommError(cfg.ID, "connect", statusOf(err), err)
	}

	u.mu.Lock()
	u.cfg = cfg
	u.client = c
	u.mu.Unlock()
	u.status.set(StateConnected, nil)
	logging.DebugLog("ua", "%s: session open on %s", cfg.ID, cfg.Endpoint)
	return nil
}

func (u *UnifiedArchitecture) Disconnect(ctx context.Context) error {
	u.mu.Lock()
	c := u.client
	u.client = nil
	u.mu.Unlock()

	u.subMu.Lock()
	for subID, s := range u.subs {
		s.cancel()
		delete(u.subs, subID)
	}
	u.subMu.Unlock()

	if c == nil {
		u.status.set(StateDisconnected, nil)
		return nil
	}
	err := releaseWithin(ctx, DefaultDisposeTimeout, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), DefaultDisposeTimeout)
		defer cancel()
		return c.Close(closeCtx)
	})
	u.status.set(StateDisconnected, nil)
	return err
}

func (u *UnifiedArchitecture) session(op string) (*opcua.Client, opc.ServerConfig, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.client == nil {
		return nil, u.cfg, notConnected(u.cfg, op)
	}
	return u.client, u.cfg, nil
}

func (u *UnifiedArchitecture) fail(cfg opc.ServerConfig, op string, err error) error {
	if IsConnectionError(err) {
		u.status.set(StateError, err)
	}
	return opc.NewCommError(cfg.ID, op, statusOf(err), err)
}

func statusOf(err error) uint32 {
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return uint32(sc)
	}
	return 0
}

func fromUAValue(dv *ua.DataValue) opc.DataValue {
	if dv == nil {
		return opc.NewDataValue(nil, opc.QualityBad, time.Time{})
	}
	var v interface{}
	if dv.Value != nil {
		v = dv.Value.Value()
	}
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	return opc.NewDataValue(v, opc.QualityFromStatus(uint32(dv.Status)), ts)
}

func (u *UnifiedArchitecture) Read(ctx context.Context, nodes []string) ([]opc.DataValue, error) {
	c, cfg, err := u.session("read")
	if err != nil {
		return nil, err
	}
	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, len(nodes)),
	}
	for i, n := range nodes {
		nid, err := ua.ParseNodeID(n)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n, err)
		}
		req.NodesToRead[i] = &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue}
	}
	resp, err := c.Read(ctx, req)
	if err != nil {
		return nil, u.fail(cfg, "read", err)
	}
	if len(resp.Results) != len(nodes) {
		return nil, opc.NewCommError(cfg.ID, "read", 0, fmt.Errorf("%d results for %d nodes", len(resp.Results), len(nodes)))
	}
	out := make([]opc.DataValue, len(nodes))
	for i, r := range resp.Results {
		out[i] = fromUAValue(r)
	}
	return out, nil
}

func (u *UnifiedArchitecture) Write(ctx context.Context, node string, value interface{}) error {
	c, cfg, err := u.session("write")
	if err != nil {
		return err
	}
	nid, err := ua.ParseNodeID(node)
	if err != nil {
		return fmt.Errorf("node %q: %w", node, err)
	}
	v, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("node %q: encode %T: %w", node, value, err)
	}
	resp, err := c.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      nid,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: v},
		}},
	})
	if err != nil {
		return u.fail(cfg, "write", err)
	}
	if len(resp.Results) == 1 && resp.Results[0] != ua.StatusOK {
		return opc.NewCommError(cfg.ID, "write", uint32(resp.Results[0]), resp.Results[0])
	}
	return nil
}

func (u *UnifiedArchitecture) Browse(ctx context.Context, node string) ([]opc.BrowseNode, error) {
	c, cfg, err := u.session("browse")
	if err != nil {
		return nil, err
	}
	if node == "" {
		node = "i=85" // Objects folder
	}
	nid, err := ua.ParseNodeID(node)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node, err)
	}
	resp, err := c.Browse(ctx, &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nid,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return nil, u.fail(cfg, "browse", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	if sc := resp.Results[0].StatusCode; sc != ua.StatusOK {
		return nil, opc.NewCommError(cfg.ID, "browse", uint32(sc), sc)
	}
	refs := resp.Results[0].References
	out := make([]opc.BrowseNode, 0, len(refs))
	for _, r := range refs {
		bn := opc.BrowseNode{HasChildren: r.NodeClass == ua.NodeClassObject}
		if r.NodeID != nil && r.NodeID.NodeID != nil {
			bn.NodeAddress = r.NodeID.NodeID.String()
		}
		if r.DisplayName != nil {
			bn.Name = r.DisplayName.Text
		} else if r.BrowseName != nil {
			bn.Name = r.BrowseName.Name
		}
		out = append(out, bn)
	}
	return out, nil
}

func toMillis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMillis(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

// CreateSubscription creates a server subscription and starts forwarding
// its publish results to notify.
func (u *UnifiedArchitecture) CreateSubscription(ctx context.Context, p subscription.Params, notify subscription.NotifyFunc) (subscription.Revised, error) {
	c, cfg, err := u.session("create subscription")
	if err != nil {
		return subscription.Revised{}, err
	}
	ch := make(chan *opcua.PublishNotificationData, 256)
	sub, err := c.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   p.PublishingInterval,
		LifetimeCount:              p.LifetimeCount,
		MaxKeepAliveCount:          p.KeepAliveCount,
		MaxNotificationsPerPublish: p.MaxNotifications,
		Priority:                   p.Priority,
	}, ch)
	if err != nil {
		return subscription.Revised{}, u.fail(cfg, "create subscription", err)
	}

	rev := subscription.Revised{
		SubscriptionID:     sub.SubscriptionID,
		PublishingInterval: sub.RevisedPublishingInterval,
		LifetimeCount:      sub.RevisedLifetimeCount,
		KeepAliveCount:     sub.RevisedMaxKeepAliveCount,
	}
	subCtx, cancel := context.WithCancel(context.Background())
	s := &uaSub{sub: sub, notifyCh: ch, cancel: cancel, keepAlive: rev.KeepAliveTimeout()}
	u.subMu.Lock()
	u.subs[sub.SubscriptionID] = s
	u.subMu.Unlock()

	go u.forward(subCtx, s, notify)
	return rev, nil
}

// forward converts publish results into notifications. The client library
// does not surface keep-alive responses, so session liveness is reported
// as a keep-alive at half the keep-alive timeout.
func (u *UnifiedArchitecture) forward(ctx context.Context, s *uaSub, notify subscription.NotifyFunc) {
	period := s.keepAlive / 2
	if period <= 0 {
		period = time.Second
	}
	alive := time.NewTicker(period)
	defer alive.Stop()

	subID := s.sub.SubscriptionID
	for {
		select {
		case <-ctx.Done():
			return
		case <-alive.C:
			if c, _, err := u.session("keep-alive"); err == nil && c.State() == opcua.Connected {
				notify(subscription.Notification{SubscriptionID: subID, KeepAlive: true})
			}
		case res := <-s.notifyCh:
			if res == nil {
				continue
			}
			if res.Error != nil {
				logging.DebugLog("ua", "sub %d publish error: %v", subID, res.Error)
				continue
			}
			n := subscription.Notification{SubscriptionID: subID}
			switch v := res.Value.(type) {
			case *ua.DataChangeNotification:
				for _, item := range v.MonitoredItems {
					n.Items = append(n.Items, subscription.ItemValue{ClientHandle: item.ClientHandle, Value: fromUAValue(item.Value)})
				}
			case *ua.EventNotificationList:
				for _, ev := range v.Events {
					n.Events = append(n.Events, eventFromFields(ev))
				}
			default:
				continue
			}
			s.seq++
			n.SequenceNumber = s.seq
			notify(n)
		}
	}
}

// eventFromFields maps the select clauses EventId, SourceName, Message,
// Severity, Time in that order.
func eventFromFields(ev *ua.EventFieldList) opc.AlarmEvent {
	out := opc.AlarmEvent{State: opc.AlarmActive, AckState: opc.Unacknowledged, Time: time.Now()}
	f := ev.EventFields
	get := func(i int) interface{} {
		if i < len(f) && f[i] != nil {
			return f[i].Value()
		}
		return nil
	}
	if b, ok := get(0).([]byte); ok {
		out.EventID = fmt.Sprintf("%x", b)
	}
	if s, ok := get(1).(string); ok {
		out.Source = s
	}
	switch m := get(2).(type) {
	case *ua.LocalizedText:
		out.Message = m.Text
	case string:
		out.Message = m
	}
	if sev, ok := get(3).(uint16); ok {
		out.Severity = sev
	}
	if t, ok := get(4).(time.Time); ok {
		out.Time = t
	}
	return out
}

func (u *UnifiedArchitecture) lookupSub(subID uint32) (*uaSub, error) {
	u.subMu.Lock()
	defer u.subMu.Unlock()
	s, ok := u.subs[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %d: %w", subID, subscription.ErrUnknownSubscription)
	}
	return s, nil
}

func (u *UnifiedArchitecture) ModifySubscription(ctx context.Context, subID uint32, p subscription.Params) (subscription.Revised, error) {
	c, cfg, err := u.session("modify subscription")
	if err != nil {
		return subscription.Revised{}, err
	}
	req := &ua.ModifySubscriptionRequest{
		SubscriptionID:              subID,
		RequestedPublishingInterval: toMillis(p.PublishingInterval),
		RequestedLifetimeCount:      p.LifetimeCount,
		RequestedMaxKeepAliveCount:  p.KeepAliveCount,
		MaxNotificationsPerPublish:  p.MaxNotifications,
		Priority:                    p.Priority,
	}
	var rev subscription.Revised
	err = c.Send(ctx, req, func(v ua.Response) error {
		resp, ok := v.(*ua.ModifySubscriptionResponse)
		if !ok {
			return fmt.Errorf("unexpected response %T", v)
		}
		rev = subscription.Revised{
			SubscriptionID:     subID,
			PublishingInterval: fromMillis(resp.RevisedPublishingInterval),
			LifetimeCount:      resp.RevisedLifetimeCount,
			KeepAliveCount:     resp.RevisedMaxKeepAliveCount,
		}
		return nil
	})
	if err != nil {
		return subscription.Revised{}, u.fail(cfg, "modify subscription", err)
	}
	return rev, nil
}

func (u *UnifiedArchitecture) SetPublishingMode(ctx context.Context, subID uint32, enabled bool) error {
	c, cfg, err := u.session("set publishing mode")
	if err != nil {
		return err
	}
	req := &ua.SetPublishingModeRequest{PublishingEnabled: enabled, SubscriptionIDs: []uint32{subID}}
	err = c.Send(ctx, req, func(v ua.Response) error {
		resp, ok := v.(*ua.SetPublishingModeResponse)
		if !ok {
			return fmt.Errorf("unexpected response %T", v)
		}
		if len(resp.Results) == 1 && resp.Results[0] != ua.StatusOK {
			return resp.Results[0]
		}
		return nil
	})
	if err != nil {
		return u.fail(cfg, "set publishing mode", err)
	}
	return nil
}

func (u *UnifiedArchitecture) DeleteSubscription(ctx context.Context, subID uint32) error {
	u.subMu.Lock()
	s, ok := u.subs[subID]
	delete(u.subs, subID)
	u.subMu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %d: %w", subID, subscription.ErrUnknownSubscription)
	}
	s.cancel()
	if err := s.sub.Cancel(ctx); err != nil {
		_, cfg, _ := u.session("delete subscription")
		return u.fail(cfg, "delete subscription", err)
	}
	return nil
}

func (u *UnifiedArchitecture) CreateMonitoredItems(ctx context.Context, subID uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	s, err := u.lookupSub(subID)
	if err != nil {
		return nil, err
	}
	out := make([]subscription.BackendItemResult, len(items))
	var reqs []*ua.MonitoredItemCreateRequest
	var index []int
	for i, it := range items {
		nid, err := ua.ParseNodeID(it.NodeAddress)
		if err != nil {
			out[i].Err = fmt.Errorf("node %q: %w", it.NodeAddress, err)
			continue
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nid, ua.AttributeIDValue, it.ClientHandle)
		req.RequestedParameters.SamplingInterval = toMillis(it.SamplingInterval)
		if it.QueueSize > 0 {
			req.RequestedParameters.QueueSize = it.QueueSize
		}
		req.RequestedParameters.DiscardOldest = it.DiscardOldest
		reqs = append(reqs, req)
		index = append(index, i)
	}
	if len(reqs) == 0 {
		return out, nil
	}

	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...)
	if err != nil {
		_, cfg, _ := u.session("create monitored items")
		return nil, u.fail(cfg, "create monitored items", err)
	}
	for j, i := range index {
		if j >= len(resp.Results) {
			out[i].Err = errors.New("no result from server")
			continue
		}
		r := resp.Results[j]
		if r.StatusCode != ua.StatusOK {
			out[i].Err = r.StatusCode
			continue
		}
		out[i] = subscription.BackendItemResult{
			ItemID:                  r.MonitoredItemID,
			RevisedSamplingInterval: fromMillis(r.RevisedSamplingInterval),
			RevisedQueueSize:        r.RevisedQueueSize,
		}
	}
	return out, nil
}

func (u *UnifiedArchitecture) ModifyMonitoredItems(ctx context.Context, subID uint32, items []subscription.BackendItem) ([]subscription.BackendItemResult, error) {
	c, cfg, err := u.session("modify monitored items")
	if err != nil {
		return nil, err
	}
	req := &ua.ModifyMonitoredItemsRequest{
		SubscriptionID:     subID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToModify:      make([]*ua.MonitoredItemModifyRequest, len(items)),
	}
	for i, it := range items {
		req.ItemsToModify[i] = &ua.MonitoredItemModifyRequest{
			MonitoredItemID: it.ItemID,
			RequestedParameters: &ua.MonitoringParameters{
				ClientHandle:     it.ClientHandle,
				SamplingInterval: toMillis(it.SamplingInterval),
				QueueSize:        it.QueueSize,
				DiscardOldest:    it.DiscardOldest,
			},
		}
	}
	out := make([]subscription.BackendItemResult, len(items))
	err = c.Send(ctx, req, func(v ua.Response) error {
		resp, ok := v.(*ua.ModifyMonitoredItemsResponse)
		if !ok {
			return fmt.Errorf("unexpected response %T", v)
		}
		for i := range out {
			if i >= len(resp.Results) {
				out[i].Err = errors.New("no result from server")
				continue
			}
			r := resp.Results[i]
			if r.StatusCode != ua.StatusOK {
				out[i].Err = r.StatusCode
				continue
			}
			out[i] = subscription.BackendItemResult{
				ItemID:                  items[i].ItemID,
				RevisedSamplingInterval: fromMillis(r.RevisedSamplingInterval),
				RevisedQueueSize:        r.RevisedQueueSize,
			}
		}
		return nil
	})
	if err != nil {
		return nil, u.fail(cfg, "modify monitored items", err)
	}
	return out, nil
}

func (u *UnifiedArchitecture) DeleteMonitoredItems(ctx context.Context, subID uint32, itemIDs []uint32) ([]error, error) {
	s, err := u.lookupSub(subID)
	if err != nil {
		return nil, err
	}
	resp, err := s.sub.Unmonitor(ctx, itemIDs...)
	if err != nil {
		_, cfg, _ := u.session("delete monitored items")
		return nil, u.fail(cfg, "delete monitored items", err)
	}
	out := make([]error, len(itemIDs))
	for i := range itemIDs {
		if i < len(resp.Results) && resp.Results[i] != ua.StatusOK {
			out[i] = resp.Results[i]
		}
	}
	return out, nil
}
