// Package driver provides one Connection per OPC protocol family behind a
// common interface. Capabilities beyond the common set are discovered
// with type assertions.
package driver

import (
	"context"
	"time"

	"opclink/opc"
	"opclink/subscription"
)

// Connection is the capability set shared by every protocol family.
type Connection interface {
	// Connect establishes the session. Calling it while connected tears
	// the session down and re-establishes it.
	Connect(ctx context.Context, cfg opc.ServerConfig) error
	// Disconnect closes the session and always releases native
	// resources, forcibly if the graceful close exceeds the dispose timeout.
	Disconnect(ctx context.Context) error
	// Status returns cached state and never performs network I/O.
	Status() Status

	Read(ctx context.Context, nodes []string) ([]opc.DataValue, error)
	Write(ctx context.Context, node string, value interface{}) error
	Browse(ctx context.Context, node string) ([]opc.BrowseNode, error)

	Protocol() opc.Protocol
}

// Subscriber is implemented by connections with server-side subscriptions.
type Subscriber interface {
	Connection
	subscription.Backend
}

// HistoryReader is implemented by connections that serve raw history.
type HistoryReader interface {
	ReadRaw(ctx context.Context, nodes []string, r opc.TimeRange, maxValues uint32) (map[string][]opc.DataValue, error)
}

// AlarmSource is implemented by connections that stream alarm events.
type AlarmSource interface {
	// Events is closed when the connection disconnects.
	Events() <-chan opc.AlarmEvent
	Acknowledge(ctx context.Context, eventID, comment string) error
	Confirm(ctx context.Context, eventID string) error
}

// Poller is implemented by connections whose values must be polled. The
// worker never polls faster than MinScanRate.
type Poller interface {
	MinScanRate() time.Duration
}
