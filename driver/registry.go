package driver

import (
	"fmt"

	"opclink/opc"
)

// Factory creates an unconnected Connection for a server.
type Factory func(cfg opc.ServerConfig) (Connection, error)

// Registry maps each protocol family to its factory. It is a fixed arena
// indexed by protocol so lookups never allocate.
type Registry struct {
	factories [5]Factory
}

func protocolIndex(p opc.Protocol) (int, bool) {
	for i, known := range opc.Protocols {
		if p == known {
			return i, true
		}
	}
	return 0, false
}

// Register sets the factory for a protocol, replacing any previous one.
func (r *Registry) Register(p opc.Protocol, f Factory) {
	i, ok := protocolIndex(p)
	if !ok {
		panic(fmt.Sprintf("driver: register unknown protocol %q", p))
	}
	r.factories[i] = f
}

// Create returns a new Connection for cfg. The session is not
// established until Connect.
func (r *Registry) Create(cfg opc.ServerConfig) (Connection, error) {
	i, ok := protocolIndex(cfg.Protocol)
	if !ok {
		return nil, fmt.Errorf("server %s: %w: %q", cfg.ID, opc.ErrUnknownProtocol, cfg.Protocol)
	}
	f := r.factories[i]
	if f == nil {
		return nil, fmt.Errorf("server %s: no driver registered for %s", cfg.ID, cfg.Protocol.DisplayName())
	}
	return f(cfg)
}

// NewRegistry returns a registry with the built-in drivers.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(opc.ProtocolDA, newDataAccess)
	r.Register(opc.ProtocolUA, newUnifiedArchitecture)
	r.Register(opc.ProtocolHDA, newHistoricalDataAccess)
	r.Register(opc.ProtocolAC, newAlarmsAndConditions)
	r.Register(opc.ProtocolXMLDA, newXMLDataAccess)
	return r
}

// Create creates a Connection with the built-in drivers.
func Create(cfg opc.ServerConfig) (Connection, error) {
	return NewRegistry().Create(cfg)
}
