package engine

import (
	"context"
	"reflect"

	"opclink/config"
	"opclink/kafka"
	"opclink/mqtt"
	"opclink/nats"
	"opclink/transport"
	"opclink/valkey"
)

// buildPublishers creates a publisher for every enabled transport. Bus
// transports that accept write commands route them to the connection
// manager.
func (e *Engine) buildPublishers(cfg *config.Config) []transport.Publisher {
	var pubs []transport.Publisher
	for _, c := range cfg.Transports.MQTT {
		if !c.Enabled {
			continue
		}
		p := mqtt.NewPublisher(c, cfg.Namespace, e.logger)
		p.SetWriteHandler(e.handleBusWrite)
		pubs = append(pubs, p)
	}
	for _, c := range cfg.Transports.Kafka {
		if !c.Enabled {
			continue
		}
		pubs = append(pubs, kafka.NewProducer(c, cfg.Namespace, e.logger))
	}
	for _, c := range cfg.Transports.Valkey {
		if !c.Enabled {
			continue
		}
		p := valkey.NewPublisher(c, cfg.Namespace, e.logger)
		p.SetWriteHandler(e.handleBusWrite)
		pubs = append(pubs, p)
	}
	for _, c := range cfg.Transports.NATS {
		if !c.Enabled {
			continue
		}
		pubs = append(pubs, nats.NewPublisher(c, cfg.Namespace, e.logger))
	}
	if len(pubs) == 0 {
		e.logger.Warn("no transports enabled, collected values stay in the connection buffers")
	}
	return pubs
}

// startPublishers starts publishers that hold a connection. A publisher
// that fails to start stays in the fanout and reports unavailable.
func (e *Engine) startPublishers(ctx context.Context, pubs []transport.Publisher) {
	for _, p := range pubs {
		s, ok := p.(transport.Starter)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			e.logger.Error("transport start failed", "publisher", p.Name(), "error", err)
			e.emit(EventPublisherFailed, ServiceEvent{Name: p.Name(), Error: err.Error()})
			continue
		}
		e.logger.Info("transport started", "publisher", p.Name())
		e.emit(EventPublisherStarted, ServiceEvent{Name: p.Name()})
	}
}

func stopPublishers(pubs []transport.Publisher) {
	for _, p := range pubs {
		if s, ok := p.(transport.Starter); ok {
			_ = s.Stop()
		}
	}
}

// transportsChanged reports whether next needs a new publisher set.
func transportsChanged(prev, next *config.Config) bool {
	return prev.Namespace != next.Namespace || !reflect.DeepEqual(prev.Transports, next.Transports)
}

// replaceTransports swaps in publishers built from next. The new set is
// started before the old one is stopped.
func (e *Engine) replaceTransports(ctx context.Context, next *config.Config) {
	if e.params.Publishers != nil {
		return
	}
	pubs := e.buildPublishers(next)
	e.startPublishers(ctx, pubs)
	old := e.fanout.Replace(pubs)
	stopPublishers(old)
	e.logger.Info("transports replaced", "publishers", len(pubs), "stopped", len(old))
}
