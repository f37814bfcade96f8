package engine

import (
	"context"
	"fmt"
	"reflect"

	"opclink/config"
)

// Apply makes next the configuration in effect. Write policies, models,
// bindings, transports and connections are updated in place; buffer,
// reconnect and batch settings take effect on the next start. A rejected
// configuration leaves the current one in effect.
func (e *Engine) Apply(ctx context.Context, next *config.Config) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if !e.started {
		return ErrNotStarted
	}
	if err := next.Validate(); err != nil {
		return e.reject(fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	prev := e.GetConfig()

	if err := e.policy.LoadPolicies(next.WritePolicies, next.ValidationRules); err != nil {
		return e.reject(fmt.Errorf("write policies: %w", err))
	}

	e.syncModels(ctx, next.Models)
	if err := e.feeder.SetBindings(next.ModelBindings); err != nil {
		e.logger.Error("model bindings not applied", "error", err)
	}

	if transportsChanged(prev, next) {
		e.replaceTransports(ctx, next)
	}

	prevIDs := serverIDs(prev)
	if err := e.conns.Reconfigure(ctx, next.Servers, withScanRate(next.Tags, next.PollRate)); err != nil {
		e.logger.Error("connections reconfigured with errors", "error", err)
	}
	nextIDs := serverIDs(next)
	for id := range nextIDs {
		if !prevIDs[id] {
			e.emit(EventConnectionAdded, ServerEvent{ID: id})
		}
	}
	for id := range prevIDs {
		if !nextIDs[id] {
			e.emit(EventConnectionRemoved, ServerEvent{ID: id})
		}
	}

	if restartOnly(prev, next) {
		e.logger.Info("buffer, reconnect, batch and confirmation settings apply after restart")
	}
	if prev.Namespace != next.Namespace {
		e.emit(EventNamespaceChanged, SystemEvent{Detail: next.Namespace})
	}

	e.setConfig(next)
	e.logger.Info("configuration applied", "servers", len(next.Servers), "tags", len(next.Tags), "models", len(next.Models))
	e.emit(EventConfigApplied, SystemEvent{Detail: e.configPath})
	return nil
}

func (e *Engine) reject(err error) error {
	e.logger.Error("configuration rejected", "error", err)
	e.emit(EventConfigRejected, SystemEvent{Detail: err.Error()})
	return err
}

func serverIDs(c *config.Config) map[string]bool {
	ids := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		ids[s.ID] = true
	}
	return ids
}

func restartOnly(prev, next *config.Config) bool {
	return !reflect.DeepEqual(prev.Buffer, next.Buffer) ||
		prev.Reconnect != next.Reconnect ||
		prev.Batch != next.Batch ||
		prev.ShutdownGrace != next.ShutdownGrace ||
		prev.ConfirmationTimeout != next.ConfirmationTimeout
}

// ReloadConfig reads the configuration file again and applies it.
func (e *Engine) ReloadConfig(ctx context.Context) error {
	if e.configPath == "" {
		return fmt.Errorf("%w: no configuration file", ErrInvalidInput)
	}
	next, err := config.Load(e.configPath)
	if err != nil {
		return e.reject(err)
	}
	return e.Apply(ctx, next)
}
