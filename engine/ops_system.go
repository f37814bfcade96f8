package engine

import (
	"context"
	"fmt"

	"opclink/config"
	"opclink/opc"
)

// cloneConfig copies the parts of c that ops mutate.
func cloneConfig(c *config.Config) *config.Config {
	next := *c
	next.Servers = append([]opc.ServerConfig(nil), c.Servers...)
	next.Models = append([]config.ModelConfig(nil), c.Models...)
	return &next
}

// commit applies next and persists it.
func (e *Engine) commit(ctx context.Context, next *config.Config) error {
	if err := e.Apply(ctx, next); err != nil {
		return err
	}
	return e.saveConfig(next)
}

// saveConfig writes c to the configuration file, if there is one.
func (e *Engine) saveConfig(c *config.Config) error {
	if e.configPath == "" {
		return nil
	}
	if err := c.Save(e.configPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// SetNamespace changes the namespace and rebuilds the transports.
func (e *Engine) SetNamespace(ctx context.Context, ns string) error {
	if !config.IsValidNamespace(ns) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidInput, ns)
	}
	next := cloneConfig(e.GetConfig())
	next.Namespace = ns
	return e.commit(ctx, next)
}

// SetServerEnabled enables or disables a server. A disabled server's
// worker is stopped; enabling starts it.
func (e *Engine) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	next := cloneConfig(e.GetConfig())
	for i := range next.Servers {
		if next.Servers[i].ID != id {
			continue
		}
		if next.Servers[i].Enabled == enabled {
			return nil
		}
		next.Servers[i].Enabled = enabled
		return e.commit(ctx, next)
	}
	return fmt.Errorf("%w: server %s", ErrNotFound, id)
}

// AddModel loads a model and adds it to the configuration. An existing
// model of the same name is replaced by the new artifact. The
// configuration is only changed once the artifact has loaded.
func (e *Engine) AddModel(ctx context.Context, name, location string) error {
	if name == "" || location == "" {
		return fmt.Errorf("%w: model name and location are required", ErrInvalidInput)
	}
	e.applyMu.Lock()
	if !e.started {
		e.applyMu.Unlock()
		return ErrNotStarted
	}
	err := e.loadModel(ctx, config.ModelConfig{Name: name, Location: location})
	e.applyMu.Unlock()
	if err != nil {
		return err
	}

	next := cloneConfig(e.GetConfig())
	replaced := false
	for i := range next.Models {
		if next.Models[i].Name == name {
			next.Models[i].Location = location
			replaced = true
		}
	}
	if !replaced {
		next.Models = append(next.Models, config.ModelConfig{Name: name, Location: location})
	}
	return e.commit(ctx, next)
}

// RemoveModel unloads a model and drops it from the configuration.
// Bindings that use the model must be removed first.
func (e *Engine) RemoveModel(ctx context.Context, name string) error {
	cur := e.GetConfig()
	if cur.FindModel(name) == nil {
		return fmt.Errorf("%w: model %s", ErrNotFound, name)
	}
	for _, b := range cur.ModelBindings {
		if b.Model == name {
			return fmt.Errorf("%w: %s", ErrModelInUse, name)
		}
	}
	next := cloneConfig(cur)
	models := next.Models[:0]
	for _, m := range next.Models {
		if m.Name != name {
			models = append(models, m)
		}
	}
	next.Models = models
	return e.commit(ctx, next)
}
