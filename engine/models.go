package engine

import (
	"context"
	"fmt"

	"opclink/config"
)

// syncModels loads configured models that are new or moved and unloads
// models no longer configured. Callers hold applyMu or have not started.
func (e *Engine) syncModels(ctx context.Context, models []config.ModelConfig) {
	want := make(map[string]string, len(models))
	for _, m := range models {
		want[m.Name] = m.Location
	}
	for name := range e.models {
		if _, ok := want[name]; ok {
			continue
		}
		delete(e.models, name)
		if e.pipeline.UnloadModel(name) {
			e.emit(EventModelUnloaded, ModelEvent{Name: name})
		}
	}
	for _, m := range models {
		if loc, ok := e.models[m.Name]; ok && loc == m.Location {
			continue
		}
		_ = e.loadModel(ctx, m)
	}
}

// loadModel loads one model artifact. The artifact must declare the
// configured name.
func (e *Engine) loadModel(ctx context.Context, m config.ModelConfig) error {
	md, err := e.pipeline.LoadModel(ctx, m.Location)
	if err == nil && md.ModelName != m.Name {
		if _, configured := e.models[md.ModelName]; !configured {
			e.pipeline.UnloadModel(md.ModelName)
		}
		err = fmt.Errorf("%w: %s declares %q", ErrModelMismatch, m.Location, md.ModelName)
	}
	if err != nil {
		e.logger.Error("model load failed", "model", m.Name, "location", m.Location, "error", err)
		e.emit(EventModelFailed, ModelEvent{Name: m.Name, Location: m.Location, Error: err.Error()})
		return err
	}
	e.models[m.Name] = m.Location
	e.emit(EventModelLoaded, ModelEvent{Name: m.Name, Version: md.Version, Location: m.Location})
	return nil
}
