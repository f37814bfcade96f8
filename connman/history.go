package connman

import (
	"context"
	"fmt"
	"sort"
	"time"

	"opclink/driver"
	"opclink/opc"
	"opclink/transport"
)

// HistoryRequest selects raw history from an HDA connection. With no
// TagIDs every tag of the connection is read.
type HistoryRequest struct {
	TagIDs    []string      `json:"tag_ids,omitempty"`
	Range     opc.TimeRange `json:"range"`
	MaxValues uint32        `json:"max_values,omitempty"`
	// Publish sends the result upstream as a HistoricalDataBatch.
	Publish bool `json:"publish,omitempty"`
}

// ReadHistory reads raw values from a history server. Connections without
// history support return a NotApplicableError.
func (m *Manager) ReadHistory(ctx context.Context, id string, req HistoryRequest) (*transport.HistoricalDataBatch, error) {
	w, err := m.worker(id)
	if err != nil {
		return nil, err
	}
	return w.readHistory(ctx, req)
}

func (w *Worker) readHistory(ctx context.Context, req HistoryRequest) (*transport.HistoricalDataBatch, error) {
	hr, ok := w.conn.(driver.HistoryReader)
	if !ok {
		return nil, &opc.NotApplicableError{Protocol: w.cfg.Protocol, Operation: "history read"}
	}
	if !req.Range.Valid() {
		return nil, fmt.Errorf("invalid time range %s to %s", req.Range.Start.Format(time.RFC3339), req.Range.End.Format(time.RFC3339))
	}

	tags := w.tags
	if len(req.TagIDs) > 0 {
		byID := make(map[string]opc.TagDefinition, len(w.tags))
		for _, t := range w.tags {
			byID[t.ID] = t
		}
		tags = make([]opc.TagDefinition, 0, len(req.TagIDs))
		for _, id := range req.TagIDs {
			t, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTag, id, w.cfg.ID)
			}
			tags = append(tags, t)
		}
	}
	if len(tags) == 0 {
		return &transport.HistoricalDataBatch{ConnectionID: w.cfg.ID, Range: req.Range}, nil
	}

	nodes := make([]string, len(tags))
	for i, t := range tags {
		nodes[i] = t.NodeAddress
	}
	raw, err := hr.ReadRaw(ctx, nodes, req.Range, req.MaxValues)
	if err != nil {
		if driver.IsConnectionError(err) {
			w.signalLost(err)
		}
		return nil, err
	}

	batch := &transport.HistoricalDataBatch{ConnectionID: w.cfg.ID, Range: req.Range}
	for _, t := range tags {
		vals := raw[t.NodeAddress]
		sort.SliceStable(vals, func(i, j int) bool { return vals[i].Timestamp.Before(vals[j].Timestamp) })
		for _, v := range vals {
			batch.Points = append(batch.Points, opc.TagValue{TagID: t.ID, DataValue: v})
		}
	}

	if req.Publish {
		if err := w.publish(ctx, *batch); err != nil {
			return batch, fmt.Errorf("publish history: %w", err)
		}
	}
	return batch, nil
}

// backfill publishes the history recorded while the connection was down.
func (w *Worker) backfill(ctx context.Context, since time.Time) {
	if _, ok := w.conn.(driver.HistoryReader); !ok {
		return
	}
	batch, err := w.readHistory(ctx, HistoryRequest{
		Range:   opc.TimeRange{Start: since, End: time.Now()},
		Publish: true,
	})
	if err != nil {
		w.logger.Warn("history backfill failed", "since", since, "error", err)
		return
	}
	w.logger.Info("history backfilled", "since", since, "points", len(batch.Points))
}
