package connman

import (
	"context"
	"time"

	"opclink/buffer"
	"opclink/logging"
	"opclink/opc"
	"opclink/transport"
)

// publishTimeout bounds one publish call to the uplink.
const publishTimeout = 5 * time.Second

func (w *Worker) isLive() bool {
	w.routeMu.Lock()
	defer w.routeMu.Unlock()
	return w.live
}

func (w *Worker) setLive(live bool) {
	w.routeMu.Lock()
	w.live = live
	w.routeMu.Unlock()
}

// ingest routes collected values: batched for publishing while live,
// buffered otherwise.
func (w *Worker) ingest(points ...opc.TagValue) {
	if len(points) == 0 {
		return
	}

	w.mu.Lock()
	for _, p := range points {
		w.values[p.TagID] = p.DataValue
	}
	w.mu.Unlock()

	now := time.Now()
	full := false
	w.routeMu.Lock()
	if w.live {
		w.pending = append(w.pending, points...)
		full = len(w.pending) >= w.mgr.maxBatch
	} else {
		w.bufferLocked(points, now)
	}
	w.routeMu.Unlock()

	if full {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}

	if w.mgr.opts.Values != nil {
		for _, p := range points {
			w.mgr.opts.Values.Observe(p.TagID, p.DataValue)
		}
	}
}

func (w *Worker) bufferLocked(points []opc.TagValue, now time.Time) {
	for _, p := range points {
		if err := w.buf.Enqueue(buffer.Item{TagID: p.TagID, Value: p.DataValue, EnqueueTime: now}); err != nil {
			logging.DebugLog("connman", "%s: %s not buffered: %v", w.cfg.ID, p.TagID, err)
		}
	}
}

// alarm queues an event for the next flush.
func (w *Worker) alarm(ev opc.AlarmEvent) {
	w.routeMu.Lock()
	w.alarms = append(w.alarms, ev)
	if n := len(w.alarms) - maxPendingAlarms; n > 0 {
		w.alarms = w.alarms[n:]
	}
	w.routeMu.Unlock()

	if h := w.mgr.opts.Hooks.OnAlarm; h != nil {
		h(w.cfg.ID, ev)
	}
	select {
	case w.flushNow <- struct{}{}:
	default:
	}
}

func (w *Worker) publish(ctx context.Context, b transport.Batch) error {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.mgr.pub.Publish(pctx, b)
}

// flush publishes batched points and alarms. Points from a failed publish
// move to the buffer and the worker leaves live mode.
func (w *Worker) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.routeMu.Lock()
	points := w.pending
	w.pending = nil
	alarms := w.alarms
	w.alarms = nil
	w.routeMu.Unlock()

	if len(alarms) > 0 {
		if err := w.publish(ctx, transport.AlarmEventBatch{ConnectionID: w.cfg.ID, Events: alarms}); err != nil {
			w.routeMu.Lock()
			w.alarms = append(alarms, w.alarms...)
			if n := len(w.alarms) - maxPendingAlarms; n > 0 {
				w.alarms = w.alarms[n:]
			}
			w.routeMu.Unlock()
			logging.DebugLog("connman", "%s: %d alarm events held: %v", w.cfg.ID, len(alarms), err)
		}
	}

	if len(points) == 0 {
		return
	}
	err := w.publish(ctx, transport.RealtimeDataBatch{ConnectionID: w.cfg.ID, Points: points})
	if err == nil {
		return
	}

	now := time.Now()
	w.routeMu.Lock()
	w.bufferLocked(points, now)
	w.bufferLocked(w.pending, now)
	w.pending = nil
	wasLive := w.live
	w.live = false
	w.routeMu.Unlock()
	if wasLive {
		w.logger.Warn("uplink publish failed, buffering", "points", len(points), "error", err)
	}
}

// drainThenGoLive forwards the buffer in FIFO order and switches to live
// publishing once it is empty. New values keep going to the buffer until
// then, so nothing overtakes older buffered values.
func (w *Worker) drainThenGoLive(ctx context.Context) {
	for ctx.Err() == nil {
		if !w.mgr.pub.Available() {
			return
		}
		if w.buf.Count() > 0 {
			dctx, stop := context.WithCancel(ctx)
			res := w.buf.DrainAndPublish(dctx, buffer.SinkFunc(func(c context.Context, items []buffer.Item) error {
				err := w.publish(c, transport.RealtimeDataBatch{ConnectionID: w.cfg.ID, Points: itemsToPoints(items)})
				if err != nil {
					stop()
				}
				return err
			}))
			interrupted := dctx.Err() != nil
			stop()
			if interrupted {
				if ctx.Err() == nil {
					w.logger.Warn("buffer drain interrupted", "published", res.Published, "dropped", res.Dropped, "remaining", w.buf.Count())
				}
				return
			}
		}

		w.routeMu.Lock()
		if w.buf.Count() == 0 {
			w.live = true
			w.routeMu.Unlock()
			logging.DebugLog("connman", "%s: live", w.cfg.ID)
			return
		}
		w.routeMu.Unlock()
	}
}

func itemsToPoints(items []buffer.Item) []opc.TagValue {
	points := make([]opc.TagValue, len(items))
	for i, it := range items {
		points[i] = opc.TagValue{TagID: it.TagID, DataValue: it.Value}
	}
	return points
}
