package subscription

import (
	"sort"
	"time"

	"opclink/logging"
	"opclink/opc"
)

type delivery struct {
	changes []DataChange
	alarms  []opc.AlarmEvent
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscription dispatcher panic, restarting", "panic", r)
			e.wg.Add(1)
			go e.dispatch()
		}
	}()

	ticker := time.NewTicker(e.watchdog)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case n := <-e.notifyCh:
			e.deliver(e.handle(n))
		case <-e.kick:
			e.deliver(e.flushAll())
		case <-ticker.C:
			e.emit(e.checkStale())
		}
	}
}

// handle applies one notification to the subscription state and returns
// what is ready for delivery.
func (e *Engine) handle(n Notification) delivery {
	if e.obs != nil {
		e.obs.NotificationReceived(e.connID, len(n.Items))
	}

	e.mu.Lock()
	s, ok := e.subs[n.SubscriptionID]
	if !ok {
		e.mu.Unlock()
		logging.DebugLog("subscription", "%s: notification for unknown sub %d", e.connID, n.SubscriptionID)
		return delivery{}
	}

	s.lastSeen = e.now()
	var statuses []Status
	if s.stale {
		s.stale = false
		statuses = append(statuses, e.statusOf(s))
		e.logger.Info("subscription recovered", "subscription", s.id)
	}

	var out delivery
	if !n.KeepAlive {
		for _, ready := range e.order(s, n) {
			out.alarms = append(out.alarms, ready.Events...)
			for _, iv := range ready.Items {
				it, found := s.byHandle[iv.ClientHandle]
				if !found {
					continue
				}
				it.push(iv.Value)
			}
		}
		if s.state == StateActive {
			out.changes = e.drainItems(s)
		}
	}
	e.mu.Unlock()

	e.emit(statuses)
	return out
}

// order runs n through the subscription's reorder window and returns the
// notifications that are now deliverable in sequence order.
func (e *Engine) order(s *subscription, n Notification) []Notification {
	if s.nextSeq == 0 {
		s.nextSeq = n.SequenceNumber
	}
	switch {
	case seqBefore(n.SequenceNumber, s.nextSeq):
		logging.DebugLog("subscription", "%s: sub %d late notification %d (expected %d)", e.connID, s.id, n.SequenceNumber, s.nextSeq)
		return nil
	case seqBefore(s.nextSeq, n.SequenceNumber):
		s.held[n.SequenceNumber] = n
		if len(s.held) <= e.window {
			return nil
		}
		// Window exhausted: give up on the gap and resume at the lowest held sequence.
		lowest := n.SequenceNumber
		for seq := range s.held {
			if seqBefore(seq, lowest) {
				lowest = seq
			}
		}
		e.logger.Warn("notification sequence gap", "subscription", s.id, "missing_from", s.nextSeq, "missing_to", lowest-1)
		s.nextSeq = lowest
	default:
		s.held[n.SequenceNumber] = n
	}

	var ready []Notification
	for {
		next, ok := s.held[s.nextSeq]
		if !ok {
			break
		}
		delete(s.held, s.nextSeq)
		ready = append(ready, next)
		s.nextSeq = seqNext(s.nextSeq)
	}
	return ready
}

// Sequence numbers are uint32 and wrap from 4294967295 back to 1; zero is
// never sent. seqBefore compares them in serial-number order.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqNext(seq uint32) uint32 {
	seq++
	if seq == 0 {
		seq = 1
	}
	return seq
}

func (e *Engine) drainItems(s *subscription) []DataChange {
	var out []DataChange
	ids := make([]uint32, 0, len(s.items))
	for id, it := range s.items {
		if len(it.queue) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		it := s.items[id]
		for i, v := range it.queue {
			out = append(out, DataChange{
				ConnectionID:   e.connID,
				SubscriptionID: s.id,
				ItemID:         it.ItemID,
				TagID:          it.TagID,
				NodeAddress:    it.NodeAddress,
				Value:          v,
				Overflow:       i == 0 && it.overflow,
			})
		}
		it.queue = it.queue[:0]
		it.overflow = false
	}
	return out
}

func (e *Engine) flushAll() delivery {
	var out delivery
	e.mu.Lock()
	for _, s := range e.subs {
		if s.state == StateActive {
			out.changes = append(out.changes, e.drainItems(s)...)
		}
	}
	e.mu.Unlock()
	return out
}

func (e *Engine) deliver(d delivery) {
	if len(d.changes) == 0 && len(d.alarms) == 0 {
		return
	}
	e.mu.Lock()
	consumers := e.consumers
	e.mu.Unlock()

	for _, c := range consumers {
		for _, dc := range d.changes {
			c.OnDataChange(dc)
		}
		for _, ev := range d.alarms {
			c.OnAlarm(e.connID, ev)
		}
	}
}

// checkStale marks active subscriptions that have been silent longer than
// their keep-alive allowance.
func (e *Engine) checkStale() []Status {
	now := e.now()
	var out []Status
	e.mu.Lock()
	for _, s := range e.subs {
		if s.state != StateActive || s.stale {
			continue
		}
		limit := time.Duration(float64(s.revised.KeepAliveTimeout()) * staleFactor)
		if limit <= 0 {
			continue
		}
		if now.Sub(s.lastSeen) > limit {
			s.stale = true
			out = append(out, e.statusOf(s))
			e.logger.Warn("subscription stale, no keep-alive", "subscription", s.id, "silent_for", now.Sub(s.lastSeen).Round(time.Millisecond))
		}
	}
	e.mu.Unlock()
	return out
}
