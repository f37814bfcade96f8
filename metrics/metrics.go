package metrics

import (
	"strconv"
	"time"

	"opclink/inference"
	"opclink/transport"
)

var connectionStates = []string{"Disconnected", "Connecting", "Connected", "Error"}

// SetConnectionState marks state as the current one for a connection.
func (r *Registry) SetConnectionState(connection, protocol, state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.ConnectionState.WithLabelValues(connection, protocol, s).Set(v)
	}
}

// ForgetConnection removes the series of a connection that was removed.
func (r *Registry) ForgetConnection(connection string) {
	r.ConnectionState.DeletePartialMatch(map[string]string{"connection": connection})
	r.SubscriptionsStale.DeletePartialMatch(map[string]string{"connection": connection})
}

// RecordReconnect counts a reconnection attempt.
func (r *Registry) RecordReconnect(connection string, err error) {
	r.ReconnectsTotal.WithLabelValues(connection, result(err)).Inc()
}

// SetSubscriptionStale records whether a subscription is stale.
func (r *Registry) SetSubscriptionStale(connection string, subscriptionID uint32, stale bool) {
	v := 0.0
	if stale {
		v = 1
	}
	r.SubscriptionsStale.WithLabelValues(connection, strconv.FormatUint(uint64(subscriptionID), 10)).Set(v)
}

// RecordWriteDecision counts a write outcome.
func (r *Registry) RecordWriteDecision(outcome, reason string) {
	r.WriteDecisions.WithLabelValues(outcome, reason).Inc()
}

// RecordHTTPRequest records an API request with its duration.
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// NotificationReceived implements subscription.Observer.
func (r *Registry) NotificationReceived(connection string, items int) {
	r.NotificationsTotal.WithLabelValues(connection).Add(float64(items))
}

// NotificationDropped implements subscription.Observer.
func (r *Registry) NotificationDropped(connection string) {
	r.NotificationsDropped.WithLabelValues(connection).Inc()
}

// BufferSize implements buffer.Observer.
func (r *Registry) BufferSize(name string, size int) {
	r.BufferItems.WithLabelValues(name).Set(float64(size))
}

// BufferEvicted implements buffer.Observer.
func (r *Registry) BufferEvicted(name string, n int) {
	r.BufferEvictions.WithLabelValues(name).Add(float64(n))
}

// BufferDrained implements buffer.Observer.
func (r *Registry) BufferDrained(name string, published, dropped int) {
	r.BufferPublished.WithLabelValues(name).Add(float64(published))
	r.BufferDropped.WithLabelValues(name).Add(float64(dropped))
}

// InferenceCompleted implements inference.Observer.
func (r *Registry) InferenceCompleted(model string, status inference.Status, d time.Duration) {
	r.InferenceTotal.WithLabelValues(model, string(status)).Inc()
	r.InferenceDuration.WithLabelValues(model).Observe(d.Seconds())
}

// ModelLoaded implements inference.Observer.
func (r *Registry) ModelLoaded(model, version string) {
	r.mu.Lock()
	r.models[model] = true
	n := len(r.models)
	r.mu.Unlock()
	r.ModelsLoaded.Set(float64(n))
}

// ModelUnloaded implements inference.Observer.
func (r *Registry) ModelUnloaded(model string) {
	r.mu.Lock()
	delete(r.models, model)
	n := len(r.models)
	r.mu.Unlock()
	r.ModelsLoaded.Set(float64(n))
}

// Published implements transport.Observer.
func (r *Registry) Published(publisher string, kind transport.Kind, err error) {
	r.TransportPublishes.WithLabelValues(publisher, string(kind), result(err)).Inc()
}
