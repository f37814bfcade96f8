package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"opclink/config"
	"opclink/driver"
	"opclink/engine"
	"opclink/logging"
	"opclink/metrics"
	"opclink/opc"
)

// RouterOptions configures the API router.
type RouterOptions struct {
	// Users may call the mutating endpoints.
	Users []config.APIUser
	// MetricsPath serves the Prometheus registry when set.
	MetricsPath string
	Logger      *slog.Logger
}

// TagResponse is the JSON response for a tag and its last value.
type TagResponse struct {
	opc.TagDefinition
	Value *opc.DataValue `json:"value,omitempty"`
}

// PublisherResponse describes one uplink publisher.
type PublisherResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// HealthResponse is the JSON structure for runtime health.
type HealthResponse struct {
	Status      string              `json:"status"`
	Uplink      bool                `json:"uplink"`
	Publishers  []PublisherResponse `json:"publishers"`
	Connections map[string]int      `json:"connections"`
	Buffered    int                 `json:"buffered"`
	Models      int                 `json:"models"`
	Timestamp   string              `json:"timestamp"`
}

// handlers holds the API handler functions.
type handlers struct {
	managers engine.Managers
	engine   *engine.Engine
	hub      *eventHub
	logger   *slog.Logger
}

// NewRouter creates the REST API router. The returned function stops the
// event stream and must be called when the router is discarded.
func NewRouter(eng *engine.Engine, opts RouterOptions) (chi.Router, func()) {
	h := &handlers{
		managers: eng,
		engine:   eng,
		hub:      newEventHub(),
		logger:   logging.OrDiscard(opts.Logger).With("component", "api"),
	}
	auth := newAuthenticator(opts.Users)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware(eng.GetMetrics()))

	r.Get("/health", h.handleHealth)
	r.Get("/events", h.handleSSE)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, eng.GetMetrics().Handler())
	}

	// Read endpoints
	r.Get("/connections", h.handleListConnections)
	r.Route("/connections/{id}", func(r chi.Router) {
		r.Get("/", h.handleConnection)
		r.Get("/values", h.handleValues)
		r.Get("/browse", h.handleBrowse)
		r.With(auth.requireAuth).Post("/history", h.handleHistory)
		r.With(auth.requireAuth).Put("/enabled", h.handleSetEnabled)
	})
	r.Get("/tags", h.handleListTags)
	r.Get("/tags/{id}", h.handleTag)
	r.Get("/writes/pending", h.handlePendingWrites)
	r.Get("/models", h.handleListModels)
	r.Get("/models/{name}", h.handleModel)

	// Mutating endpoints
	r.Group(func(r chi.Router) {
		r.Use(auth.requireAuth)
		r.Post("/write", h.handleWrite)
		r.Post("/write/{correlation}/confirm", h.handleConfirmWrite)
		r.Post("/write/{correlation}/cancel", h.handleCancelWrite)
		r.Post("/alarms/{conn}/{event}/ack", h.handleAckAlarm)
		r.Post("/alarms/{conn}/{event}/confirm", h.handleConfirmAlarm)
		r.Post("/models", h.handleAddModel)
		r.Delete("/models/{name}", h.handleRemoveModel)
		r.Post("/models/{name}/run", h.handleRunModel)
		r.Post("/config/reload", h.handleReloadConfig)
		r.Put("/config/namespace", h.handleSetNamespace)
	})

	return r, h.setupSSE()
}

// metricsMiddleware records every request by its route pattern.
func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reg.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns := h.managers.GetConnections()
	fanout := h.managers.GetFanout()

	resp := HealthResponse{
		Status:      "ok",
		Uplink:      fanout.Available(),
		Publishers:  []PublisherResponse{},
		Connections: make(map[string]int),
		Models:      len(h.managers.GetPipeline().Models()),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range fanout.Publishers() {
		resp.Publishers = append(resp.Publishers, PublisherResponse{Name: p.Name(), Available: p.Available()})
	}
	for _, st := range conns.Status() {
		resp.Buffered += st.Buffer.Size
		if !st.Enabled {
			resp.Connections["disabled"]++
			continue
		}
		resp.Connections[st.State.String()]++
		if st.State != driver.StateConnected {
			resp.Status = "degraded"
		}
	}
	if !resp.Uplink {
		resp.Status = "degraded"
	}
	writeJSON(w, resp)
}

func (h *handlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.managers.GetConnections().Status())
}

func (h *handlers) handleConnection(w http.ResponseWriter, r *http.Request) {
	st, err := h.managers.GetConnections().Connection(urlParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, st)
}

func (h *handlers) handleValues(w http.ResponseWriter, r *http.Request) {
	values, err := h.managers.GetConnections().Values(urlParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if values == nil {
		values = []opc.TagValue{}
	}
	writeJSON(w, values)
}

func (h *handlers) handleBrowse(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.managers.GetConnections().Browse(r.Context(), urlParam(r, "id"), r.URL.Query().Get("node"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if nodes == nil {
		nodes = []opc.BrowseNode{}
	}
	writeJSON(w, nodes)
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	conns := h.managers.GetConnections()
	values := make(map[string]opc.DataValue)
	for _, st := range conns.Status() {
		vals, _ := conns.Values(st.ID)
		for _, v := range vals {
			values[v.TagID] = v.DataValue
		}
	}

	tags := conns.Tags()
	out := make([]TagResponse, len(tags))
	for i, t := range tags {
		out[i] = TagResponse{TagDefinition: t}
		if v, ok := values[t.ID]; ok {
			out[i].Value = &v
		}
	}
	writeJSON(w, out)
}

func (h *handlers) handleTag(w http.ResponseWriter, r *http.Request) {
	conns := h.managers.GetConnections()
	tag, ok := conns.Tag(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	resp := TagResponse{TagDefinition: tag}
	vals, _ := conns.Values(tag.ServerID)
	for _, v := range vals {
		if v.TagID == tag.ID {
			dv := v.DataValue
			resp.Value = &dv
			break
		}
	}
	writeJSON(w, resp)
}

// pendingWrite is the JSON form of a write awaiting confirmation.
type pendingWrite struct {
	TagID         string      `json:"tag_id"`
	Value         interface{} `json:"value"`
	Requester     string      `json:"requester"`
	CorrelationID string      `json:"correlation_id"`
	Policy        string      `json:"policy,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

func (h *handlers) handlePendingWrites(w http.ResponseWriter, r *http.Request) {
	pending := h.managers.GetConnections().PendingWrites()
	out := make([]pendingWrite, len(pending))
	for i, ev := range pending {
		out[i] = pendingWrite{
			TagID:         ev.Request.TagID,
			Value:         ev.Value,
			Requester:     ev.Request.Requester,
			CorrelationID: ev.Request.CorrelationID,
			Policy:        ev.Policy,
			ExpiresAt:     ev.ExpiresAt,
		}
	}
	writeJSON(w, out)
}

func (h *handlers) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.managers.GetPipeline().Models())
}

func (h *handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	info, ok := h.managers.GetPipeline().Model(urlParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "model not loaded")
		return
	}
	writeJSON(w, info)
}
