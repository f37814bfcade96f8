package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"opclink/connman"
	"opclink/engine"
	"opclink/inference"
	"opclink/opc"
	"opclink/policy"
	"opclink/transport"
)

// writeEngineError maps runtime errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, connman.ErrUnknownConnection),
		errors.Is(err, connman.ErrUnknownTag),
		errors.Is(err, policy.ErrUnknownCorrelation),
		errors.Is(err, inference.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrModelInUse):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrModelMismatch),
		errors.Is(err, inference.ErrMissingModelInput),
		errors.Is(err, inference.ErrUnknownRuntime):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, policy.ErrInvalidValue):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, policy.ErrConfirmationTimeout):
		status = http.StatusGone
	case errors.Is(err, opc.ErrNotApplicable):
		status = http.StatusNotImplemented
	case errors.Is(err, opc.ErrNotConnected), errors.Is(err, engine.ErrNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrInferenceFailed):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Warn("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// --- Writes ---

// writeResponse adds the error text to a write result.
type writeResponse struct {
	connman.WriteResult
	Error string `json:"error,omitempty"`
}

// writeStatus maps a write outcome to an HTTP status. Failed writes reached
// the server and are reported as a bad gateway.
func (h *handlers) writeStatus(w http.ResponseWriter, res connman.WriteResult, err error) {
	resp := writeResponse{WriteResult: res}
	if err == nil {
		status := http.StatusOK
		if res.Outcome == transport.OutcomePending {
			status = http.StatusAccepted
		}
		writeJSONStatus(w, status, resp)
		return
	}

	resp.Error = err.Error()
	if res.Outcome == transport.OutcomeFailed {
		h.logger.Warn("write failed", "tag", res.TagID, "correlation_id", res.CorrelationID, "error", err)
		writeJSONStatus(w, http.StatusBadGateway, resp)
		return
	}
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, policy.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, policy.ErrUnknownCorrelation), errors.Is(err, connman.ErrUnknownTag):
		status = http.StatusNotFound
	case errors.Is(err, policy.ErrConfirmationTimeout):
		status = http.StatusGone
	case errors.Is(err, opc.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, resp)
}

type writeRequest struct {
	TagID         string      `json:"tag_id"`
	Value         interface{} `json:"value"`
	CorrelationID string      `json:"correlation_id"`
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TagID == "" || req.Value == nil {
		writeError(w, http.StatusBadRequest, "tag_id and value are required")
		return
	}
	res, err := h.managers.GetConnections().Write(r.Context(), policy.WriteRequest{
		TagID:         req.TagID,
		Value:         req.Value,
		Requester:     userFrom(r.Context()),
		CorrelationID: req.CorrelationID,
	})
	h.writeStatus(w, res, err)
}

func (h *handlers) handleConfirmWrite(w http.ResponseWriter, r *http.Request) {
	res, err := h.managers.GetConnections().Confirm(r.Context(), urlParam(r, "correlation"), userFrom(r.Context()))
	h.writeStatus(w, res, err)
}

func (h *handlers) handleCancelWrite(w http.ResponseWriter, r *http.Request) {
	corr := urlParam(r, "correlation")
	if !h.managers.GetConnections().CancelWrite(corr, userFrom(r.Context())) {
		writeError(w, http.StatusNotFound, policy.ErrUnknownCorrelation.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled", "correlation_id": corr})
}

// --- Alarms ---

type ackRequest struct {
	Comment string `json:"comment"`
}

func (h *handlers) handleAckAlarm(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	conn, event := urlParam(r, "conn"), urlParam(r, "event")
	if err := h.managers.GetConnections().AcknowledgeAlarm(r.Context(), conn, event, req.Comment); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.logger.Info("alarm acknowledged", "connection", conn, "event_id", event, "user", userFrom(r.Context()))
	writeJSON(w, map[string]string{"status": "acknowledged"})
}

func (h *handlers) handleConfirmAlarm(w http.ResponseWriter, r *http.Request) {
	conn, event := urlParam(r, "conn"), urlParam(r, "event")
	if err := h.managers.GetConnections().ConfirmAlarm(r.Context(), conn, event); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.logger.Info("alarm confirmed", "connection", conn, "event_id", event, "user", userFrom(r.Context()))
	writeJSON(w, map[string]string{"status": "confirmed"})
}

// --- Connections ---

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req connman.HistoryRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Range.Valid() {
		writeError(w, http.StatusBadRequest, "range start must be before end")
		return
	}
	batch, err := h.managers.GetConnections().ReadHistory(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, batch)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *handlers) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.engine.SetServerEnabled(r.Context(), urlParam(r, "id"), *req.Enabled); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"enabled": *req.Enabled})
}

// --- Models ---

type modelRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func (h *handlers) handleAddModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.AddModel(r.Context(), req.Name, req.Location); err != nil {
		h.writeEngineError(w, err)
		return
	}
	info, _ := h.managers.GetPipeline().Model(req.Name)
	writeJSONStatus(w, http.StatusCreated, info)
}

func (h *handlers) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveModel(r.Context(), urlParam(r, "name")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleRunModel(w http.ResponseWriter, r *http.Request) {
	var features map[string]interface{}
	if !decode(w, r, &features) {
		return
	}
	out, err := h.managers.GetPipeline().Run(r.Context(), urlParam(r, "name"), features)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, out)
}

// --- Config ---

func (h *handlers) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReloadConfig(r.Context()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.logger.Info("configuration reloaded", "user", userFrom(r.Context()))
	writeJSON(w, map[string]string{"status": "reloaded"})
}

type namespaceRequest struct {
	Namespace string `json:"namespace"`
}

func (h *handlers) handleSetNamespace(w http.ResponseWriter, r *http.Request) {
	var req namespaceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetNamespace(r.Context(), req.Namespace); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]string{"namespace": req.Namespace})
}
