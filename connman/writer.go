package connman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opclink/opc"
	"opclink/policy"
	"opclink/transport"
)

// auditTimeout bounds publishing one CriticalWriteLog.
const auditTimeout = 2 * time.Second

// WriteResult is the outcome of a write request.
type WriteResult struct {
	TagID         string    `json:"tag_id"`
	CorrelationID string    `json:"correlation_id"`
	Outcome       string    `json:"outcome"`
	Policy        string    `json:"policy,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Write runs a write request through the write policy and forwards admitted
// writes to the tag's server. Writes that need confirmation return
// OutcomePending with the correlation ID to confirm. Every outcome is
// published as a CriticalWriteLog.
func (m *Manager) Write(ctx context.Context, req policy.WriteRequest) (WriteResult, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	var tag *opc.TagDefinition
	if t, ok := m.Tag(req.TagID); ok {
		tag = &t
	}

	ev, err := m.policy.Evaluate(req, tag)
	if err != nil {
		reason := ""
		if rej, ok := policy.AsRejection(err); ok {
			reason = string(rej.Reason)
		}
		m.audit(req, req.Value, transport.OutcomeRejected, err.Error())
		m.observer.RecordWriteDecision(transport.OutcomeRejected, reason)
		return WriteResult{TagID: req.TagID, CorrelationID: req.CorrelationID, Outcome: transport.OutcomeRejected}, err
	}

	res := WriteResult{
		TagID:         req.TagID,
		CorrelationID: ev.Request.CorrelationID,
		Policy:        ev.Policy,
	}
	if ev.Decision == policy.Pending {
		res.Outcome = transport.OutcomePending
		res.ExpiresAt = ev.ExpiresAt
		m.audit(ev.Request, ev.Value, transport.OutcomePending, "awaiting confirmation")
		m.observer.RecordWriteDecision(transport.OutcomePending, "")
		return res, nil
	}

	err = m.forward(ctx, ev)
	if err != nil {
		res.Outcome = transport.OutcomeFailed
		return res, err
	}
	res.Outcome = transport.OutcomeWritten
	return res, nil
}

// Confirm forwards a write held for confirmation.
func (m *Manager) Confirm(ctx context.Context, correlationID, confirmer string) (WriteResult, error) {
	ev, err := m.policy.Confirm(correlationID, confirmer)
	if err != nil {
		res := WriteResult{CorrelationID: correlationID, Outcome: transport.OutcomeRejected}
		if errors.Is(err, policy.ErrConfirmationTimeout) {
			res.Outcome = transport.OutcomeExpired
		}
		if rej, ok := policy.AsRejection(err); ok {
			res.TagID = rej.TagID
		}
		return res, err
	}

	m.audit(ev.Request, ev.Value, transport.OutcomeConfirmed, "confirmed by "+confirmer)
	m.observer.RecordWriteDecision(transport.OutcomeConfirmed, "")

	res := WriteResult{
		TagID:         ev.Request.TagID,
		CorrelationID: correlationID,
		Policy:        ev.Policy,
	}
	if err := m.forward(ctx, ev); err != nil {
		res.Outcome = transport.OutcomeFailed
		return res, err
	}
	res.Outcome = transport.OutcomeWritten
	return res, nil
}

// CancelWrite drops a write held for confirmation.
func (m *Manager) CancelWrite(correlationID, by string) bool {
	for _, ev := range m.policy.Pending() {
		if ev.Request.CorrelationID != correlationID {
			continue
		}
		if !m.policy.Cancel(correlationID) {
			return false
		}
		m.audit(ev.Request, ev.Value, transport.OutcomeRejected, "cancelled by "+by)
		m.observer.RecordWriteDecision(transport.OutcomeRejected, "Cancelled")
		return true
	}
	return false
}

// PendingWrites lists writes awaiting confirmation.
func (m *Manager) PendingWrites() []policy.Evaluation {
	return m.policy.Pending()
}

// WriteExpired records a pending write whose confirmation window passed.
// It is installed as the policy engine's expiry callback.
func (m *Manager) WriteExpired(ev policy.Evaluation) {
	m.audit(ev.Request, ev.Value, transport.OutcomeExpired, string(policy.ReasonConfirmationTimeout))
	m.observer.RecordWriteDecision(transport.OutcomeExpired, string(policy.ReasonConfirmationTimeout))
}

// HandleBusWrite executes a write command received over a message bus.
func (m *Manager) HandleBusWrite(ctx context.Context, cmd transport.WriteCommand) (string, error) {
	requester := cmd.Requester
	if requester == "" {
		requester = "bus"
	}
	res, err := m.Write(ctx, policy.WriteRequest{
		TagID:         cmd.TagID,
		Value:         cmd.Value,
		Requester:     requester,
		CorrelationID: cmd.CorrelationID,
	})
	return res.Outcome, err
}

// forward sends an admitted write to the server and settles its quota.
func (m *Manager) forward(ctx context.Context, ev *policy.Evaluation) error {
	w, err := m.worker(ev.Tag.ServerID)
	if err == nil {
		err = w.write(ctx, ev.Tag.NodeAddress, ev.Value)
	}
	if err != nil {
		m.policy.RecordFailedWrite(ev.Request)
		m.audit(ev.Request, ev.Value, transport.OutcomeFailed, err.Error())
		m.observer.RecordWriteDecision(transport.OutcomeFailed, "")
		return fmt.Errorf("write %s: %w", ev.Request.TagID, err)
	}
	m.policy.RecordSuccessfulWrite(ev.Request)
	m.audit(ev.Request, ev.Value, transport.OutcomeWritten, "")
	m.observer.RecordWriteDecision(transport.OutcomeWritten, "")
	return nil
}

// audit logs and publishes one CriticalWriteLog. Audit records are not
// buffered; a failed publish is logged.
func (m *Manager) audit(req policy.WriteRequest, value interface{}, outcome, reason string) {
	entry := transport.CriticalWriteLog{
		TagID:         req.TagID,
		Value:         value,
		Requester:     req.Requester,
		CorrelationID: req.CorrelationID,
		Outcome:       outcome,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}

	attrs := []any{"tag", entry.TagID, "requester", entry.Requester, "correlation_id", entry.CorrelationID, "outcome", outcome}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	switch outcome {
	case transport.OutcomeRejected, transport.OutcomeFailed, transport.OutcomeExpired:
		m.logger.Warn("critical write", attrs...)
	default:
		m.logger.Info("critical write", attrs...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := m.pub.Publish(ctx, entry); err != nil {
		m.logger.Warn("critical write log not published", "tag", entry.TagID, "outcome", outcome, "error", err)
	}
	if h := m.opts.Hooks.OnWrite; h != nil {
		h(entry)
	}
}
