package consultation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/audit"
	"telemed-backend/pkg/constants"
	"telemed-backend/pkg/logger"
)

// AuditLog stores call lifecycle events
type AuditLog interface {
	Log(ctx context.Context, event *audit.AuditEvent) error
}

// Notifiers fans lifecycle events out to every non-nil notifier in order
func Notifiers(notifiers ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

type multiNotifier []Notifier

func (m multiNotifier) CallCreated(summary *domain.CallSummary) {
	for _, n := range m {
		n.CallCreated(summary)
	}
}

func (m multiNotifier) CallClaimed(call *domain.Call) {
	for _, n := range m {
		n.CallClaimed(call)
	}
}

func (m multiNotifier) CallEnded(call *domain.Call, actor domain.Identity) {
	for _, n := range m {
		n.CallEnded(call, actor)
	}
}

// AuditTrail records lifecycle events into an AuditLog. Write failures are
// logged and never surface to the caller.
type AuditTrail struct {
	log AuditLog
}

// NewAuditTrail creates an audit notifier
func NewAuditTrail(log AuditLog) *AuditTrail {
	return &AuditTrail{log: log}
}

func (a *AuditTrail) CallCreated(summary *domain.CallSummary) {
	operator := summary.OperatorID
	a.record(&audit.AuditEvent{
		CallID:    summary.CallID,
		ActorID:   &operator,
		EventType: audit.EventCallCreated,
		Status:    string(summary.Status),
		Details:   "patient " + summary.PatientID.String(),
	})
}

func (a *AuditTrail) CallClaimed(call *domain.Call) {
	a.record(&audit.AuditEvent{
		CallID:    call.CallID,
		ActorID:   copyID(call.DoctorID),
		EventType: audit.EventCallClaimed,
		Status:    string(call.Status),
	})
}

// CallEnded records who completed or cancelled the call
func (a *AuditTrail) CallEnded(call *domain.Call, actor domain.Identity) {
	actorID := actor.ID
	event := &audit.AuditEvent{
		CallID:    call.CallID,
		ActorID:   &actorID,
		EventType: audit.EventCallCompleted,
		Status:    string(call.Status),
		Details:   "by " + string(actor.Role),
	}
	if call.Status == domain.CallStatusCancelled {
		event.EventType = audit.EventCallCancelled
	} else if call.Referred {
		event.Details += ", referred"
	}
	a.record(event)
}

func (a *AuditTrail) record(event *audit.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreTimeout)
	defer cancel()

	if err := a.log.Log(ctx, event); err != nil {
		logger.Warn("Failed to write audit event",
			zap.String("call_id", event.CallID.String()),
			zap.String("event", string(event.EventType)),
			zap.Error(err))
	}
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}
