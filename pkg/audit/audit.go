package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telemed-backend/pkg/constants"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	EventCallCreated   AuditEventType = "call_created"
	EventCallClaimed   AuditEventType = "call_claimed"
	EventCallCompleted AuditEventType = "call_completed"
	EventCallCancelled AuditEventType = "call_cancelled"
)

// AuditEvent represents one entry in a call's audit trail
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	CallID    uuid.UUID      `json:"call_id"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	EventType AuditEventType `json:"event_type"`
	Status    string         `json:"status"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLogger appends call lifecycle events to per-call Redis lists
type AuditLogger struct {
	redisClient *redis.Client
	now         func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(redisClient *redis.Client) *AuditLogger {
	return &AuditLogger{
		redisClient: redisClient,
		now:         time.Now,
	}
}

func eventsKey(callID uuid.UUID) string {
	return fmt.Sprintf("audit:call:%s", callID)
}

// Log appends an audit event. Entries are kept in write order.
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = al.now().UTC()
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := eventsKey(event.CallID)
	pipe := al.redisClient.TxPipeline()
	pipe.RPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, constants.AuditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	return nil
}

// GetEvents returns the audit trail of one call, oldest first
func (al *AuditLogger) GetEvents(ctx context.Context, callID uuid.UUID) ([]*AuditEvent, error) {
	members, err := al.redisClient.LRange(ctx, eventsKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}

	events := make([]*AuditEvent, 0, len(members))
	for _, member := range members {
		var event AuditEvent
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}

	return events, nil
}
