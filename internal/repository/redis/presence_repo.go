package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"telemed-backend/internal/database"
	"telemed-backend/internal/domain"
	"telemed-backend/pkg/constants"
)

// PresenceRepository mirrors which participants hold a signaling connection.
// It is informational only; the hub's in-memory registry is authoritative.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

func onlineSetKey(role domain.Role) string {
	return fmt.Sprintf("presence:online:%s", role)
}

// SetOnline marks an identity as connected
func (r *PresenceRepository) SetOnline(ctx context.Context, identity domain.Identity) error {
	// Auto-expire if the hub dies without cleaning up.
	err := r.client.SafeSet(ctx, presenceKey(identity.ID), string(identity.Role), constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}

	err = r.client.SafeSAdd(ctx, onlineSetKey(identity.Role), identity.ID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetOffline marks an identity as disconnected
func (r *PresenceRepository) SetOffline(ctx context.Context, identity domain.Identity) error {
	err := r.client.SafeDel(ctx, presenceKey(identity.ID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	err = r.client.SafeSRem(ctx, onlineSetKey(identity.Role), identity.ID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// Refresh extends the presence TTL (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, userID uuid.UUID) error {
	err := r.client.SafeExpire(ctx, presenceKey(userID), constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// IsOnline checks if a participant currently holds a connection
func (r *PresenceRepository) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// ListOnline returns the connected participants with the given role
func (r *PresenceRepository) ListOnline(ctx context.Context, role domain.Role) ([]uuid.UUID, error) {
	idStrs, err := r.client.SafeSMembers(ctx, onlineSetKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(idStrs))
	for _, idStr := range idStrs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}
