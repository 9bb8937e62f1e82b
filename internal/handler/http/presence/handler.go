package presence

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/response"
)

// LocalPresence reports connections held by this process
type LocalPresence interface {
	OnlineCounts() (map[domain.Role]int, error)
}

// SharedPresence is the Redis presence mirror
type SharedPresence interface {
	ListOnline(ctx context.Context, role domain.Role) ([]uuid.UUID, error)
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Handler serves the admin presence overview
type Handler struct {
	local  LocalPresence
	shared SharedPresence
}

// NewHandler creates a presence handler. shared may be nil without Redis.
func NewHandler(local LocalPresence, shared SharedPresence) *Handler {
	return &Handler{local: local, shared: shared}
}

// Overview returns online counts per role
// GET /v1/presence
func (h *Handler) Overview(c *gin.Context) {
	counts, err := h.local.OnlineCounts()
	if err != nil {
		response.FromError(c, err)
		return
	}

	body := gin.H{"connected": counts}
	if h.shared != nil {
		online := make(map[domain.Role][]uuid.UUID)
		for _, role := range []domain.Role{domain.RoleOperator, domain.RoleDoctor, domain.RoleAdmin} {
			ids, err := h.shared.ListOnline(c.Request.Context(), role)
			if err != nil {
				logger.Warn("Failed to list online identities",
					zap.String("role", string(role)),
					zap.Error(err))
				continue
			}
			online[role] = ids
		}
		body["online"] = online
	}

	response.Success(c, http.StatusOK, body)
}

// Status reports whether one identity is online
// GET /v1/presence/:id
func (h *Handler) Status(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}
	if h.shared == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Presence store is not configured")
		return
	}

	online, err := h.shared.IsOnline(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "Failed to read presence")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id": userID,
		"online":  online,
	})
}
