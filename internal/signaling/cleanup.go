package signaling

import (
	"context"

	"go.uber.org/zap"

	"telemed-backend/pkg/constants"
	"telemed-backend/pkg/logger"
)

// Unregister handles a transport disconnect. The room keeps existing for the
// remaining peer and the call record is left untouched; a reconnecting client
// joins again.
func (h *Hub) Unregister(ctx context.Context, s *Session) {
	var last bool
	err := h.do(func() {
		h.disconnect(s)
		last = h.reg.unregister(s)
		h.recordConnections()
	})
	if err != nil {
		return
	}

	logger.Debug("Signaling session unregistered",
		zap.String("session_id", s.ID.String()),
		zap.String("user_id", s.Identity.ID.String()))

	if last && h.presence != nil {
		if err := h.presence.SetOffline(ctx, s.Identity); err != nil {
			logger.Warn("Failed to mark identity offline", zap.Error(err))
		}
	}
}

func (h *Hub) disconnect(s *Session) {
	callID := s.callID
	rm := h.reg.leaveRoom(s)
	if rm == nil {
		return
	}

	identity := s.Identity
	h.sendAll(rm.others(s), &Outbound{
		Type:   TypePeerDisconnected,
		CallID: callRef(callID),
		Peer:   &identity,
	})
	h.recordRooms()
}

// pruneTombstones forgets ended calls after TombstoneRetention. By then any
// join that read the record before the end has been processed, and new
// joins see the terminal status in the store.
func (h *Hub) pruneTombstones() {
	cutoff := h.now().Add(-constants.TombstoneRetention)
	for callID, endedAt := range h.tombstones {
		if endedAt.Before(cutoff) {
			delete(h.tombstones, callID)
		}
	}
}
