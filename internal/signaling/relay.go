package signaling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/logger"
)

// HandleMessage processes one frame from s. Validation failures are
// answered with call-error; the connection is never closed here.
func (h *Hub) HandleMessage(ctx context.Context, s *Session, data []byte) error {
	msg, err := ParseInbound(data)
	if err != nil {
		h.recordInbound("invalid")
		return h.do(func() { h.send(s, errorMessage(uuid.Nil, err)) })
	}
	h.recordInbound(msg.Type)

	switch msg.Type {
	case TypePing:
		return h.do(func() { h.send(s, &Outbound{Type: TypePong}) })

	case TypeJoinCall:
		// Read the record before entering the loop so a slow store never
		// stalls other rooms.
		lookupCtx, cancel := context.WithTimeout(ctx, constants.StoreTimeout)
		call, lookupErr := h.calls.GetByID(lookupCtx, msg.CallID)
		cancel()
		return h.do(func() { h.join(s, msg.CallID, call, lookupErr) })

	case TypeLeaveCall:
		return h.do(func() { h.leave(s, msg.CallID) })

	default:
		return h.do(func() { h.forward(s, msg) })
	}
}

func (h *Hub) join(s *Session, callID uuid.UUID, call *domain.Call, lookupErr error) {
	if lookupErr != nil {
		if errors.Is(lookupErr, domain.ErrCallNotFound) {
			h.send(s, errorMessage(callID, apperrors.CallNotFoundError()))
			return
		}
		logger.Warn("Failed to load call for join",
			zap.String("call_id", callID.String()),
			zap.Error(lookupErr))
		h.send(s, errorMessage(callID, apperrors.InternalError("Failed to load call")))
		return
	}

	// The record may have been read before a concurrent end was processed.
	if _, ended := h.tombstones[callID]; ended || call.Status.IsTerminal() {
		h.send(s, errorMessage(callID, apperrors.AlreadyTerminalError("Call has ended")))
		return
	}
	if !call.IsParticipant(s.Identity.ID) {
		h.roomViolation(s, TypeJoinCall, callID, "Not a participant of this call")
		return
	}

	if s.callID != uuid.Nil && s.callID != callID {
		h.leave(s, s.callID)
	}

	stale := h.reg.joinRoom(call, s)
	if stale != nil {
		logger.Debug("Replaced stale room session",
			zap.String("call_id", callID.String()),
			zap.String("user_id", s.Identity.ID.String()),
			zap.String("stale_session_id", stale.ID.String()))
	}
	rm := h.reg.rooms[callID]
	others := rm.others(s)

	peers := make([]domain.Identity, 0, len(others))
	for _, other := range others {
		peers = append(peers, other.Identity)
	}
	initiator := s.Identity.ID == rm.initiatorID
	h.send(s, &Outbound{
		Type:      TypeJoined,
		CallID:    callRef(callID),
		Initiator: &initiator,
		Peers:     peers,
	})

	identity := s.Identity
	h.sendAll(others, &Outbound{
		Type:   TypePeerJoined,
		CallID: callRef(callID),
		Peer:   &identity,
	})
	h.recordRooms()

	logger.Info("Joined call room",
		zap.String("call_id", callID.String()),
		zap.String("user_id", s.Identity.ID.String()),
		zap.String("role", string(s.Identity.Role)),
		zap.Int("peers", len(peers)))
}

// leave is idempotent: leaving a room the session is not in does nothing
func (h *Hub) leave(s *Session, callID uuid.UUID) {
	if s.callID != callID {
		return
	}
	rm := h.reg.leaveRoom(s)
	if rm == nil {
		return
	}

	identity := s.Identity
	h.sendAll(rm.others(s), &Outbound{
		Type:   TypePeerLeft,
		CallID: callRef(callID),
		Peer:   &identity,
	})
	h.recordRooms()
}

// forward relays offer, answer and ice-candidate to the other member of the
// sender's current room. Payloads are opaque.
func (h *Hub) forward(s *Session, msg *Inbound) {
	rm, ok := h.reg.rooms[msg.CallID]
	if s.callID != msg.CallID || !ok || !rm.isMember(s) {
		h.roomViolation(s, msg.Type, msg.CallID, "Join the call before sending "+msg.Type)
		return
	}

	others := rm.others(s)
	if len(others) == 0 {
		if h.metrics != nil {
			h.metrics.RecordRelayDropped(msg.Type, "no_peer")
		}
		logger.Debug("Dropped signal with no peer in room",
			zap.String("call_id", msg.CallID.String()),
			zap.String("type", msg.Type))
		return
	}

	from := s.Identity
	h.sendAll(others, &Outbound{
		Type:      msg.Type,
		CallID:    callRef(msg.CallID),
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
		From:      &from,
	})
}

func (h *Hub) roomViolation(s *Session, msgType string, callID uuid.UUID, message string) {
	if h.metrics != nil {
		h.metrics.RecordRoomViolation(msgType)
	}
	h.send(s, errorMessage(callID, apperrors.RoomViolationError(message)))
}

func (h *Hub) recordInbound(msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(msgType, "inbound")
	}
}
