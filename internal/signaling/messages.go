package signaling

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"telemed-backend/internal/domain"
	apperrors "telemed-backend/pkg/errors"
)

// Inbound message types
const (
	TypeJoinCall     = "join-call"
	TypeLeaveCall    = "leave-call"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePing         = "ping"
)

// Outbound message types
const (
	TypePong             = "pong"
	TypeJoined           = "joined"
	TypePeerJoined       = "peer-joined"
	TypePeerLeft         = "peer-left"
	TypePeerDisconnected = "peer-disconnected"
	TypeNewPendingCall   = "new-pending-call"
	TypeCallClaimed      = "call-claimed"
	TypeCallEnded        = "call-ended"
	TypeCallsUpdated     = "calls-updated"
	TypeCallError        = "call-error"
)

var errMissingPayload = errors.New("missing payload")

// Inbound is a message received from a client. The sender is never taken
// from the payload; it is the identity bound to the connection. SDP and
// Candidate keep the client's bytes and are relayed as received.
type Inbound struct {
	Type      string          `json:"type"`
	CallID    uuid.UUID       `json:"call_id"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Outbound is a message sent to a client
type Outbound struct {
	Type      string              `json:"type"`
	CallID    *uuid.UUID          `json:"call_id,omitempty"`
	SDP       json.RawMessage     `json:"sdp,omitempty"`
	Candidate json.RawMessage     `json:"candidate,omitempty"`
	From      *domain.Identity    `json:"from,omitempty"`
	Peer      *domain.Identity    `json:"peer,omitempty"`
	Peers     []domain.Identity   `json:"peers,omitempty"`
	Initiator *bool               `json:"initiator,omitempty"`
	Call      *domain.CallSummary `json:"call,omitempty"`
	Doctor    *domain.Identity    `json:"doctor,omitempty"`
	Status    domain.CallStatus   `json:"status,omitempty"`
	Code      apperrors.ErrorCode `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ParseInbound decodes and validates a client frame
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.BadMessageError("Malformed message")
	}

	switch msg.Type {
	case TypePing:
		return &msg, nil
	case TypeJoinCall, TypeLeaveCall:
	case TypeOffer, TypeAnswer:
		desc, err := decodeSDP(msg.SDP)
		if err != nil || desc.SDP == "" {
			return nil, apperrors.BadMessageError(msg.Type + " requires sdp")
		}
		if desc.Type == webrtc.SDPTypeUnknown {
			return nil, apperrors.BadMessageError(msg.Type + " sdp has no valid type")
		}
	case TypeICECandidate:
		if _, err := decodeCandidate(msg.Candidate); err != nil {
			return nil, apperrors.BadMessageError("ice-candidate requires candidate")
		}
	case "":
		return nil, apperrors.BadMessageError("Missing message type")
	default:
		return nil, apperrors.UnknownMessageError(msg.Type)
	}

	if msg.CallID == uuid.Nil {
		return nil, apperrors.BadMessageError("call_id is required")
	}
	return &msg, nil
}

// Description decodes the relayed session description
func (m *Outbound) Description() (*webrtc.SessionDescription, error) {
	return decodeSDP(m.SDP)
}

// ICECandidate decodes the relayed candidate
func (m *Outbound) ICECandidate() (*webrtc.ICECandidateInit, error) {
	return decodeCandidate(m.Candidate)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeSDP(raw json.RawMessage) (*webrtc.SessionDescription, error) {
	if isNull(raw) {
		return nil, errMissingPayload
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func decodeCandidate(raw json.RawMessage) (*webrtc.ICECandidateInit, error) {
	if isNull(raw) {
		return nil, errMissingPayload
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return nil, err
	}
	return &candidate, nil
}

func callRef(id uuid.UUID) *uuid.UUID {
	return &id
}

func errorMessage(callID uuid.UUID, err error) *Outbound {
	appErr := apperrors.GetAppError(err)
	out := &Outbound{
		Type:    TypeCallError,
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if callID != uuid.Nil {
		out.CallID = callRef(callID)
	}
	return out
}
