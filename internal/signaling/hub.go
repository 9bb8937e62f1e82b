// Package signaling relays WebRTC negotiation between the two participants
// of a consultation call and pushes call lifecycle events to connected
// clients. All presence and room state is owned by a single hub goroutine.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/metrics"
)

// ErrHubClosed is returned after Shutdown
var ErrHubClosed = errors.New("signaling: hub is shut down")

// CallLookup reads call records for join validation
type CallLookup interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// PresenceTracker mirrors online identities outside the process
type PresenceTracker interface {
	SetOnline(ctx context.Context, identity domain.Identity) error
	SetOffline(ctx context.Context, identity domain.Identity) error
}

// Config holds hub tuning
type Config struct {
	// RefreshRate and RefreshBurst bound the global calls-updated fan-out
	RefreshRate  float64
	RefreshBurst int
	// PruneInterval is how often expired tombstones are dropped
	PruneInterval time.Duration
}

// Hub owns the presence registry and the rooms. Every mutation runs on the
// loop goroutine; store and presence I/O happen on the caller's goroutine.
type Hub struct {
	calls    CallLookup
	presence PresenceTracker
	metrics  *metrics.Metrics
	config   Config

	ops      chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// loop-owned
	reg        *registry
	tombstones map[uuid.UUID]time.Time
	refresh    *rate.Limiter
	now        func() time.Time
}

// NewHub creates a hub. presence and m may be nil. Call Start before use.
func NewHub(calls CallLookup, presence PresenceTracker, m *metrics.Metrics, cfg Config) *Hub {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 2
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 4
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}

	return &Hub{
		calls:      calls,
		presence:   presence,
		metrics:    m,
		config:     cfg,
		ops:        make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		reg:        newRegistry(),
		tombstones: make(map[uuid.UUID]time.Time),
		refresh:    rate.NewLimiter(rate.Limit(cfg.RefreshRate), cfg.RefreshBurst),
		now:        time.Now,
	}
}

// Start runs the hub loop in a new goroutine
func (h *Hub) Start() {
	go h.run()
}

// Shutdown stops the loop and closes every session transport
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.done) })

	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	ticker := time.NewTicker(h.config.PruneInterval)
	defer func() {
		ticker.Stop()
		for _, s := range h.reg.all() {
			_ = s.transport.Close()
		}
		close(h.stopped)
	}()

	for {
		select {
		case op := <-h.ops:
			op()
		case <-ticker.C:
			h.pruneTombstones()
		case <-h.done:
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish
func (h *Hub) do(fn func()) error {
	ack := make(chan struct{})
	select {
	case h.ops <- func() { fn(); close(ack) }:
	case <-h.done:
		return ErrHubClosed
	}
	<-ack
	return nil
}

// Register adds a live connection for identity
func (h *Hub) Register(ctx context.Context, identity domain.Identity, transport Transport) (*Session, error) {
	s := &Session{
		ID:        uuid.New(),
		Identity:  identity,
		transport: transport,
	}

	err := h.do(func() {
		h.reg.register(s)
		h.recordConnections()
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Signaling session registered",
		zap.String("session_id", s.ID.String()),
		zap.String("user_id", identity.ID.String()),
		zap.String("role", string(identity.Role)))

	if h.presence != nil {
		if err := h.presence.SetOnline(ctx, identity); err != nil {
			logger.Warn("Failed to mark identity online", zap.Error(err))
		}
	}
	return s, nil
}

// OnlineCounts returns the number of connected identities per role
func (h *Hub) OnlineCounts() (map[domain.Role]int, error) {
	var counts map[domain.Role]int
	err := h.do(func() {
		counts = h.reg.onlineCounts()
	})
	return counts, err
}

// CallCreated announces a new pending call to doctors
func (h *Hub) CallCreated(summary *domain.CallSummary) {
	msg := &Outbound{
		Type:   TypeNewPendingCall,
		CallID: callRef(summary.CallID),
		Call:   summary,
	}
	_ = h.do(func() {
		h.sendAll(h.reg.group(domain.RoleDoctor), msg)
		h.refreshAll()
	})
}

// CallClaimed tells doctors a call left the pending queue
func (h *Hub) CallClaimed(call *domain.Call) {
	msg := &Outbound{
		Type:   TypeCallClaimed,
		CallID: callRef(call.CallID),
		Status: call.Status,
	}
	if call.DoctorID != nil {
		msg.Doctor = &domain.Identity{ID: *call.DoctorID, Role: domain.RoleDoctor}
	}
	_ = h.do(func() {
		h.sendAll(h.reg.group(domain.RoleDoctor), msg)
		h.refreshAll()
	})
}

// CallEnded tells the room a call reached a terminal state and tears the
// room down. Later joins for the call are refused.
func (h *Hub) CallEnded(call *domain.Call, _ domain.Identity) {
	msg := &Outbound{
		Type:   TypeCallEnded,
		CallID: callRef(call.CallID),
		Status: call.Status,
	}
	_ = h.do(func() {
		h.tombstones[call.CallID] = h.now()
		members := h.reg.destroyRoom(call.CallID)
		h.sendAll(members, msg)
		h.recordRooms()
		h.refreshAll()
	})
}

// refreshAll sends the coarse calls-updated hint to every connection so
// clients that missed a group message can refetch
func (h *Hub) refreshAll() {
	if !h.refresh.AllowN(h.now(), 1) {
		return
	}
	h.sendAll(h.reg.all(), &Outbound{Type: TypeCallsUpdated})
}

func (h *Hub) sendAll(sessions []*Session, msg *Outbound) {
	if len(sessions) == 0 {
		return
	}
	data, ok := h.encode(msg)
	if !ok {
		return
	}
	for _, s := range sessions {
		h.write(s, msg.Type, data)
	}
}

func (h *Hub) send(s *Session, msg *Outbound) {
	if data, ok := h.encode(msg); ok {
		h.write(s, msg.Type, data)
	}
}

func (h *Hub) encode(msg *Outbound) ([]byte, bool) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to encode signaling message",
			zap.String("type", msg.Type),
			zap.Error(err))
		return nil, false
	}
	return data, true
}

// write never blocks the loop. A failed send is logged and dropped.
func (h *Hub) write(s *Session, msgType string, data []byte) {
	if err := s.transport.Send(data); err != nil {
		logger.Warn("Signaling send failed",
			zap.String("session_id", s.ID.String()),
			zap.String("user_id", s.Identity.ID.String()),
			zap.String("type", msgType),
			zap.Error(err))
		if h.metrics != nil {
			reason := "send_failed"
			if errors.Is(err, ErrBackpressure) {
				reason = "backpressure"
			}
			h.metrics.RecordRelayDropped(msgType, reason)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.RecordWebSocketMessage(msgType, "outbound")
	}
}

func (h *Hub) recordConnections() {
	if h.metrics != nil {
		h.metrics.SetWebSocketConnections(h.reg.sessionCount())
	}
}

func (h *Hub) recordRooms() {
	if h.metrics != nil {
		h.metrics.SetActiveRooms(len(h.reg.rooms))
	}
}
