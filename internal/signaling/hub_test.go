package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed-backend/internal/domain"
	"telemed-backend/internal/repository/memory"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/metrics"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return ErrBackpressure
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// drain returns and clears received messages
func (f *fakeTransport) drain(t *testing.T) []Outbound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, 0, len(f.frames))
	for _, frame := range f.frames {
		var msg Outbound
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	f.frames = nil
	return out
}

func types(msgs []Outbound) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

type client struct {
	session   *Session
	transport *fakeTransport
}

type hubFixture struct {
	hub   *Hub
	calls *memory.CallRepository
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	calls := memory.NewCallRepository()
	hub := NewHub(calls, nil, metrics.NewMetrics("signaling-test"), Config{RefreshRate: 1000, RefreshBurst: 1000})
	hub.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return &hubFixture{hub: hub, calls: calls}
}

func (f *hubFixture) connect(t *testing.T, identity domain.Identity) *client {
	t.Helper()
	transport := &fakeTransport{}
	s, err := f.hub.Register(context.Background(), identity, transport)
	require.NoError(t, err)
	return &client{session: s, transport: transport}
}

func (f *hubFixture) newCall(t *testing.T, operator, doctor domain.Identity, status domain.CallStatus) *domain.Call {
	t.Helper()
	now := time.Now().UTC()
	call := &domain.Call{
		CallID:     uuid.New(),
		PatientID:  uuid.New(),
		OperatorID: operator.ID,
		Status:     status,
		StartTime:  now,
		ExpiryTime: now.Add(constants.CallExpiryWindow),
		CallLink:   fmt.Sprintf("call-%d-%s", now.UnixNano(), uuid.NewString()[:7]),
	}
	if status != domain.CallStatusPending {
		id := doctor.ID
		call.DoctorID = &id
	}
	require.NoError(t, f.calls.Create(context.Background(), call))
	return call
}

func (f *hubFixture) send(t *testing.T, c *client, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, f.hub.HandleMessage(context.Background(), c.session, data))
}

func joinMsg(callID uuid.UUID) map[string]interface{} {
	return map[string]interface{}{"type": TypeJoinCall, "call_id": callID}
}

func offerMsg(callID uuid.UUID, sdp string) map[string]interface{} {
	return map[string]interface{}{
		"type":    TypeOffer,
		"call_id": callID,
		"sdp":     map[string]string{"type": "offer", "sdp": sdp},
	}
}

func iceMsg(callID uuid.UUID, candidate string) map[string]interface{} {
	return map[string]interface{}{
		"type":      TypeICECandidate,
		"call_id":   callID,
		"candidate": map[string]interface{}{"candidate": candidate, "sdpMid": "0", "sdpMLineIndex": 0},
	}
}

func sdpOf(t *testing.T, msg *Outbound) string {
	t.Helper()
	desc, err := msg.Description()
	require.NoError(t, err)
	return desc.SDP
}

func operatorID() domain.Identity { return domain.Identity{ID: uuid.New(), Role: domain.RoleOperator} }
func doctorID() domain.Identity   { return domain.Identity{ID: uuid.New(), Role: domain.RoleDoctor} }

func TestHub_FullConsultationFlow(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)

	a := f.connect(t, op)
	b := f.connect(t, doc)

	f.send(t, a, joinMsg(call.CallID))
	msgs := a.transport.drain(t)
	require.Equal(t, []string{TypeJoined}, types(msgs))
	require.NotNil(t, msgs[0].Initiator)
	assert.True(t, *msgs[0].Initiator, "operator initiates")
	assert.Empty(t, msgs[0].Peers)

	f.send(t, b, joinMsg(call.CallID))
	msgs = b.transport.drain(t)
	require.Equal(t, []string{TypeJoined}, types(msgs))
	assert.False(t, *msgs[0].Initiator)
	assert.Equal(t, []domain.Identity{op}, msgs[0].Peers)

	msgs = a.transport.drain(t)
	require.Equal(t, []string{TypePeerJoined}, types(msgs))
	assert.Equal(t, doc, *msgs[0].Peer)

	f.send(t, a, offerMsg(call.CallID, "v=0 offer"))
	msgs = b.transport.drain(t)
	require.Equal(t, []string{TypeOffer}, types(msgs))
	assert.Equal(t, "v=0 offer", sdpOf(t, &msgs[0]))
	assert.Equal(t, op, *msgs[0].From)
	assert.Equal(t, call.CallID, *msgs[0].CallID)
	assert.Empty(t, a.transport.drain(t), "no echo to sender")

	f.send(t, b, map[string]interface{}{
		"type": TypeAnswer, "call_id": call.CallID,
		"sdp": map[string]string{"type": "answer", "sdp": "v=0 answer"},
	})
	msgs = a.transport.drain(t)
	require.Equal(t, []string{TypeAnswer}, types(msgs))
	assert.Equal(t, doc, *msgs[0].From)

	f.send(t, a, iceMsg(call.CallID, "candidate:1 1 UDP 2122252543 10.0.0.1 5000 typ host"))
	msgs = b.transport.drain(t)
	require.Equal(t, []string{TypeICECandidate}, types(msgs))
	candidate, err := msgs[0].ICECandidate()
	require.NoError(t, err)
	assert.Contains(t, candidate.Candidate, "10.0.0.1")

	f.hub.CallEnded(&domain.Call{CallID: call.CallID, Status: domain.CallStatusCompleted}, op)
	assert.Contains(t, types(a.transport.drain(t)), TypeCallEnded)
	assert.Contains(t, types(b.transport.drain(t)), TypeCallEnded)

	// Negotiation after the end is refused.
	f.send(t, a, offerMsg(call.CallID, "late"))
	msgs = a.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeRoomViolation, msgs[0].Code)
	assert.Empty(t, b.transport.drain(t))

	// Rejoining an ended call is refused even before the store catches up.
	f.send(t, a, joinMsg(call.CallID))
	msgs = a.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeAlreadyTerminal, msgs[0].Code)
}

func TestHub_RoomIsolation(t *testing.T) {
	f := newHubFixture(t)
	op1, doc1 := operatorID(), doctorID()
	op2, doc2 := operatorID(), doctorID()
	call1 := f.newCall(t, op1, doc1, domain.CallStatusOngoing)
	call2 := f.newCall(t, op2, doc2, domain.CallStatusOngoing)

	a1, b1 := f.connect(t, op1), f.connect(t, doc1)
	a2, b2 := f.connect(t, op2), f.connect(t, doc2)
	f.send(t, a1, joinMsg(call1.CallID))
	f.send(t, b1, joinMsg(call1.CallID))
	f.send(t, a2, joinMsg(call2.CallID))
	f.send(t, b2, joinMsg(call2.CallID))
	for _, c := range []*client{a1, b1, a2, b2} {
		c.transport.drain(t)
	}

	f.send(t, a1, offerMsg(call1.CallID, "one"))
	f.send(t, a2, offerMsg(call2.CallID, "two"))

	m1 := b1.transport.drain(t)
	m2 := b2.transport.drain(t)
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.Equal(t, "one", sdpOf(t, &m1[0]))
	assert.Equal(t, "two", sdpOf(t, &m2[0]))

	// Sending into another call's room is a violation and reaches nobody.
	f.send(t, a1, iceMsg(call2.CallID, "candidate:x"))
	msgs := a1.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeCallError, msgs[0].Type)
	assert.Equal(t, apperrors.ErrCodeRoomViolation, msgs[0].Code)
	assert.Empty(t, a2.transport.drain(t))
	assert.Empty(t, b2.transport.drain(t))
}

func TestHub_JoinChecks(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a := f.connect(t, op)
	stranger := f.connect(t, doctorID())

	f.send(t, a, joinMsg(uuid.New()))
	msgs := a.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, msgs[0].Code)

	f.send(t, stranger, joinMsg(call.CallID))
	msgs = stranger.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeRoomViolation, msgs[0].Code)

	done := f.newCall(t, op, doc, domain.CallStatusCompleted)
	f.send(t, a, joinMsg(done.CallID))
	msgs = a.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeAlreadyTerminal, msgs[0].Code)
}

func TestHub_BadMessages(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect(t, operatorID())

	require.NoError(t, f.hub.HandleMessage(context.Background(), a.session, []byte("{not json")))
	f.send(t, a, map[string]interface{}{"type": "mute-audio", "call_id": uuid.New()})
	f.send(t, a, map[string]interface{}{"type": TypeOffer, "call_id": uuid.New()})
	f.send(t, a, map[string]interface{}{"type": TypeJoinCall})

	msgs := a.transport.drain(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, apperrors.ErrCodeBadMessage, msgs[0].Code)
	assert.Equal(t, apperrors.ErrCodeUnknownMessage, msgs[1].Code)
	assert.Equal(t, apperrors.ErrCodeBadMessage, msgs[2].Code)
	assert.Equal(t, apperrors.ErrCodeBadMessage, msgs[3].Code)

	f.send(t, a, map[string]string{"type": TypePing})
	assert.Equal(t, []string{TypePong}, types(a.transport.drain(t)))
}

func TestHub_LeaveIsIdempotent(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a, b := f.connect(t, op), f.connect(t, doc)
	f.send(t, a, joinMsg(call.CallID))
	f.send(t, b, joinMsg(call.CallID))
	a.transport.drain(t)
	b.transport.drain(t)

	leave := map[string]interface{}{"type": TypeLeaveCall, "call_id": call.CallID}
	f.send(t, b, leave)
	f.send(t, b, leave)

	msgs := a.transport.drain(t)
	require.Equal(t, []string{TypePeerLeft}, types(msgs))
	assert.Equal(t, doc, *msgs[0].Peer)
	assert.Empty(t, b.transport.drain(t))
	assert.Equal(t, uuid.Nil, b.session.CallID())
}

func TestHub_JoiningAnotherCallLeavesPrevious(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	first := f.newCall(t, op, doc, domain.CallStatusOngoing)
	second := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a, b := f.connect(t, op), f.connect(t, doc)
	f.send(t, a, joinMsg(first.CallID))
	f.send(t, b, joinMsg(first.CallID))
	a.transport.drain(t)

	f.send(t, b, joinMsg(second.CallID))
	msgs := a.transport.drain(t)
	require.Equal(t, []string{TypePeerLeft}, types(msgs))

	// Stale candidates for the old room are not delivered.
	b.transport.drain(t)
	f.send(t, b, iceMsg(first.CallID, "candidate:stale"))
	assert.Empty(t, a.transport.drain(t))
	assert.Equal(t, apperrors.ErrCodeRoomViolation, b.transport.drain(t)[0].Code)
}

func TestHub_DisconnectAndReconnect(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a, b := f.connect(t, op), f.connect(t, doc)
	f.send(t, a, joinMsg(call.CallID))
	f.send(t, b, joinMsg(call.CallID))
	a.transport.drain(t)

	f.hub.Unregister(context.Background(), b.session)
	msgs := a.transport.drain(t)
	require.Equal(t, []string{TypePeerDisconnected}, types(msgs))
	assert.Equal(t, doc, *msgs[0].Peer)

	stored, err := f.calls.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, stored.Status, "disconnect never transitions the call")

	b2 := f.connect(t, doc)
	f.send(t, b2, joinMsg(call.CallID))
	assert.Equal(t, []string{TypePeerJoined}, types(a.transport.drain(t)))
	joined := b2.transport.drain(t)
	require.Len(t, joined, 1)
	assert.Equal(t, []domain.Identity{op}, joined[0].Peers)

	f.send(t, a, offerMsg(call.CallID, "renegotiate"))
	msgs = b2.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "renegotiate", sdpOf(t, &msgs[0]))
}

func TestHub_DuplicateSessionReplacesStaleRoomMember(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a := f.connect(t, op)
	oldTab, newTab := f.connect(t, doc), f.connect(t, doc)

	f.send(t, a, joinMsg(call.CallID))
	f.send(t, oldTab, joinMsg(call.CallID))
	f.send(t, newTab, joinMsg(call.CallID))
	a.transport.drain(t)
	oldTab.transport.drain(t)
	newTab.transport.drain(t)

	f.send(t, a, offerMsg(call.CallID, "fresh"))
	assert.Empty(t, oldTab.transport.drain(t))
	assert.Len(t, newTab.transport.drain(t), 1)

	// The stale tab closing does not disturb the room.
	f.hub.Unregister(context.Background(), oldTab.session)
	assert.Empty(t, a.transport.drain(t))
}

func TestHub_DoctorGroupNotifications(t *testing.T) {
	f := newHubFixture(t)
	op := operatorID()
	d1, d2 := f.connect(t, doctorID()), f.connect(t, doctorID())
	operatorClient := f.connect(t, op)

	call := f.newCall(t, op, domain.Identity{}, domain.CallStatusPending)
	f.hub.CallCreated(&domain.CallSummary{Call: call, Patient: &domain.PatientSummary{Name: "Esi"}})

	for _, d := range []*client{d1, d2} {
		msgs := d.transport.drain(t)
		require.Equal(t, []string{TypeNewPendingCall, TypeCallsUpdated}, types(msgs))
		assert.Equal(t, "Esi", msgs[0].Call.Patient.Name)
	}
	assert.Equal(t, []string{TypeCallsUpdated}, types(operatorClient.transport.drain(t)),
		"operators only get the coarse refresh")

	doctor := d1.session.Identity
	claimed := call.Clone()
	claimed.Status = domain.CallStatusOngoing
	claimed.DoctorID = &doctor.ID
	f.hub.CallClaimed(claimed)

	msgs := d2.transport.drain(t)
	require.Equal(t, TypeCallClaimed, msgs[0].Type)
	assert.Equal(t, doctor, *msgs[0].Doctor)
}

func TestHub_RefreshIsRateLimited(t *testing.T) {
	calls := memory.NewCallRepository()
	hub := NewHub(calls, nil, nil, Config{RefreshRate: 0.001, RefreshBurst: 1})
	hub.Start()
	defer hub.Shutdown(context.Background())

	transport := &fakeTransport{}
	_, err := hub.Register(context.Background(), operatorID(), transport)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		hub.CallEnded(&domain.Call{CallID: uuid.New(), Status: domain.CallStatusCancelled}, operatorID())
	}
	assert.Equal(t, []string{TypeCallsUpdated}, types(transport.drain(t)))
}

func TestHub_BackpressureDropsWithoutBlocking(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)
	a, b := f.connect(t, op), f.connect(t, doc)
	f.send(t, a, joinMsg(call.CallID))
	f.send(t, b, joinMsg(call.CallID))

	b.transport.mu.Lock()
	b.transport.full = true
	b.transport.mu.Unlock()

	f.send(t, a, offerMsg(call.CallID, "dropped"))
	f.send(t, a, map[string]string{"type": TypePing})
	assert.Contains(t, types(a.transport.drain(t)), TypePong)
}

func TestHub_TwoDoctorsRaceOneRoom(t *testing.T) {
	f := newHubFixture(t)
	op, winner, loser := operatorID(), doctorID(), doctorID()
	call := f.newCall(t, op, winner, domain.CallStatusOngoing)

	w, l := f.connect(t, winner), f.connect(t, loser)
	f.send(t, w, joinMsg(call.CallID))
	f.send(t, l, joinMsg(call.CallID))

	assert.Equal(t, []string{TypeJoined}, types(w.transport.drain(t)))
	msgs := l.transport.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, apperrors.ErrCodeRoomViolation, msgs[0].Code)
}

func TestHub_ShutdownClosesTransports(t *testing.T) {
	hub := NewHub(memory.NewCallRepository(), nil, nil, Config{})
	hub.Start()
	transport := &fakeTransport{}
	s, err := hub.Register(context.Background(), operatorID(), transport)
	require.NoError(t, err)

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.True(t, transport.closed)
	assert.ErrorIs(t, hub.HandleMessage(context.Background(), s, []byte(`{"type":"ping"}`)), ErrHubClosed)

	_, err = hub.OnlineCounts()
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_PruneTombstones(t *testing.T) {
	hub := NewHub(memory.NewCallRepository(), nil, nil, Config{})
	now := time.Now()
	hub.now = func() time.Time { return now }
	old, recent := uuid.New(), uuid.New()
	hub.tombstones[old] = now.Add(-constants.TombstoneRetention - time.Second)
	hub.tombstones[recent] = now

	hub.pruneTombstones()

	assert.NotContains(t, hub.tombstones, old)
	assert.Contains(t, hub.tombstones, recent)
}

func TestHub_OnlineCounts(t *testing.T) {
	f := newHubFixture(t)
	doc := doctorID()
	f.connect(t, doc)
	f.connect(t, doc)
	f.connect(t, operatorID())

	counts, err := f.hub.OnlineCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.RoleDoctor])
	assert.Equal(t, 1, counts[domain.RoleOperator])
}

func TestHub_RelaysPayloadsVerbatim(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)

	a := f.connect(t, op)
	b := f.connect(t, doc)
	f.send(t, a, joinMsg(call.CallID))
	f.send(t, b, joinMsg(call.CallID))
	a.transport.drain(t)
	b.transport.drain(t)

	sdp := `{"type":"Offer","sdp":"v=0","x-hint":true}`
	frame := fmt.Sprintf(`{"type":"offer","call_id":%q,"sdp":%s}`, call.CallID, sdp)
	require.NoError(t, f.hub.HandleMessage(context.Background(), a.session, []byte(frame)))

	msgs := b.transport.drain(t)
	require.Equal(t, []string{TypeOffer}, types(msgs))
	assert.Equal(t, sdp, string(msgs[0].SDP))

	candidate := `{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.1 5000 typ host","extra":1}`
	frame = fmt.Sprintf(`{"type":"ice-candidate","call_id":%q,"candidate":%s}`, call.CallID, candidate)
	require.NoError(t, f.hub.HandleMessage(context.Background(), a.session, []byte(frame)))

	msgs = b.transport.drain(t)
	require.Equal(t, []string{TypeICECandidate}, types(msgs))
	assert.Equal(t, candidate, string(msgs[0].Candidate))
	assert.Empty(t, a.transport.drain(t))
}

func TestHub_RejectsUntypedSessionDescription(t *testing.T) {
	f := newHubFixture(t)
	op, doc := operatorID(), doctorID()
	call := f.newCall(t, op, doc, domain.CallStatusOngoing)

	a := f.connect(t, op)
	b := f.connect(t, doc)
	f.send(t, a, joinMsg(call.CallID))
	f.send(t, b, joinMsg(call.CallID))
	a.transport.drain(t)
	b.transport.drain(t)

	for _, sdp := range []string{`{"sdp":"v=0"}`, `{"type":"banana","sdp":"v=0"}`, `null`} {
		frame := fmt.Sprintf(`{"type":"offer","call_id":%q,"sdp":%s}`, call.CallID, sdp)
		require.NoError(t, f.hub.HandleMessage(context.Background(), a.session, []byte(frame)))

		msgs := a.transport.drain(t)
		require.Len(t, msgs, 1, sdp)
		assert.Equal(t, apperrors.ErrCodeBadMessage, msgs[0].Code, sdp)
	}
	assert.Empty(t, b.transport.drain(t), "nothing reaches the peer")
}
