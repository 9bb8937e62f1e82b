package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a consultation call
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusOngoing   CallStatus = "ongoing"
	CallStatusCompleted CallStatus = "completed"
	CallStatusCancelled CallStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusCompleted || s == CallStatusCancelled
}

// Valid reports whether s is one of the known statuses
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusPending, CallStatusOngoing, CallStatusCompleted, CallStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// A same-status "transition" is allowed only for ongoing (note updates).
func CanTransition(from, to CallStatus) bool {
	switch {
	case from == CallStatusPending && to == CallStatusOngoing:
		return true
	case from == CallStatusPending && to == CallStatusCancelled:
		return true
	case from == CallStatusPending && to == CallStatusCompleted:
		// only when the completing doctor is assigned in the same write
		return true
	case from == CallStatusOngoing && to == CallStatusCompleted:
		return true
	case from == CallStatusOngoing && to == CallStatusOngoing:
		return true
	}
	return false
}

// Call represents one consultation session
type Call struct {
	CallID       uuid.UUID  `json:"call_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	OperatorID   uuid.UUID  `json:"operator_id"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	Status       CallStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ExpiryTime   time.Time  `json:"expiry_time"`
	CallLink     string     `json:"call_link"`
	DoctorAdvice *string    `json:"doctor_advice,omitempty"`
	Referred     bool       `json:"referred"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsExpired reports whether the advisory deadline has passed. Display only.
func (c *Call) IsExpired(now time.Time) bool {
	return !c.Status.IsTerminal() && now.After(c.ExpiryTime)
}

// IsParticipant reports whether userID is the call's operator or assigned doctor
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	if c.OperatorID == userID {
		return true
	}
	return c.DoctorID != nil && *c.DoctorID == userID
}

// Clone returns a deep copy so stores never hand out shared pointers
func (c *Call) Clone() *Call {
	out := *c
	if c.DoctorID != nil {
		id := *c.DoctorID
		out.DoctorID = &id
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	if c.DoctorAdvice != nil {
		a := *c.DoctorAdvice
		out.DoctorAdvice = &a
	}
	return &out
}

// Transition is a guarded, single-write status change. The store applies it
// only if the current status is in From (and, when set, the assigned doctor
// equals RequireDoctor); otherwise nothing is written.
type Transition struct {
	From          []CallStatus
	To            CallStatus
	DoctorID      *uuid.UUID
	EndTime       *time.Time
	DoctorAdvice  *string
	Referred      *bool
	RequireDoctor *uuid.UUID
	At            time.Time
}

// Allows reports whether the transition's guard accepts call
func (t Transition) Allows(call *Call) bool {
	if !t.allowsStatus(call.Status) {
		return false
	}
	if t.RequireDoctor != nil {
		return call.DoctorID != nil && *call.DoctorID == *t.RequireDoctor
	}
	return true
}

func (t Transition) allowsStatus(s CallStatus) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Apply mutates call according to the transition. Callers check Allows first.
func (t Transition) Apply(call *Call) {
	call.Status = t.To
	if t.DoctorID != nil {
		id := *t.DoctorID
		call.DoctorID = &id
	}
	if t.EndTime != nil {
		end := *t.EndTime
		call.EndTime = &end
	}
	if t.DoctorAdvice != nil {
		advice := *t.DoctorAdvice
		call.DoctorAdvice = &advice
	}
	if t.Referred != nil {
		call.Referred = *t.Referred
	}
	call.UpdatedAt = t.At
}

// FromStrings renders the guard statuses for SQL parameters
func (t Transition) FromStrings() []string {
	out := make([]string, len(t.From))
	for i, s := range t.From {
		out[i] = string(s)
	}
	return out
}

// Validate rejects transitions that could break the record invariants
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return fmt.Errorf("transition to %s has no source status", t.To)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return fmt.Errorf("illegal transition %s -> %s", from, t.To)
		}
		if from == CallStatusPending && t.To != CallStatusCancelled && t.DoctorID == nil {
			return fmt.Errorf("transition %s -> %s must assign a doctor", from, t.To)
		}
	}
	if t.To.IsTerminal() && t.EndTime == nil {
		return fmt.Errorf("transition to %s must set an end time", t.To)
	}
	return nil
}

// ErrCallNotFound is returned by stores when no call has the requested id
var ErrCallNotFound = errors.New("call not found")

// TransitionError is returned by stores when a guarded transition was refused
type TransitionError struct {
	CallID  uuid.UUID
	Current CallStatus
	To      CallStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s: cannot move from %s to %s", e.CallID, e.Current, e.To)
}

// CallFilter narrows list queries
type CallFilter struct {
	Status        *CallStatus
	ParticipantID *uuid.UUID
	// Ascending orders by start time oldest first (pending queue); default newest first.
	Ascending bool
	Limit     int
	Offset    int
}

// Matches reports whether call satisfies the filter's predicates
func (f CallFilter) Matches(call *Call) bool {
	if f.Status != nil && call.Status != *f.Status {
		return false
	}
	if f.ParticipantID != nil && !call.IsParticipant(*f.ParticipantID) {
		return false
	}
	return true
}

// CallSummary is a call populated with the patient details shown to doctors
type CallSummary struct {
	*Call
	Patient *PatientSummary `json:"patient,omitempty"`
	Expired bool            `json:"expired"`
}
