// Package consultation implements the call lifecycle: creation by an
// operator, claim by a doctor, completion, cancellation and notes.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/metrics"
	"telemed-backend/pkg/sanitize"
)

// CallRepository persists call records. Transition must be a single
// conditional write.
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	Transition(ctx context.Context, callID uuid.UUID, t domain.Transition) (*domain.Call, error)
	List(ctx context.Context, filter domain.CallFilter) ([]*domain.Call, error)
	Count(ctx context.Context, filter domain.CallFilter) (int, error)
}

// PatientRepository resolves patient summaries
type PatientRepository interface {
	GetSummary(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, error)
	GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error)
}

// Notifier pushes lifecycle events to connected clients
type Notifier interface {
	CallCreated(summary *domain.CallSummary)
	CallClaimed(call *domain.Call)
	CallEnded(call *domain.Call, actor domain.Identity)
}

// Archiver stores the report of a finished call
type Archiver interface {
	Archive(ctx context.Context, summary *domain.CallSummary) error
}

// Service handles call lifecycle business logic
type Service struct {
	calls    CallRepository
	patients PatientRepository
	notifier Notifier
	archiver Archiver
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService creates a new consultation service. notifier, archiver and m may be nil.
func NewService(calls CallRepository, patients PatientRepository, notifier Notifier, archiver Archiver, m *metrics.Metrics) *Service {
	return &Service{
		calls:    calls,
		patients: patients,
		notifier: notifier,
		archiver: archiver,
		metrics:  m,
		now:      time.Now,
	}
}

// CreateCallInput contains call creation data
type CreateCallInput struct {
	PatientID uuid.UUID
	Operator  domain.Identity
}

// CompleteInput carries the optional outcome recorded by a doctor
type CompleteInput struct {
	DoctorAdvice *string
	Referred     *bool
}

// NotesInput updates consultation notes without changing status
type NotesInput struct {
	DoctorAdvice *string
	Referred     *bool
}

// ListInput pages through call records
type ListInput struct {
	Status *domain.CallStatus
	Limit  int
	Offset int
}

// CallPage is one page of calls with the total matching count
type CallPage struct {
	Calls []*domain.Call `json:"calls"`
	Total int            `json:"total"`
}

// CreateCall opens a pending call for a patient and announces it to doctors
func (s *Service) CreateCall(ctx context.Context, input *CreateCallInput) (*domain.CallSummary, error) {
	if !input.Operator.Is(domain.RoleOperator) {
		return nil, apperrors.ForbiddenError("Only operators can create calls")
	}
	if input.PatientID == uuid.Nil {
		return nil, apperrors.ValidationError("patient_id is required")
	}

	patient, err := s.patients.GetSummary(ctx, input.PatientID)
	if err != nil {
		if errors.Is(err, domain.ErrPatientNotFound) {
			return nil, apperrors.NotFoundError("Patient")
		}
		return nil, apperrors.DatabaseError(err)
	}

	now := s.now().UTC()
	call := &domain.Call{
		CallID:     uuid.New(),
		PatientID:  input.PatientID,
		OperatorID: input.Operator.ID,
		Status:     domain.CallStatusPending,
		StartTime:  now,
		ExpiryTime: now.Add(constants.CallExpiryWindow),
		CallLink:   newCallLink(now),
		UpdatedAt:  now,
	}
	if err := s.calls.Create(ctx, call); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	summary := &domain.CallSummary{Call: call, Patient: patient}
	logger.Info("Call created",
		zap.String("call_id", call.CallID.String()),
		zap.String("operator_id", call.OperatorID.String()))

	if s.notifier != nil {
		s.notifier.CallCreated(summary)
	}
	return summary, nil
}

// ClaimCall assigns a pending call to a doctor. Exactly one of several
// concurrent claims succeeds; the rest see INVALID_TRANSITION.
func (s *Service) ClaimCall(ctx context.Context, callID uuid.UUID, doctor domain.Identity) (*domain.Call, error) {
	if !doctor.Is(domain.RoleDoctor) {
		return nil, apperrors.ForbiddenError("Only doctors can claim calls")
	}

	doctorID := doctor.ID
	call, err := s.transition(ctx, callID, domain.Transition{
		From:     []domain.CallStatus{domain.CallStatusPending},
		To:       domain.CallStatusOngoing,
		DoctorID: &doctorID,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Call claimed",
		zap.String("call_id", callID.String()),
		zap.String("doctor_id", doctorID.String()))

	if s.notifier != nil {
		s.notifier.CallClaimed(call)
	}
	return call, nil
}

// CompleteCall ends a call. A doctor may complete a pending or ongoing call
// and record an outcome; anyone else may only complete an ongoing call.
// Refusing a pending call to non-doctors is deliberate: a completed call
// always names its doctor, and only a doctor can supply one.
func (s *Service) CompleteCall(ctx context.Context, callID uuid.UUID, actor domain.Identity, input *CompleteInput) (*domain.Call, error) {
	if input == nil {
		input = &CompleteInput{}
	}
	end := s.now().UTC()

	t := domain.Transition{
		From:    []domain.CallStatus{domain.CallStatusOngoing},
		To:      domain.CallStatusCompleted,
		EndTime: &end,
	}
	if actor.Is(domain.RoleDoctor) {
		doctorID := actor.ID
		t.From = []domain.CallStatus{domain.CallStatusPending, domain.CallStatusOngoing}
		t.DoctorID = &doctorID
		t.DoctorAdvice = cleanNotes(input.DoctorAdvice)
		t.Referred = input.Referred
	}

	call, err := s.transition(ctx, callID, t)
	if err != nil {
		return nil, err
	}

	logger.Info("Call completed",
		zap.String("call_id", callID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("actor_role", string(actor.Role)))

	s.finish(ctx, call, actor)
	return call, nil
}

// CancelCall withdraws a pending call
func (s *Service) CancelCall(ctx context.Context, callID uuid.UUID, actor domain.Identity) (*domain.Call, error) {
	if !actor.Is(domain.RoleOperator, domain.RoleAdmin) {
		return nil, apperrors.ForbiddenError("Only operators can cancel calls")
	}

	end := s.now().UTC()
	call, err := s.transition(ctx, callID, domain.Transition{
		From:    []domain.CallStatus{domain.CallStatusPending},
		To:      domain.CallStatusCancelled,
		EndTime: &end,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Call cancelled",
		zap.String("call_id", callID.String()),
		zap.String("actor_id", actor.ID.String()))

	s.finish(ctx, call, actor)
	return call, nil
}

// UpdateNotes lets the assigned doctor record advice during the call
func (s *Service) UpdateNotes(ctx context.Context, callID uuid.UUID, doctor domain.Identity, input *NotesInput) (*domain.Call, error) {
	if !doctor.Is(domain.RoleDoctor) {
		return nil, apperrors.ForbiddenError("Only doctors can update notes")
	}
	if input == nil || (input.DoctorAdvice == nil && input.Referred == nil) {
		return nil, apperrors.ValidationError("doctor_advice or referred is required")
	}

	doctorID := doctor.ID
	call, err := s.transition(ctx, callID, domain.Transition{
		From:          []domain.CallStatus{domain.CallStatusOngoing},
		To:            domain.CallStatusOngoing,
		DoctorAdvice:  cleanNotes(input.DoctorAdvice),
		Referred:      input.Referred,
		RequireDoctor: &doctorID,
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeInvalidTransition {
			// The guard also fails when another doctor owns the call.
			if current, getErr := s.calls.GetByID(ctx, callID); getErr == nil &&
				current.Status == domain.CallStatusOngoing && !current.IsParticipant(doctorID) {
				return nil, apperrors.ForbiddenError("Call is assigned to another doctor")
			}
		}
		return nil, err
	}
	return call, nil
}

// GetCall fetches a call for session bootstrap
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSummary, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	summaries := s.enrich(ctx, []*domain.Call{call})
	return summaries[0], nil
}

// ListPending returns the pending queue oldest first with patient details
func (s *Service) ListPending(ctx context.Context) ([]*domain.CallSummary, error) {
	status := domain.CallStatusPending
	calls, err := s.calls.List(ctx, domain.CallFilter{
		Status:    &status,
		Ascending: true,
	})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.enrich(ctx, calls), nil
}

// ListCalls pages through all calls newest first
func (s *Service) ListCalls(ctx context.Context, input *ListInput) (*CallPage, error) {
	filter := domain.CallFilter{Status: input.Status, Limit: input.Limit, Offset: input.Offset}
	return s.page(ctx, filter)
}

// History pages through the calls identity took part in
func (s *Service) History(ctx context.Context, identity domain.Identity, input *ListInput) (*CallPage, error) {
	id := identity.ID
	filter := domain.CallFilter{ParticipantID: &id, Status: input.Status, Limit: input.Limit, Offset: input.Offset}
	return s.page(ctx, filter)
}

// ExportCalls returns every call matching status with patient details
func (s *Service) ExportCalls(ctx context.Context, status *domain.CallStatus) ([]*domain.CallSummary, error) {
	calls, err := s.calls.List(ctx, domain.CallFilter{Status: status})
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return s.enrich(ctx, calls), nil
}

func (s *Service) page(ctx context.Context, filter domain.CallFilter) (*CallPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = constants.DefaultPageSize
	}
	if filter.Limit > constants.MaxPageSize {
		filter.Limit = constants.MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	calls, err := s.calls.List(ctx, filter)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	total, err := s.calls.Count(ctx, filter)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return &CallPage{Calls: calls, Total: total}, nil
}

func (s *Service) transition(ctx context.Context, callID uuid.UUID, t domain.Transition) (*domain.Call, error) {
	t.At = s.now().UTC()
	if err := t.Validate(); err != nil {
		return nil, apperrors.InternalError(err.Error())
	}

	call, err := s.calls.Transition(ctx, callID, t)
	if err != nil {
		var terr *domain.TransitionError
		if errors.As(err, &terr) {
			reason := "invalid_transition"
			if terr.Current.IsTerminal() {
				reason = "already_terminal"
			}
			s.recordRefused(t.To, reason)
		}
		return nil, mapStoreError(err)
	}

	if s.metrics != nil {
		s.metrics.RecordCallTransition(string(t.To))
	}
	return call, nil
}

// finish runs the side effects of a terminal transition
func (s *Service) finish(ctx context.Context, call *domain.Call, actor domain.Identity) {
	if s.metrics != nil && call.EndTime != nil {
		s.metrics.RecordCallDuration(call.EndTime.Sub(call.StartTime))
	}
	if s.notifier != nil {
		s.notifier.CallEnded(call, actor)
	}
	if s.archiver == nil {
		return
	}

	summary := s.enrich(ctx, []*domain.Call{call})[0]
	if err := s.archiver.Archive(ctx, summary); err != nil {
		logger.Warn("Failed to archive consultation report",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}
}

// enrich attaches patient details. A failed lookup leaves Patient nil.
func (s *Service) enrich(ctx context.Context, calls []*domain.Call) []*domain.CallSummary {
	ids := make([]uuid.UUID, 0, len(calls))
	seen := make(map[uuid.UUID]bool, len(calls))
	for _, call := range calls {
		if !seen[call.PatientID] {
			seen[call.PatientID] = true
			ids = append(ids, call.PatientID)
		}
	}

	patients, err := s.patients.GetSummaries(ctx, ids)
	if err != nil {
		logger.Warn("Failed to load patient summaries", zap.Error(err))
		patients = nil
	}

	now := s.now()
	out := make([]*domain.CallSummary, len(calls))
	for i, call := range calls {
		out[i] = &domain.CallSummary{
			Call:    call,
			Patient: patients[call.PatientID],
			Expired: call.IsExpired(now),
		}
	}
	return out
}

func (s *Service) recordRefused(to domain.CallStatus, reason string) {
	if s.metrics != nil {
		s.metrics.RecordCallTransitionRefused(string(to), reason)
	}
}

func mapStoreError(err error) error {
	if errors.Is(err, domain.ErrCallNotFound) {
		return apperrors.CallNotFoundError()
	}
	var terr *domain.TransitionError
	if errors.As(err, &terr) {
		if terr.Current.IsTerminal() {
			return apperrors.AlreadyTerminalError(fmt.Sprintf("Call is already %s", terr.Current))
		}
		return apperrors.InvalidTransitionError(fmt.Sprintf("Call is %s, cannot move to %s", terr.Current, terr.To))
	}
	return apperrors.DatabaseError(err)
}

// newCallLink returns an opaque join token unrelated to the call id
func newCallLink(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:constants.CallLinkSuffixLength]
	return fmt.Sprintf("call-%d-%s", now.UnixMilli(), suffix)
}

func cleanNotes(s *string) *string {
	if s == nil {
		return nil
	}
	v := sanitize.Notes(*s)
	return &v
}
