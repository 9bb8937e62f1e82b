package cockroach

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"telemed-backend/internal/domain"
)

type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ret := m.Called(ctx, sql, args)
	return ret.Get(0).(pgconn.CommandTag), ret.Error(1)
}

func (m *MockQuerier) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ret := m.Called(ctx, sql, args)
	rows, _ := ret.Get(0).(pgx.Rows)
	return rows, ret.Error(1)
}

func (m *MockQuerier) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return m.Called(ctx, sql, args).Get(0).(pgx.Row)
}

// stubRow scans fixed values in column order
type stubRow struct {
	values []interface{}
	err    error
}

func (r stubRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if r.values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func callRow(call *domain.Call) stubRow {
	return stubRow{values: []interface{}{
		call.CallID,
		call.PatientID,
		call.OperatorID,
		call.DoctorID,
		string(call.Status),
		call.StartTime,
		call.EndTime,
		call.ExpiryTime,
		call.CallLink,
		call.DoctorAdvice,
		call.Referred,
		call.UpdatedAt,
	}}
}

func isUpdate(sql string) bool {
	return strings.HasPrefix(strings.TrimSpace(sql), "UPDATE calls")
}

func isSelect(sql string) bool {
	return strings.HasPrefix(strings.TrimSpace(sql), "SELECT")
}

func storedCall(status domain.CallStatus) *domain.Call {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return &domain.Call{
		CallID:     uuid.New(),
		PatientID:  uuid.New(),
		OperatorID: uuid.New(),
		Status:     status,
		StartTime:  now,
		ExpiryTime: now.Add(40 * time.Minute),
		CallLink:   "call-1-abcdef0",
		UpdatedAt:  now,
	}
}

func claimTransition(doctorID uuid.UUID) domain.Transition {
	return domain.Transition{
		From:     []domain.CallStatus{domain.CallStatusPending},
		To:       domain.CallStatusOngoing,
		DoctorID: &doctorID,
		At:       time.Now(),
	}
}

func TestTransition_ConditionalUpdate(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)
	doctor := uuid.New()

	claimed := storedCall(domain.CallStatusOngoing)
	claimed.DoctorID = &doctor

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return isUpdate(sql) &&
			strings.Contains(sql, "status = ANY($8)") &&
			strings.Contains(sql, "($9::UUID IS NULL OR doctor_id = $9)") &&
			strings.Contains(sql, "RETURNING")
	}), mock.MatchedBy(func(args []interface{}) bool {
		return len(args) == 9 &&
			args[0] == claimed.CallID &&
			args[1] == "ongoing" &&
			reflect.DeepEqual(args[7], []string{"pending"}) &&
			args[8] == (*uuid.UUID)(nil)
	})).Return(callRow(claimed)).Once()

	call, err := repo.Transition(context.Background(), claimed.CallID, claimTransition(doctor))

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)
	require.NotNil(t, call.DoctorID)
	assert.Equal(t, doctor, *call.DoctorID)
	db.AssertExpectations(t)
}

func TestTransition_RefusedReportsCurrentStatus(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)

	current := storedCall(domain.CallStatusOngoing)
	other := uuid.New()
	current.DoctorID = &other

	db.On("QueryRow", mock.Anything, mock.MatchedBy(isUpdate), mock.Anything).
		Return(stubRow{err: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.MatchedBy(isSelect), []interface{}{current.CallID}).
		Return(callRow(current)).Once()

	_, err := repo.Transition(context.Background(), current.CallID, claimTransition(uuid.New()))

	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.CallStatusOngoing, terr.Current)
	assert.Equal(t, domain.CallStatusOngoing, terr.To)
	db.AssertExpectations(t)
}

func TestTransition_UnknownCall(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(stubRow{err: pgx.ErrNoRows}).Twice()

	_, err := repo.Transition(context.Background(), uuid.New(), claimTransition(uuid.New()))

	assert.ErrorIs(t, err, domain.ErrCallNotFound)
	db.AssertExpectations(t)
}

func TestTransition_DatabaseError(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(isUpdate), mock.Anything).
		Return(stubRow{err: errors.New("connection reset")}).Once()

	_, err := repo.Transition(context.Background(), uuid.New(), claimTransition(uuid.New()))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to transition call")
	var terr *domain.TransitionError
	assert.False(t, errors.As(err, &terr))
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.MatchedBy(isSelect), mock.Anything)
}

func TestGetByID(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)
	call := storedCall(domain.CallStatusPending)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(isSelect), []interface{}{call.CallID}).
		Return(callRow(call)).Once()

	got, err := repo.GetByID(context.Background(), call.CallID)

	require.NoError(t, err)
	assert.Equal(t, call.CallID, got.CallID)
	assert.Equal(t, domain.CallStatusPending, got.Status)
	assert.Nil(t, got.DoctorID)
	assert.Equal(t, call.ExpiryTime, got.ExpiryTime)
}

func TestCreate_PassesEveryColumn(t *testing.T) {
	db := &MockQuerier{}
	repo := NewCallRepository(db, nil)
	call := storedCall(domain.CallStatusPending)

	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO calls")
	}), mock.MatchedBy(func(args []interface{}) bool {
		return len(args) == 12 && args[0] == call.CallID && args[4] == "pending"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	require.NoError(t, repo.Create(context.Background(), call))
	db.AssertExpectations(t)
}
