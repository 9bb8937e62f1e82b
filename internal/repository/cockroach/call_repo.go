package cockroach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/metrics"
)

const callColumns = `call_id, patient_id, operator_id, doctor_id, status,
	start_time, end_time, expiry_time, call_link, doctor_advice, referred, updated_at`

// Querier is the part of *pgxpool.Pool the repository uses
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// CallRepository handles call data operations
type CallRepository struct {
	pool    Querier
	metrics *metrics.Metrics
}

// NewCallRepository creates a new call repository. m may be nil.
func NewCallRepository(pool Querier, m *metrics.Metrics) *CallRepository {
	return &CallRepository{pool: pool, metrics: m}
}

func (r *CallRepository) observe(operation string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	// A miss is an answer, not a failure.
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, domain.ErrCallNotFound) {
		err = nil
	}
	r.metrics.RecordDBQuery(operation, "calls", time.Since(start), err)
}

// Create creates a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) (err error) {
	defer func(start time.Time) { r.observe("insert", start, err) }(time.Now())

	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.pool.Exec(ctx, query,
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
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (call *domain.Call, err error) {
	defer func(start time.Time) { r.observe("select", start, err) }(time.Now())

	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err = scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// Transition applies t as a single conditional UPDATE. When no row matches,
// the current record is read to tell a missing call from a refused guard.
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, t domain.Transition) (*domain.Call, error) {
	start := time.Now()

	query := `
		UPDATE calls SET
			status = $2,
			doctor_id = COALESCE($3, doctor_id),
			end_time = COALESCE($4, end_time),
			doctor_advice = COALESCE($5, doctor_advice),
			referred = COALESCE($6, referred),
			updated_at = $7
		WHERE call_id = $1
		  AND status = ANY($8)
		  AND ($9::UUID IS NULL OR doctor_id = $9)
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query,
		callID,
		string(t.To),
		t.DoctorID,
		t.EndTime,
		t.DoctorAdvice,
		t.Referred,
		t.At,
		t.FromStrings(),
		t.RequireDoctor,
	))
	r.observe("update", start, err)

	if err == nil {
		return call, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition call: %w", err)
	}

	current, getErr := r.GetByID(ctx, callID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &domain.TransitionError{CallID: callID, Current: current.Status, To: t.To}
}

// List returns calls matching filter
func (r *CallRepository) List(ctx context.Context, filter domain.CallFilter) (calls []*domain.Call, err error) {
	defer func(start time.Time) { r.observe("select", start, err) }(time.Now())

	where, args := filterClause(filter)
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}

	query := `SELECT ` + callColumns + ` FROM calls` + where + ` ORDER BY start_time ` + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	calls = make([]*domain.Call, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

// Count returns the number of calls matching filter, ignoring paging
func (r *CallRepository) Count(ctx context.Context, filter domain.CallFilter) (n int, err error) {
	defer func(start time.Time) { r.observe("count", start, err) }(time.Now())

	where, args := filterClause(filter)
	err = r.pool.QueryRow(ctx, `SELECT count(*) FROM calls`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count calls: %w", err)
	}
	return n, nil
}

func filterClause(filter domain.CallFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ParticipantID != nil {
		args = append(args, *filter.ParticipantID)
		conds = append(conds, fmt.Sprintf("(operator_id = $%d OR doctor_id = $%d)", len(args), len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	var status string
	err := row.Scan(
		&call.CallID,
		&call.PatientID,
		&call.OperatorID,
		&call.DoctorID,
		&status,
		&call.StartTime,
		&call.EndTime,
		&call.ExpiryTime,
		&call.CallLink,
		&call.DoctorAdvice,
		&call.Referred,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	call.Status = domain.CallStatus(status)
	return call, nil
}
