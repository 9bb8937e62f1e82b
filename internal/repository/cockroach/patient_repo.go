package cockroach

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"telemed-backend/internal/domain"
)

const patientColumns = `patient_id, name, phone_number, age, sex,
	height_cm, weight_kg, oxygen_level, bp_systolic, bp_diastolic, symptoms`

// PatientRepository reads patient summaries. It is written against
// database/sql so it runs on the pgx stdlib adapter in production.
type PatientRepository struct {
	db *sql.DB
}

// NewPatientRepository creates a new patient repository
func NewPatientRepository(db *sql.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

// GetSummary retrieves a patient by ID
func (r *PatientRepository) GetSummary(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE patient_id = $1`

	patient, err := scanPatient(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPatientNotFound
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return patient, nil
}

// GetSummaries retrieves the patients that exist among ids in one query
func (r *PatientRepository) GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error) {
	out := make(map[uuid.UUID]*domain.PatientSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id.String()
	}
	query := `SELECT ` + patientColumns + ` FROM patients WHERE patient_id IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		out[patient.PatientID] = patient
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row scanner) (*domain.PatientSummary, error) {
	p := &domain.PatientSummary{}
	err := row.Scan(
		&p.PatientID,
		&p.Name,
		&p.PhoneNumber,
		&p.Age,
		&p.Sex,
		&p.HeightCm,
		&p.WeightKg,
		&p.OxygenLevel,
		&p.BPSystolic,
		&p.BPDiastolic,
		&p.Symptoms,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
