package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"telemed-backend/internal/domain"
)

// PatientRepository is a read-mostly patient directory
type PatientRepository struct {
	mu          sync.RWMutex
	patients    map[uuid.UUID]domain.PatientSummary
	passThrough bool
}

// NewPatientRepository creates an empty patient directory
func NewPatientRepository() *PatientRepository {
	return &PatientRepository{
		patients: make(map[uuid.UUID]domain.PatientSummary),
	}
}

// NewPassThroughPatientRepository creates a directory that answers unknown
// ids with a bare summary carrying only the id. Used when the patient
// directory lives elsewhere and is not reachable.
func NewPassThroughPatientRepository() *PatientRepository {
	r := NewPatientRepository()
	r.passThrough = true
	return r
}

// Put adds or replaces a patient
func (r *PatientRepository) Put(patient domain.PatientSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[patient.PatientID] = patient
}

// GetSummary retrieves a patient by ID
func (r *PatientRepository) GetSummary(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patient, ok := r.patients[patientID]
	if !ok {
		if r.passThrough {
			return &domain.PatientSummary{PatientID: patientID}, nil
		}
		return nil, domain.ErrPatientNotFound
	}
	return &patient, nil
}

// GetSummaries retrieves the patients that exist among ids
func (r *PatientRepository) GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uuid.UUID]*domain.PatientSummary, len(ids))
	for _, id := range ids {
		if patient, ok := r.patients[id]; ok {
			p := patient
			out[id] = &p
		} else if r.passThrough {
			out[id] = &domain.PatientSummary{PatientID: id}
		}
	}
	return out, nil
}
