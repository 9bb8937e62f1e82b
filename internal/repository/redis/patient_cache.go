package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telemed-backend/internal/database"
	"telemed-backend/internal/domain"
	"telemed-backend/pkg/logger"
)

// PatientReader is the patient store being cached
type PatientReader interface {
	GetSummary(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, error)
	GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error)
}

// CachedPatientRepository serves patient summaries from Redis, falling back
// to the wrapped store on a miss. Cache failures never fail a lookup.
type CachedPatientRepository struct {
	next   PatientReader
	client *database.RedisClient
	ttl    time.Duration
}

// NewCachedPatientRepository wraps next with a read-through cache
func NewCachedPatientRepository(next PatientReader, client *database.RedisClient, ttl time.Duration) *CachedPatientRepository {
	return &CachedPatientRepository{next: next, client: client, ttl: ttl}
}

func patientCacheKey(patientID uuid.UUID) string {
	return fmt.Sprintf("patient:summary:%s", patientID)
}

// GetSummary returns the cached summary or loads and caches it
func (r *CachedPatientRepository) GetSummary(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, error) {
	if patient, ok := r.lookup(ctx, patientID); ok {
		return patient, nil
	}

	patient, err := r.next.GetSummary(ctx, patientID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, patient)
	return patient, nil
}

// GetSummaries serves cached entries and loads the rest in one batch
func (r *CachedPatientRepository) GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error) {
	out := make(map[uuid.UUID]*domain.PatientSummary, len(ids))
	missing := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if patient, ok := r.lookup(ctx, id); ok {
			out[id] = patient
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := r.next.GetSummaries(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, patient := range loaded {
		out[id] = patient
		r.store(ctx, patient)
	}
	return out, nil
}

func (r *CachedPatientRepository) lookup(ctx context.Context, patientID uuid.UUID) (*domain.PatientSummary, bool) {
	data, err := r.client.SafeGet(ctx, patientCacheKey(patientID)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) && !r.client.IsDegraded() {
			logger.Debug("Patient cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var patient domain.PatientSummary
	if err := json.Unmarshal(data, &patient); err != nil {
		return nil, false
	}
	return &patient, true
}

func (r *CachedPatientRepository) store(ctx context.Context, patient *domain.PatientSummary) {
	data, err := json.Marshal(patient)
	if err != nil {
		return
	}
	if err := r.client.SafeSet(ctx, patientCacheKey(patient.PatientID), data, r.ttl).Err(); err != nil {
		logger.Debug("Patient cache write failed", zap.Error(err))
	}
}
