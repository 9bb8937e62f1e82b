package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed-backend/internal/database"
	"telemed-backend/internal/domain"
	"telemed-backend/internal/repository/memory"
	"telemed-backend/pkg/constants"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *database.RedisClient) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := database.NewRedisDB(&database.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 2,
		Timeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestPresence_OnlineOffline(t *testing.T) {
	mr, client := setupTestRedis(t)
	repo := NewPresenceRepository(client)
	ctx := context.Background()

	doctor := domain.Identity{ID: uuid.New(), Role: domain.RoleDoctor}
	require.NoError(t, repo.SetOnline(ctx, doctor))

	online, err := repo.IsOnline(ctx, doctor.ID)
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, constants.PresenceTTL, mr.TTL(presenceKey(doctor.ID)))

	ids, err := repo.ListOnline(ctx, domain.RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{doctor.ID}, ids)

	ids, err = repo.ListOnline(ctx, domain.RoleOperator)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, repo.SetOffline(ctx, doctor))
	online, err = repo.IsOnline(ctx, doctor.ID)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresence_RefreshExtendsTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	repo := NewPresenceRepository(client)
	ctx := context.Background()

	operator := domain.Identity{ID: uuid.New(), Role: domain.RoleOperator}
	require.NoError(t, repo.SetOnline(ctx, operator))

	mr.FastForward(constants.PresenceTTL - time.Minute)
	require.NoError(t, repo.Refresh(ctx, operator.ID))
	assert.Equal(t, constants.PresenceTTL, mr.TTL(presenceKey(operator.ID)))

	mr.FastForward(constants.PresenceTTL + time.Second)
	online, err := repo.IsOnline(ctx, operator.ID)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresence_DegradedFailsFast(t *testing.T) {
	mr, client := setupTestRedis(t)
	repo := NewPresenceRepository(client)
	mr.Close()

	require.Error(t, client.HealthCheck(context.Background()))
	require.True(t, client.IsDegraded())

	err := repo.SetOnline(context.Background(), domain.Identity{ID: uuid.New(), Role: domain.RoleDoctor})
	assert.ErrorContains(t, err, "degraded")
}

type countingPatients struct {
	*memory.PatientRepository
	single int
	batch  int
}

func (c *countingPatients) GetSummary(ctx context.Context, id uuid.UUID) (*domain.PatientSummary, error) {
	c.single++
	return c.PatientRepository.GetSummary(ctx, id)
}

func (c *countingPatients) GetSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.PatientSummary, error) {
	c.batch++
	return c.PatientRepository.GetSummaries(ctx, ids)
}

func TestCachedPatients_ReadThrough(t *testing.T) {
	mr, client := setupTestRedis(t)
	next := &countingPatients{PatientRepository: memory.NewPatientRepository()}
	repo := NewCachedPatientRepository(next, client, constants.PatientCacheTTL)
	ctx := context.Background()

	patient := domain.PatientSummary{PatientID: uuid.New(), Name: "Ada Obi", PhoneNumber: "+2348000000"}
	next.Put(patient)

	got, err := repo.GetSummary(ctx, patient.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", got.Name)
	assert.True(t, mr.Exists(patientCacheKey(patient.PatientID)))

	got, err = repo.GetSummary(ctx, patient.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", got.Name)
	assert.Equal(t, 1, next.single)
}

func TestCachedPatients_BatchLoadsOnlyMisses(t *testing.T) {
	_, client := setupTestRedis(t)
	next := &countingPatients{PatientRepository: memory.NewPatientRepository()}
	repo := NewCachedPatientRepository(next, client, constants.PatientCacheTTL)
	ctx := context.Background()

	cached := domain.PatientSummary{PatientID: uuid.New(), Name: "Cached"}
	fresh := domain.PatientSummary{PatientID: uuid.New(), Name: "Fresh"}
	next.Put(cached)
	next.Put(fresh)

	_, err := repo.GetSummary(ctx, cached.PatientID)
	require.NoError(t, err)

	out, err := repo.GetSummaries(ctx, []uuid.UUID{cached.PatientID, fresh.PatientID})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, next.batch)

	out, err = repo.GetSummaries(ctx, []uuid.UUID{cached.PatientID, fresh.PatientID})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, next.batch)
}

func TestCachedPatients_RedisDownFallsThrough(t *testing.T) {
	mr, client := setupTestRedis(t)
	next := &countingPatients{PatientRepository: memory.NewPatientRepository()}
	repo := NewCachedPatientRepository(next, client, constants.PatientCacheTTL)

	patient := domain.PatientSummary{PatientID: uuid.New(), Name: "Ada Obi"}
	next.Put(patient)
	mr.Close()

	got, err := repo.GetSummary(context.Background(), patient.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", got.Name)
}
