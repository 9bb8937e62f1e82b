package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
)

type fakeObjectAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failPut error
	calls   int
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjectAPI) PutObject(ctx context.Context, bucket, name string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failPut != nil {
		return minio.UploadInfo{}, f.failPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[name] = data
	f.types[name] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: name, Size: size}, nil
}

func (f *fakeObjectAPI) PresignedGetObject(ctx context.Context, bucket, name string, expires time.Duration, _ url.Values) (*url.URL, error) {
	return url.Parse("https://minio.local/" + bucket + "/" + name + "?X-Amz-Expires=" + expires.String())
}

func (f *fakeObjectAPI) StatObject(ctx context.Context, bucket, name string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[name]; !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	return minio.ObjectInfo{Key: name}, nil
}

func completedSummary() *domain.CallSummary {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Minute)
	doctor := uuid.New()
	advice := "Rest and fluids"
	return &domain.CallSummary{
		Call: &domain.Call{
			CallID:       uuid.New(),
			PatientID:    uuid.New(),
			OperatorID:   uuid.New(),
			DoctorID:     &doctor,
			Status:       domain.CallStatusCompleted,
			StartTime:    start,
			EndTime:      &end,
			ExpiryTime:   start.Add(constants.CallExpiryWindow),
			CallLink:     "call-1-abcdefg",
			DoctorAdvice: &advice,
			Referred:     true,
		},
		Patient: &domain.PatientSummary{Name: "Ama Owusu", PhoneNumber: "+233240000000"},
	}
}

func TestArchive_WritesReport(t *testing.T) {
	api := newFakeObjectAPI()
	archiver := NewArchiver(newObjectStore(api, "reports", DefaultCircuitBreakerConfig()))
	summary := completedSummary()

	require.NoError(t, archiver.Archive(context.Background(), summary))

	name := ObjectName(summary.CallID)
	require.Contains(t, api.objects, name)
	assert.Equal(t, constants.ReportContentType, api.types[name])

	var report ConsultationReport
	require.NoError(t, json.Unmarshal(api.objects[name], &report))
	assert.Equal(t, summary.CallID, report.Call.CallID)
	assert.Equal(t, "Ama Owusu", report.Patient.Name)
	assert.InDelta(t, 720, report.DurationS, 0.001)
}

func TestArchive_RejectsLiveCall(t *testing.T) {
	api := newFakeObjectAPI()
	archiver := NewArchiver(newObjectStore(api, "reports", DefaultCircuitBreakerConfig()))
	summary := completedSummary()
	summary.Status = domain.CallStatusOngoing

	assert.Error(t, archiver.Archive(context.Background(), summary))
	assert.Empty(t, api.objects)
}

func TestReportURL(t *testing.T) {
	api := newFakeObjectAPI()
	archiver := NewArchiver(newObjectStore(api, "reports", DefaultCircuitBreakerConfig()))
	summary := completedSummary()
	require.NoError(t, archiver.Archive(context.Background(), summary))

	link, err := archiver.ReportURL(context.Background(), summary.CallID)
	require.NoError(t, err)
	assert.Contains(t, link, ObjectName(summary.CallID))

	_, err = archiver.ReportURL(context.Background(), uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	api := newFakeObjectAPI()
	api.failPut = errors.New("connection refused")
	cfg := &CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Second, ResetTimeout: time.Minute}
	store := newObjectStore(api, "reports", cfg)
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	assert.Error(t, store.Put(ctx, "a", []byte("x"), "text/plain"))
	assert.Error(t, store.Put(ctx, "a", []byte("x"), "text/plain"))
	assert.ErrorIs(t, store.Put(ctx, "a", []byte("x"), "text/plain"), ErrCircuitOpen)
	assert.Equal(t, 2, api.calls)

	api.failPut = nil
	now = now.Add(2 * time.Minute)
	assert.NoError(t, store.Put(ctx, "a", []byte("x"), "text/plain"))
	assert.NoError(t, store.Put(ctx, "b", []byte("y"), "text/plain"))
	assert.Equal(t, 4, api.calls)
}

func TestExportCalls(t *testing.T) {
	summary := completedSummary()
	pending := &domain.CallSummary{Call: &domain.Call{
		CallID:     uuid.New(),
		PatientID:  uuid.New(),
		OperatorID: uuid.New(),
		Status:     domain.CallStatusPending,
		StartTime:  summary.StartTime,
		ExpiryTime: summary.StartTime.Add(constants.CallExpiryWindow),
	}}

	data, err := ExportCalls([]*domain.CallSummary{summary, pending}, summary.StartTime.Add(time.Hour))
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ExportSheet}, f.GetSheetList())
	rows, err := f.GetRows(ExportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ExportHeader, rows[0])
	assert.Equal(t, summary.CallID.String(), rows[1][0])
	assert.Equal(t, "completed", rows[1][1])
	assert.Equal(t, "Ama Owusu", rows[1][2])
	assert.Equal(t, "12.0", rows[1][8])
	assert.Equal(t, "yes", rows[1][10])
	assert.Equal(t, "Rest and fluids", rows[1][11])
	assert.Equal(t, "pending", rows[2][1])
	assert.Equal(t, "yes", rows[2][9])
}
