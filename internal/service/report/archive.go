// Package report archives finished consultations to object storage and
// renders call exports for administrators.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemed-backend/internal/domain"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
)

// ObjectWriter is the storage surface the archiver needs
type ObjectWriter interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// ConsultationReport is the archived record of a finished call
type ConsultationReport struct {
	Call       *domain.Call           `json:"call"`
	Patient    *domain.PatientSummary `json:"patient,omitempty"`
	DurationS  float64                `json:"duration_seconds"`
	ArchivedAt time.Time              `json:"archived_at"`
}

// Archiver writes consultation reports to an object store
type Archiver struct {
	store ObjectWriter
	now   func() time.Time
}

// NewArchiver creates an archiver backed by store
func NewArchiver(store ObjectWriter) *Archiver {
	return &Archiver{store: store, now: time.Now}
}

// ObjectName returns the storage key of a call's report
func ObjectName(callID uuid.UUID) string {
	return fmt.Sprintf("reports/%s.json", callID)
}

// Archive stores the report for a terminal call
func (a *Archiver) Archive(ctx context.Context, summary *domain.CallSummary) error {
	if summary == nil || summary.Call == nil {
		return fmt.Errorf("archive: nil call")
	}
	if !summary.Status.IsTerminal() {
		return fmt.Errorf("archive: call %s is still %s", summary.CallID, summary.Status)
	}

	report := ConsultationReport{
		Call:       summary.Call,
		Patient:    summary.Patient,
		ArchivedAt: a.now().UTC(),
	}
	if summary.EndTime != nil {
		report.DurationS = summary.EndTime.Sub(summary.StartTime).Seconds()
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := a.store.Put(ctx, ObjectName(summary.CallID), data, constants.ReportContentType); err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}
	return nil
}

// ReportURL returns a presigned download link for a call's report
func (a *Archiver) ReportURL(ctx context.Context, callID uuid.UUID) (string, error) {
	url, err := a.store.PresignedURL(ctx, ObjectName(callID), constants.ReportURLExpiry)
	if err != nil {
		if IsNotFound(err) {
			return "", apperrors.NotFoundError("Report")
		}
		if errors.Is(err, ErrCircuitOpen) {
			return "", apperrors.ServiceUnavailableError("Report storage is unavailable")
		}
		return "", apperrors.StorageError(err)
	}
	return url, nil
}
