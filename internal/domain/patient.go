package domain

import (
	"errors"

	"github.com/google/uuid"
)

// PatientSummary is the subset of a patient record shown with a call.
// Patients are registered by operators through a separate service; this
// service only reads them.
type PatientSummary struct {
	PatientID   uuid.UUID `json:"patient_id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	Age         int       `json:"age"`
	Sex         string    `json:"sex"`
	HeightCm    float64   `json:"height_cm"`
	WeightKg    float64   `json:"weight_kg"`
	OxygenLevel int       `json:"oxygen_level"`
	BPSystolic  int       `json:"bp_systolic"`
	BPDiastolic int       `json:"bp_diastolic"`
	Symptoms    string    `json:"symptoms"`
}

// ErrPatientNotFound is returned by stores when no patient has the requested id
var ErrPatientNotFound = errors.New("patient not found")
