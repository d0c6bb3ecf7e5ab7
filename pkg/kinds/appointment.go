package kinds

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// AppointmentEffect is the effect name of the built-in appointment kind.
const AppointmentEffect = "appointment"

const defaultAppointmentLength = 30 * time.Minute

var appointmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://txgate.local/appointments"))

type appointmentPayload struct {
	PatientID       string `json:"patient_id"`
	DoctorID        string `json:"doctor_id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// AppointmentResult is stored as the record result of a scheduled appointment.
type AppointmentResult struct {
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	DoctorID      string    `json:"doctor_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
}

func applyAppointment(_ context.Context, req *contracts.TransactionRequest) (json.RawMessage, error) {
	var p appointmentPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, reject(req.Kind, "malformed appointment: %v", err)
	}
	if p.PatientID == "" || p.DoctorID == "" {
		return nil, reject(req.Kind, "patient_id and doctor_id are required")
	}
	start, err := time.Parse(time.RFC3339, p.StartTime)
	if err != nil {
		return nil, reject(req.Kind, "invalid start_time")
	}
	// Judged against submission time so that a retried delivery reaches the same verdict.
	if !start.After(req.SubmittedAt) {
		return nil, reject(req.Kind, "appointment must start after it was requested")
	}
	length := defaultAppointmentLength
	if p.DurationMinutes < 0 {
		return nil, reject(req.Kind, "duration_minutes must not be negative")
	}
	if p.DurationMinutes > 0 {
		length = time.Duration(p.DurationMinutes) * time.Minute
	}

	return json.Marshal(AppointmentResult{
		AppointmentID: uuid.NewSHA1(appointmentNamespace, []byte(req.IdempotencyKey)).String(),
		PatientID:     p.PatientID,
		DoctorID:      p.DoctorID,
		StartTime:     start.UTC(),
		EndTime:       start.Add(length).UTC(),
		Status:        "scheduled",
	})
}
