package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/platform/apperr"
)

// Status is the closed set of appointment states.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusStart     Status = "start"
	StatusHold      Status = "hold"
	StatusPause     Status = "pause"
	StatusCancel    Status = "cancel"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// ParseStatus rejects anything outside the closed set with INVALID_STATUS.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusStart, StatusHold, StatusPause,
		StatusCancel, StatusCompleted, StatusNoShow:
		return st, nil
	}
	return "", apperr.New(apperr.KindValidation, apperr.CodeInvalidStatus, "unknown appointment status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancel, StatusNoShow:
		return true
	}
	return false
}

// AutoCompletedNote marks completions synthesized by auto-supersession.
const AutoCompletedNote = "auto-completed"

// Schedule maps to the schedules table: one doctor's window at one clinic
// on one date.
type Schedule struct {
	ID                         uuid.UUID  `db:"id" json:"id"`
	DoctorID                   uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	ClinicID                   uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	Date                       time.Time  `db:"schedule_date" json:"date"`
	StartMinute                int        `db:"start_minute" json:"start_minute"`
	EndMinute                  int        `db:"end_minute" json:"end_minute"`
	MaxTokens                  *int       `db:"max_tokens" json:"max_tokens,omitempty"`
	AverageConsultationMinutes float64    `db:"average_consultation_minutes" json:"average_consultation_minutes"`
	ActualArrivalTime          *time.Time `db:"actual_arrival_time" json:"actual_arrival_time,omitempty"`
	IsActive                   bool       `db:"is_active" json:"is_active"`
	CancelledAt                *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason               *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedBy                  *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt                  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updated_at"`
}

// AverageConsultation returns the running average as a duration.
func (s *Schedule) AverageConsultation() time.Duration {
	return time.Duration(s.AverageConsultationMinutes * float64(time.Minute))
}

// StartsAt is the window opening on the schedule date in loc.
func (s *Schedule) StartsAt(loc *time.Location) time.Time {
	return atMinute(s.Date, s.StartMinute, loc)
}

// EndsAt is the window close on the schedule date in loc.
func (s *Schedule) EndsAt(loc *time.Location) time.Time {
	return atMinute(s.Date, s.EndMinute, loc)
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ScheduleID         uuid.UUID  `db:"schedule_id" json:"schedule_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID           uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	ClinicID           uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	AppointmentDate    time.Time  `db:"appointment_date" json:"appointment_date"`
	TokenNumber        int        `db:"token_number" json:"token_number"`
	Status             Status     `db:"status" json:"status"`
	EstimatedStartTime *time.Time `db:"estimated_start_time" json:"estimated_start_time,omitempty"`
	ActualStartTime    *time.Time `db:"actual_start_time" json:"actual_start_time,omitempty"`
	ActualEndTime      *time.Time `db:"actual_end_time" json:"actual_end_time,omitempty"`
	StatusNotes        *string    `db:"status_notes" json:"status_notes,omitempty"`
	AutoCompleted      bool       `db:"auto_completed" json:"auto_completed"`
	IsPaid             bool       `db:"is_paid" json:"is_paid"`
	IsRefundEligible   bool       `db:"is_refund_eligible" json:"is_refund_eligible"`
	HasBeenRefunded    bool       `db:"has_been_refunded" json:"has_been_refunded"`
	ConsultationFee    int64      `db:"consultation_fee" json:"consultation_fee"`
	CreatedBy          *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// RefundEligible is the settlement rule shared by single and batch refunds.
func (a *Appointment) RefundEligible() bool {
	return a.IsPaid && a.IsRefundEligible && !a.HasBeenRefunded &&
		a.Status != StatusCompleted && a.Status != StatusNoShow
}

// Duration is the recorded consultation length, if both ends are known.
func (a *Appointment) Duration() (time.Duration, bool) {
	if a.ActualStartTime == nil || a.ActualEndTime == nil {
		return 0, false
	}
	return a.ActualEndTime.Sub(*a.ActualStartTime), true
}

// TokenProgress is the patient-facing queue position view.
type TokenProgress struct {
	ScheduleID   uuid.UUID    `json:"schedule_id"`
	CurrentToken int          `json:"current_token"`
	Status       string       `json:"status"`
	Appointment  *Appointment `json:"appointment,omitempty"`
}

// AppointmentETA is the per-appointment estimate view.
type AppointmentETA struct {
	AppointmentID          uuid.UUID  `json:"appointment_id"`
	TokenNumber            int        `json:"token_number"`
	Status                 Status     `json:"status"`
	EstimatedStartTime     *time.Time `json:"estimated_start_time,omitempty"`
	CurrentConsultingToken int        `json:"current_consulting_token"`
	AvgConsultationMinutes float64    `json:"avg_consultation_minutes"`
}

// DateOnly truncates t to its calendar date at UTC midnight, the form dates
// are stored and compared in.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func atMinute(date time.Time, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc).
		Add(time.Duration(minute) * time.Minute)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
