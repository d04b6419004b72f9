package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScheduleFilter narrows ListSchedules; zero values match everything.
type ScheduleFilter struct {
	DoctorID *uuid.UUID
	ClinicID *uuid.UUID
	Date     *time.Time
	Active   *bool
}

type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	// GetForUpdate reads and row-locks the schedule for the rest of the
	// surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error)
	// ListActiveForUpdate locks every active window for the triple, in
	// start order, and returns them. No windows is not an error.
	ListActiveForUpdate(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) ([]*Schedule, error)
	// FindForDate returns the schedule a progress query should read: the
	// earliest active window, else the most recently created one.
	FindForDate(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (*Schedule, error)
	List(ctx context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error)
	SetArrival(ctx context.Context, id uuid.UUID, at time.Time) error
	SetAverage(ctx context.Context, id uuid.UUID, minutes float64) error
	Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListBySchedule returns the schedule's appointments in token order.
	ListBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*Appointment, error)
	// MaxToken returns the highest token issued for the triple across all of
	// its windows, or 0.
	MaxToken(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (int, error)
	// CountBySchedule returns how many tokens one window has issued,
	// cancelled ones included.
	CountBySchedule(ctx context.Context, scheduleID uuid.UUID) (int, error)
	Update(ctx context.Context, a *Appointment) error
	UpdateETAs(ctx context.Context, etas map[uuid.UUID]time.Time) error
}
