package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/db"
)

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool db.Querier }

func NewScheduleRepoPG(pool db.Querier) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const schedCols = `id, doctor_id, clinic_id, schedule_date, start_minute, end_minute,
	max_tokens, average_consultation_minutes, actual_arrival_time, is_active,
	cancelled_at, cancel_reason, created_by, created_at, updated_at`

func (r *scheduleRepoPG) scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.DoctorID, &s.ClinicID, &s.Date, &s.StartMinute, &s.EndMinute,
		&s.MaxTokens, &s.AverageConsultationMinutes, &s.ActualArrivalTime, &s.IsActive,
		&s.CancelledAt, &s.CancelReason, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("schedule")
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &s, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedules (id, doctor_id, clinic_id, schedule_date, start_minute, end_minute,
			max_tokens, average_consultation_minutes, is_active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.ClinicID, s.Date, s.StartMinute, s.EndMinute,
		s.MaxTokens, s.AverageConsultationMinutes, s.IsActive, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+schedCols+` FROM schedules WHERE id = $1`, id))
}

func (r *scheduleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return r.scanSchedule(r.conn(ctx).QueryRow(ctx, `SELECT `+schedCols+` FROM schedules WHERE id = $1 FOR UPDATE`, id))
}

func (r *scheduleRepoPG) ListActiveForUpdate(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+schedCols+` FROM schedules
		WHERE doctor_id = $1 AND clinic_id = $2 AND schedule_date = $3 AND is_active
		ORDER BY start_minute ASC, id ASC
		FOR UPDATE`, doctorID, clinicID, DateOnly(date))
	if err != nil {
		return nil, fmt.Errorf("lock active schedules: %w", err)
	}
	defer rows.Close()

	var items []*Schedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *scheduleRepoPG) FindForDate(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (*Schedule, error) {
	return r.scanSchedule(r.conn(ctx).QueryRow(ctx, `
		SELECT `+schedCols+` FROM schedules
		WHERE doctor_id = $1 AND clinic_id = $2 AND schedule_date = $3
		ORDER BY is_active DESC, start_minute ASC, created_at DESC
		LIMIT 1`, doctorID, clinicID, DateOnly(date)))
}

func (r *scheduleRepoPG) List(ctx context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	idx := 1

	if f.DoctorID != nil {
		where = append(where, fmt.Sprintf("doctor_id = $%d", idx))
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.ClinicID != nil {
		where = append(where, fmt.Sprintf("clinic_id = $%d", idx))
		args = append(args, *f.ClinicID)
		idx++
	}
	if f.Date != nil {
		where = append(where, fmt.Sprintf("schedule_date = $%d", idx))
		args = append(args, DateOnly(*f.Date))
		idx++
	}
	if f.Active != nil {
		where = append(where, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count schedules: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM schedules WHERE %s
		ORDER BY schedule_date DESC, start_minute ASC LIMIT $%d OFFSET $%d`, schedCols, clause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var items []*Schedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *scheduleRepoPG) SetArrival(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.exec(ctx, `UPDATE schedules SET actual_arrival_time = $2, updated_at = NOW() WHERE id = $1`, id, at)
}

func (r *scheduleRepoPG) SetAverage(ctx context.Context, id uuid.UUID, minutes float64) error {
	return r.exec(ctx, `UPDATE schedules SET average_consultation_minutes = $2, updated_at = NOW() WHERE id = $1`, id, minutes)
}

func (r *scheduleRepoPG) Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.exec(ctx, `
		UPDATE schedules SET is_active = FALSE, cancelled_at = $2, cancel_reason = $3, updated_at = NOW()
		WHERE id = $1`, id, at, reason)
}

func (r *scheduleRepoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("schedule")
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.Querier }

func NewAppointmentRepoPG(pool db.Querier) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, schedule_id, patient_id, doctor_id, clinic_id, appointment_date, token_number,
	status, estimated_start_time, actual_start_time, actual_end_time, status_notes, auto_completed,
	is_paid, is_refund_eligible, has_been_refunded, consultation_fee, created_by, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.ScheduleID, &a.PatientID, &a.DoctorID, &a.ClinicID, &a.AppointmentDate, &a.TokenNumber,
		&status, &a.EstimatedStartTime, &a.ActualStartTime, &a.ActualEndTime, &a.StatusNotes, &a.AutoCompleted,
		&a.IsPaid, &a.IsRefundEligible, &a.HasBeenRefunded, &a.ConsultationFee, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("appointment")
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, schedule_id, patient_id, doctor_id, clinic_id, appointment_date,
			token_number, status, estimated_start_time, is_paid, is_refund_eligible, consultation_fee, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		a.ID, a.ScheduleID, a.PatientID, a.DoctorID, a.ClinicID, DateOnly(a.AppointmentDate),
		a.TokenNumber, string(a.Status), a.EstimatedStartTime, a.IsPaid, a.IsRefundEligible,
		a.ConsultationFee, a.CreatedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// The schedule lock makes this unreachable unless a writer skipped it.
			return apperr.New(apperr.KindConflict, apperr.CodeDuplicateToken,
				"token %d already issued for this doctor and date", a.TokenNumber)
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) ListBySchedule(ctx context.Context, scheduleID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE schedule_id = $1 ORDER BY token_number ASC`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) MaxToken(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (int, error) {
	var maxToken int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(token_number), 0) FROM appointments
		WHERE doctor_id = $1 AND clinic_id = $2 AND appointment_date = $3`,
		doctorID, clinicID, DateOnly(date)).Scan(&maxToken)
	if err != nil {
		return 0, fmt.Errorf("max token: %w", err)
	}
	return maxToken, nil
}

func (r *appointmentRepoPG) CountBySchedule(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE schedule_id = $1`, scheduleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count appointments: %w", err)
	}
	return count, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = $2, estimated_start_time = $3, actual_start_time = $4,
			actual_end_time = $5, status_notes = $6, auto_completed = $7, is_paid = $8,
			is_refund_eligible = $9, has_been_refunded = $10, updated_at = NOW()
		WHERE id = $1`,
		a.ID, string(a.Status), a.EstimatedStartTime, a.ActualStartTime,
		a.ActualEndTime, a.StatusNotes, a.AutoCompleted, a.IsPaid,
		a.IsRefundEligible, a.HasBeenRefunded)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("appointment")
	}
	return nil
}

// UpdateETAs writes all estimates in one statement.
func (r *appointmentRepoPG) UpdateETAs(ctx context.Context, etas map[uuid.UUID]time.Time) error {
	if len(etas) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(etas))
	times := make([]time.Time, 0, len(etas))
	for id, t := range etas {
		ids = append(ids, id)
		times = append(times, t)
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments AS a SET estimated_start_time = v.eta, updated_at = NOW()
		FROM UNNEST($1::uuid[], $2::timestamptz[]) AS v(id, eta)
		WHERE a.id = v.id`, ids, times)
	if err != nil {
		return fmt.Errorf("update appointment etas: %w", err)
	}
	return nil
}
