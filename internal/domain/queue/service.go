package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/metrics"
	"github.com/clinicq/clinicq/internal/platform/notification"
	"github.com/clinicq/clinicq/pkg/pagination"
)

var tracer = otel.Tracer("clinicq.internal.domain.queue")

// TxRunner runs fn inside one database transaction; repositories called
// with the ctx it passes join that transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Payer debits a booking fee inside the booking transaction.
type Payer interface {
	ChargeAppointment(ctx context.Context, appt *Appointment, actorID string) error
}

// RefundReceipt describes a refund written by a Refunder.
type RefundReceipt struct {
	TransactionID uuid.UUID
	Amount        int64
	NewBalance    int64
}

// Refunder credits a cancelled appointment's fee back to the patient inside
// the caller's transaction. The caller marks the appointment refunded.
type Refunder interface {
	RefundCancelled(ctx context.Context, appt *Appointment, reason, actorID string) (*RefundReceipt, error)
}

type Config struct {
	DefaultConsultation  time.Duration
	MinValidConsultation time.Duration
	MaxValidConsultation time.Duration
	// Location interprets schedule windows (minutes after local midnight).
	Location  *time.Location
	ReadRetry db.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		DefaultConsultation:  15 * time.Minute,
		MinValidConsultation: 5 * time.Minute,
		MaxValidConsultation: 60 * time.Minute,
		Location:             time.UTC,
		ReadRetry:            db.DefaultRetryPolicy(),
	}
}

type Service struct {
	tx           TxRunner
	schedules    ScheduleRepository
	appointments AppointmentRepository
	cfg          Config

	payer    Payer
	refunder Refunder
	notifier notification.Notifier
	cache    ProgressCache
	metrics  *metrics.QueueMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithPayer(p Payer) Option               { return func(s *Service) { s.payer = p } }
func WithRefunder(r Refunder) Option         { return func(s *Service) { s.refunder = r } }
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}
func WithProgressCache(c ProgressCache) Option { return func(s *Service) { s.cache = c } }
func WithMetrics(m *metrics.QueueMetrics) Option { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option    { return func(s *Service) { s.now = now } }

func NewService(tx TxRunner, sched ScheduleRepository, appt AppointmentRepository, cfg Config, opts ...Option) *Service {
	if cfg.DefaultConsultation <= 0 {
		cfg.DefaultConsultation = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{
		tx:           tx,
		schedules:    sched,
		appointments: appt,
		cfg:          cfg,
		notifier:     notification.Nop{},
		cache:        nopCache{},
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// effects are applied only after the transaction that produced them commits.
type effects struct {
	invalidate []ProgressKey
	events     []notification.Event
}

func (s *Service) flush(ctx context.Context, e *effects) {
	for _, k := range e.invalidate {
		s.cache.Invalidate(ctx, k)
	}
	for _, ev := range e.events {
		s.notifier.Notify(ev)
	}
}

// -- Schedule Registry --

func (s *Service) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.DoctorID == uuid.Nil {
		return apperr.Validation("doctor_id is required")
	}
	if sched.ClinicID == uuid.Nil {
		return apperr.Validation("clinic_id is required")
	}
	if sched.Date.IsZero() {
		return apperr.Validation("date is required")
	}
	if sched.StartMinute < 0 || sched.EndMinute > 24*60 || sched.StartMinute >= sched.EndMinute {
		return apperr.Validation("schedule window must satisfy 0 <= start < end <= 1440, got %d..%d",
			sched.StartMinute, sched.EndMinute)
	}
	if sched.MaxTokens != nil && *sched.MaxTokens < 1 {
		return apperr.Validation("max_tokens must be at least 1")
	}
	if sched.AverageConsultationMinutes < 0 {
		return apperr.Validation("average_consultation_minutes must be positive")
	}
	if sched.AverageConsultationMinutes == 0 {
		sched.AverageConsultationMinutes = s.cfg.DefaultConsultation.Minutes()
	}
	sched.Date = DateOnly(sched.Date)
	sched.IsActive = true
	return s.schedules.Create(ctx, sched)
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, f ScheduleFilter, p pagination.Params) ([]*Schedule, int, error) {
	return s.schedules.List(ctx, f, p.Limit, p.Offset)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// LockAppointment locks an appointment's schedule, then the appointment,
// returning fresh copies of both. Every writer takes locks in this order.
func LockAppointment(ctx context.Context, schedules ScheduleRepository, appts AppointmentRepository, id uuid.UUID) (*Schedule, *Appointment, error) {
	a, err := appts.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sched, err := schedules.GetForUpdate(ctx, a.ScheduleID)
	if err != nil {
		return nil, nil, err
	}
	a, err = appts.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sched, a, nil
}

// -- Token Allocator --

// AllocateToken returns the token the next booking for the triple would
// receive. Book allocates and inserts atomically; this is the read-only form.
func (s *Service) AllocateToken(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (int, error) {
	var token int
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		_, token, _, err = s.pickWindow(ctx, doctorID, clinicID, date)
		return err
	})
	return token, err
}

// pickWindow locks every active window for the triple and returns the first,
// in start order, that still has a token left. token numbers the whole day;
// slot is the booking's 1-based position inside the chosen window.
func (s *Service) pickWindow(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (w *Schedule, token, slot int, err error) {
	windows, err := s.schedules.ListActiveForUpdate(ctx, doctorID, clinicID, date)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(windows) == 0 {
		return nil, 0, 0, apperr.New(apperr.KindEligibility, apperr.CodeNoActiveSchedule,
			"no active schedule for doctor on %s", DateOnly(date).Format(time.DateOnly))
	}
	maxToken, err := s.appointments.MaxToken(ctx, doctorID, clinicID, date)
	if err != nil {
		return nil, 0, 0, err
	}

	var issued int
	for _, w = range windows {
		issued, err = s.appointments.CountBySchedule(ctx, w.ID)
		if err != nil {
			return nil, 0, 0, err
		}
		if w.MaxTokens == nil || issued < *w.MaxTokens {
			return w, maxToken + 1, issued + 1, nil
		}
	}
	if len(windows) == 1 {
		return nil, 0, 0, apperr.New(apperr.KindEligibility, apperr.CodeCapacityExceeded,
			"schedule is full: %d of %d tokens issued", issued, *w.MaxTokens)
	}
	return nil, 0, 0, apperr.New(apperr.KindEligibility, apperr.CodeCapacityExceeded,
		"all %d schedules for the day are full", len(windows))
}

// BookingRequest is a patient's request for the next token.
type BookingRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ClinicID        uuid.UUID `json:"clinic_id"`
	Date            time.Time `json:"date"`
	ConsultationFee int64     `json:"consultation_fee"`
	PayFromWallet   bool      `json:"pay_from_wallet"`
	// RefundEligible defaults to true when omitted.
	RefundEligible *bool  `json:"refund_eligible,omitempty"`
	ActorID        string `json:"-"`
}

// Book allocates a token, stamps its initial ETA and, when requested, debits
// the fee from the patient's wallet, all in one transaction.
func (s *Service) Book(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "queue.Book")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinicq.doctor_id", req.DoctorID.String()),
		attribute.String("clinicq.clinic_id", req.ClinicID.String()),
	)
	defer func() {
		s.metrics.ObserveBooking(resultLabel(err))
		if err != nil {
			span.RecordError(err)
		}
	}()

	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil || req.ClinicID == uuid.Nil {
		return nil, apperr.Validation("patient_id, doctor_id and clinic_id are required")
	}
	if req.Date.IsZero() {
		return nil, apperr.Validation("date is required")
	}
	if req.ConsultationFee < 0 {
		return nil, apperr.Validation("consultation_fee must not be negative")
	}
	pay := req.PayFromWallet && req.ConsultationFee > 0
	if pay && s.payer == nil {
		return nil, apperr.Validation("wallet payments are not enabled")
	}
	eligible := true
	if req.RefundEligible != nil {
		eligible = *req.RefundEligible
	}

	var sched *Schedule
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var token, slot int
		var err error
		sched, token, slot, err = s.pickWindow(ctx, req.DoctorID, req.ClinicID, req.Date)
		if err != nil {
			return err
		}
		eta := projectETA(sched.StartsAt(s.cfg.Location), slot, sched.AverageConsultation())

		appt = &Appointment{
			ScheduleID:         sched.ID,
			PatientID:          req.PatientID,
			DoctorID:           req.DoctorID,
			ClinicID:           req.ClinicID,
			AppointmentDate:    sched.Date,
			TokenNumber:        token,
			Status:             StatusScheduled,
			EstimatedStartTime: &eta,
			IsPaid:             pay,
			IsRefundEligible:   eligible,
			ConsultationFee:    req.ConsultationFee,
		}
		if req.ActorID != "" {
			appt.CreatedBy = strPtr(req.ActorID)
		}
		if err := s.appointments.Create(ctx, appt); err != nil {
			return err
		}
		if pay {
			return s.payer.ChargeAppointment(ctx, appt, req.ActorID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("clinicq.token", appt.TokenNumber))
	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("schedule_id", sched.ID.String()).
		Int("token", appt.TokenNumber).
		Bool("paid", appt.IsPaid).
		Msg("appointment booked")

	s.flush(ctx, &effects{
		invalidate: []ProgressKey{KeyFor(sched)},
		events: []notification.Event{{
			Template:  notification.TemplateBookingReceipt,
			Recipient: appt.PatientID.String(),
			Data:      s.appointmentData(appt),
		}},
	})
	return appt, nil
}

// -- ETA Estimator --

// InitialETA is the schedule start on date plus (token-1) average slots.
func (s *Service) InitialETA(ctx context.Context, scheduleID uuid.UUID, token int, date time.Time) (time.Time, error) {
	if token < 1 {
		return time.Time{}, apperr.Validation("token must be at least 1, got %d", token)
	}
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return time.Time{}, err
	}
	if date.IsZero() {
		date = sched.Date
	}
	anchor := atMinute(date, sched.StartMinute, s.cfg.Location)
	return projectETA(anchor, token, sched.AverageConsultation()), nil
}

// ArrivalResult summarizes an arrival event.
type ArrivalResult struct {
	Schedule *Schedule `json:"schedule"`
	Updated  int       `json:"updated_appointments"`
}

// OnDoctorArrival records the arrival once and re-anchors every waiting
// token on it.
func (s *Service) OnDoctorArrival(ctx context.Context, scheduleID uuid.UUID, at time.Time) (*ArrivalResult, error) {
	ctx, span := tracer.Start(ctx, "queue.OnDoctorArrival")
	defer span.End()
	started := time.Now()

	if at.IsZero() {
		at = s.now()
	}
	eff := &effects{}
	var result *ArrivalResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		if !sched.IsActive {
			return apperr.New(apperr.KindEligibility, apperr.CodeNoActiveSchedule, "schedule is not active")
		}
		if sched.ActualArrivalTime != nil {
			return apperr.New(apperr.KindConflict, apperr.CodeArrivalAlreadyRecorded,
				"doctor arrival already recorded at %s", sched.ActualArrivalTime.Format(time.RFC3339))
		}
		if err := s.schedules.SetArrival(ctx, sched.ID, at); err != nil {
			return err
		}
		sched.ActualArrivalTime = &at

		appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
		if err != nil {
			return err
		}
		etas := arrivalETAs(appts, at, sched.AverageConsultation())
		if err := s.appointments.UpdateETAs(ctx, etas); err != nil {
			return err
		}
		for _, a := range appts {
			eta, ok := etas[a.ID]
			if !ok {
				continue
			}
			a.EstimatedStartTime = timePtr(eta)
			eff.events = append(eff.events, notification.Event{
				Template:  notification.TemplateDoctorArrived,
				Recipient: a.PatientID.String(),
				Data:      s.appointmentData(a),
			})
		}
		eff.invalidate = append(eff.invalidate, KeyFor(sched))
		result = &ArrivalResult{Schedule: sched, Updated: len(etas)}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.metrics.ObserveRecalc("arrival", time.Since(started).Seconds())
	s.logger.Info().
		Str("schedule_id", scheduleID.String()).
		Time("arrival", at).
		Int("updated", result.Updated).
		Msg("doctor arrival recorded")
	s.flush(ctx, eff)
	return result, nil
}

// RecalculateFromArrival re-anchors every non-terminal appointment on the
// arrival time, or the scheduled start when the doctor has not arrived.
func (s *Service) RecalculateFromArrival(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	started := time.Now()
	eff := &effects{}
	var updated int
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		anchor := sched.StartsAt(s.cfg.Location)
		if sched.ActualArrivalTime != nil {
			anchor = *sched.ActualArrivalTime
		}
		appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
		if err != nil {
			return err
		}
		etas := anchoredETAs(appts, anchor, sched.AverageConsultation())
		if err := s.appointments.UpdateETAs(ctx, etas); err != nil {
			return err
		}
		updated = len(etas)
		eff.invalidate = append(eff.invalidate, KeyFor(sched))
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.ObserveRecalc("anchor", time.Since(started).Seconds())
	s.flush(ctx, eff)
	return updated, nil
}

// OnProgressChanged re-projects ETAs from the live queue position.
func (s *Service) OnProgressChanged(ctx context.Context, scheduleID uuid.UUID) error {
	eff := &effects{}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sched, err := s.schedules.GetForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		return s.refreshProgress(ctx, sched, eff)
	})
	if err != nil {
		return err
	}
	s.flush(ctx, eff)
	return nil
}

// refreshProgress must run under the schedule lock.
func (s *Service) refreshProgress(ctx context.Context, sched *Schedule, eff *effects) error {
	started := time.Now()
	appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
	if err != nil {
		return err
	}
	now := s.now()
	etas := progressETAs(appts, now, sched.AverageConsultation())
	if err := s.appointments.UpdateETAs(ctx, etas); err != nil {
		return err
	}
	for _, a := range appts {
		if eta, ok := etas[a.ID]; ok {
			a.EstimatedStartTime = timePtr(eta)
		}
	}
	if next := nextInLine(appts); next != nil {
		eff.events = append(eff.events, notification.Event{
			Template:  notification.TemplateNextInLine,
			Recipient: next.PatientID.String(),
			Data:      s.appointmentData(next),
			DedupeKey: "next-in-line:" + next.ID.String(),
		})
	}
	eff.invalidate = append(eff.invalidate, KeyFor(sched))
	s.metrics.ObserveRecalc("progress", time.Since(started).Seconds())
	return nil
}

// -- Status State Machine --

// StatusChange is a staff request to move an appointment.
type StatusChange struct {
	AppointmentID uuid.UUID
	Status        string
	Notes         *string
	Reason        string
	ActorID       string
}

// SetStatus applies one state machine edge under the schedule lock, with
// its side effects: auto-supersession on start, average recomputation on
// completion, refund on cancellation, and ETA re-projection.
func (s *Service) SetStatus(ctx context.Context, req StatusChange) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "queue.SetStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinicq.appointment_id", req.AppointmentID.String()),
		attribute.String("clinicq.status", req.Status),
	)

	to, err := ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}

	eff := &effects{}
	var appt *Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sched, a, err := LockAppointment(ctx, s.schedules, s.appointments, req.AppointmentID)
		if err != nil {
			return err
		}
		appt = a
		return s.applyStatus(ctx, sched, a, to, req, eff)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.flush(ctx, eff)
	return appt, nil
}

// MarkNoShow records that the patient never presented. The appointment
// loses refund eligibility; no ledger activity happens.
func (s *Service) MarkNoShow(ctx context.Context, appointmentID uuid.UUID, actorID string, notes *string) (*Appointment, error) {
	return s.SetStatus(ctx, StatusChange{
		AppointmentID: appointmentID,
		Status:        string(StatusNoShow),
		Notes:         notes,
		ActorID:       actorID,
	})
}

func (s *Service) applyStatus(ctx context.Context, sched *Schedule, appt *Appointment, to Status, req StatusChange, eff *effects) error {
	from := appt.Status
	if from == to {
		if req.Notes == nil {
			return nil
		}
		appt.StatusNotes = req.Notes
		return s.appointments.Update(ctx, appt)
	}
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindConflict, apperr.CodeInvalidTransition,
			"cannot move appointment from %s to %s", from, to)
	}

	now := s.now()
	if req.Notes != nil {
		appt.StatusNotes = req.Notes
	}

	switch to {
	case StatusStart:
		if err := s.supersede(ctx, sched, appt, now); err != nil {
			return err
		}
		if appt.ActualStartTime == nil {
			appt.ActualStartTime = timePtr(now)
		}
	case StatusCompleted:
		appt.ActualEndTime = timePtr(now)
		if appt.ActualStartTime == nil {
			appt.ActualStartTime = timePtr(now)
		}
	case StatusCancel:
		if appt.RefundEligible() && s.refunder != nil {
			reason := req.Reason
			if reason == "" {
				reason = "appointment cancelled"
			}
			receipt, err := s.refunder.RefundCancelled(ctx, appt, reason, req.ActorID)
			if err != nil {
				return err
			}
			appt.HasBeenRefunded = true
			eff.events = append(eff.events, notification.Event{
				Template:  notification.TemplateRefundCompleted,
				Recipient: appt.PatientID.String(),
				Data: map[string]string{
					"token":   strconv.Itoa(appt.TokenNumber),
					"amount":  notification.FormatPaise(receipt.Amount),
					"balance": notification.FormatPaise(receipt.NewBalance),
				},
			})
		}
	case StatusNoShow:
		appt.IsRefundEligible = false
	case StatusScheduled, StatusHold, StatusPause:
	}

	appt.Status = to
	if err := s.appointments.Update(ctx, appt); err != nil {
		return err
	}
	s.metrics.ObserveTransition(string(from), string(to))
	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Int("token", appt.TokenNumber).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor_id", req.ActorID).
		Msg("appointment status changed")

	if to == StatusCompleted {
		if err := s.recomputeAverage(ctx, sched); err != nil {
			return err
		}
	}
	return s.refreshProgress(ctx, sched, eff)
}

// supersede completes every lower token still consulting or waiting before
// appt starts. A higher token in consultation blocks the start instead: it
// has to be completed or held first.
func (s *Service) supersede(ctx context.Context, sched *Schedule, appt *Appointment, now time.Time) error {
	appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
	if err != nil {
		return err
	}
	for _, other := range appts {
		if other.ID != appt.ID && other.Status == StatusStart && other.TokenNumber > appt.TokenNumber {
			return apperr.New(apperr.KindConflict, apperr.CodeInvalidTransition,
				"token %d is in consultation; complete or hold it before starting token %d",
				other.TokenNumber, appt.TokenNumber)
		}
	}
	for _, other := range appts {
		if other.ID == appt.ID || other.TokenNumber > appt.TokenNumber {
			continue
		}
		stale := other.Status == StatusStart || other.Status == StatusScheduled
		if !stale {
			continue
		}
		from := other.Status
		s.autoComplete(other, now)
		if err := s.appointments.Update(ctx, other); err != nil {
			return err
		}
		s.metrics.ObserveTransition(string(from), string(StatusCompleted))
		s.logger.Info().
			Str("appointment_id", other.ID.String()).
			Int("token", other.TokenNumber).
			Int("superseded_by", appt.TokenNumber).
			Msg("appointment auto-completed")
	}
	return nil
}

// autoComplete synthesizes consultation times: an appointment that never
// started is assumed to have taken the default duration ending now.
func (s *Service) autoComplete(a *Appointment, now time.Time) {
	if a.ActualStartTime == nil {
		a.ActualStartTime = timePtr(now.Add(-s.cfg.DefaultConsultation))
	}
	a.ActualEndTime = timePtr(now)
	a.Status = StatusCompleted
	a.AutoCompleted = true
	a.StatusNotes = strPtr(AutoCompletedNote)
}

func (s *Service) recomputeAverage(ctx context.Context, sched *Schedule) error {
	appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
	if err != nil {
		return err
	}
	avg, ok := averageConsultation(appts, s.cfg.MinValidConsultation, s.cfg.MaxValidConsultation)
	if !ok || avg == sched.AverageConsultationMinutes {
		return nil
	}
	if err := s.schedules.SetAverage(ctx, sched.ID, avg); err != nil {
		return err
	}
	s.logger.Debug().
		Str("schedule_id", sched.ID.String()).
		Float64("previous", sched.AverageConsultationMinutes).
		Float64("average", avg).
		Msg("average consultation time updated")
	sched.AverageConsultationMinutes = avg
	return nil
}

// -- Read side --

// TokenProgress reports the token being seen for a doctor's queue. Reads are
// cached briefly and retried on transient storage errors.
func (s *Service) TokenProgress(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) (*TokenProgress, error) {
	key := ProgressKey{DoctorID: doctorID, ClinicID: clinicID, Date: date}
	if p, ok := s.cache.Get(ctx, key); ok {
		s.metrics.ObserveCache(true)
		return p, nil
	}
	s.metrics.ObserveCache(false)

	p, err := db.RetryRead(ctx, s.cfg.ReadRetry, func(ctx context.Context) (*TokenProgress, error) {
		sched, err := s.schedules.FindForDate(ctx, doctorID, clinicID, date)
		if err != nil {
			return nil, err
		}
		appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
		if err != nil {
			return nil, err
		}
		return buildProgress(sched, appts), nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, p)
	return p, nil
}

// ProgressNotStarted is reported when no appointment holds the current token.
const ProgressNotStarted = "not_started"

func buildProgress(sched *Schedule, appts []*Appointment) *TokenProgress {
	current := CurrentConsultingToken(appts)
	p := &TokenProgress{ScheduleID: sched.ID, CurrentToken: current, Status: ProgressNotStarted}
	for _, a := range appts {
		if a.TokenNumber == current {
			p.Appointment = a
			p.Status = string(a.Status)
			break
		}
	}
	return p
}

// AppointmentETA reports one appointment's estimate against the live queue.
func (s *Service) AppointmentETA(ctx context.Context, appointmentID uuid.UUID) (*AppointmentETA, error) {
	return db.RetryRead(ctx, s.cfg.ReadRetry, func(ctx context.Context) (*AppointmentETA, error) {
		a, err := s.appointments.GetByID(ctx, appointmentID)
		if err != nil {
			return nil, err
		}
		sched, err := s.schedules.GetByID(ctx, a.ScheduleID)
		if err != nil {
			return nil, err
		}
		appts, err := s.appointments.ListBySchedule(ctx, sched.ID)
		if err != nil {
			return nil, err
		}
		return &AppointmentETA{
			AppointmentID:          a.ID,
			TokenNumber:            a.TokenNumber,
			Status:                 a.Status,
			EstimatedStartTime:     a.EstimatedStartTime,
			CurrentConsultingToken: CurrentConsultingToken(appts),
			AvgConsultationMinutes: sched.AverageConsultationMinutes,
		}, nil
	})
}

func (s *Service) appointmentData(a *Appointment) map[string]string {
	data := map[string]string{
		"token":          strconv.Itoa(a.TokenNumber),
		"date":           a.AppointmentDate.Format(time.DateOnly),
		"appointment_id": a.ID.String(),
	}
	if a.EstimatedStartTime != nil {
		data["eta"] = a.EstimatedStartTime.In(s.cfg.Location).Format("15:04")
	}
	return data
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return apperr.CodeInternal
}
