package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/metrics"
	"github.com/clinicq/clinicq/internal/platform/notification"
	"github.com/clinicq/clinicq/pkg/pagination"
)

var tracer = otel.Tracer("clinicq.internal.domain.wallet")

// Service owns the per-patient ledger and settles refunds for the queue.
// It satisfies queue.Payer and queue.Refunder.
type Service struct {
	tx           queue.TxRunner
	wallets      Repository
	schedules    queue.ScheduleRepository
	appointments queue.AppointmentRepository

	startingBalance int64
	notifier        notification.Notifier
	cache           queue.ProgressCache
	metrics         *metrics.WalletMetrics
	logger          zerolog.Logger
	now             func() time.Time
}

type Option func(*Service)

// WithStartingBalance credits every new wallet through an opening top_up
// entry, so the ledger still replays from zero.
func WithStartingBalance(paise int64) Option {
	return func(s *Service) { s.startingBalance = paise }
}

func WithNotifier(n notification.Notifier) Option    { return func(s *Service) { s.notifier = n } }
func WithProgressCache(c queue.ProgressCache) Option { return func(s *Service) { s.cache = c } }
func WithMetrics(m *metrics.WalletMetrics) Option    { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option             { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option          { return func(s *Service) { s.now = now } }

func NewService(tx queue.TxRunner, wallets Repository, schedules queue.ScheduleRepository, appts queue.AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		tx:           tx,
		wallets:      wallets,
		schedules:    schedules,
		appointments: appts,
		notifier:     notification.Nop{},
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ queue.Payer    = (*Service)(nil)
	_ queue.Refunder = (*Service)(nil)
)

// -- Wallets --

// GetOrCreateWallet returns the patient's wallet, creating it on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	var w *Wallet
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.getOrCreate(ctx, patientID)
		return err
	})
	return w, err
}

func (s *Service) getOrCreate(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	w, created, err := s.wallets.GetOrCreate(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !created {
		return w, nil
	}
	s.logger.Info().Str("patient_id", patientID.String()).Msg("wallet created")
	if s.startingBalance <= 0 {
		return w, nil
	}
	_, w, err = s.apply(ctx, TransactionRequest{
		PatientID:   patientID,
		Amount:      s.startingBalance,
		Type:        TxTopUp,
		Description: "opening balance",
	})
	return w, err
}

// ProcessTransaction writes one ledger entry and the matching wallet
// aggregates atomically. Debits larger than the balance are rejected.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*Transaction, *Wallet, error) {
	ctx, span := tracer.Start(ctx, "wallet.ProcessTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("clinicq.transaction_type", string(req.Type)))

	var (
		t *Transaction
		w *Wallet
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		t, w, err = s.apply(ctx, req)
		return err
	})
	s.metrics.ObserveTransaction(string(req.Type), resultLabel(err))
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	return t, w, nil
}

// apply must run inside a transaction; it takes the wallet lock.
func (s *Service) apply(ctx context.Context, req TransactionRequest) (*Transaction, *Wallet, error) {
	if req.PatientID == uuid.Nil {
		return nil, nil, apperr.Validation("patient_id is required")
	}
	if req.Amount <= 0 {
		return nil, nil, apperr.Validation("amount must be positive, got %d", req.Amount)
	}
	if _, err := ParseTxType(string(req.Type)); err != nil {
		return nil, nil, err
	}

	if _, err := s.getOrCreate(ctx, req.PatientID); err != nil {
		return nil, nil, err
	}
	w, err := s.wallets.GetForUpdate(ctx, req.PatientID)
	if err != nil {
		return nil, nil, err
	}

	t := &Transaction{
		WalletID:        w.ID,
		PatientID:       w.PatientID,
		Amount:          req.Amount,
		Type:            req.Type,
		PreviousBalance: w.Balance,
		AppointmentID:   req.AppointmentID,
		ScheduleID:      req.ScheduleID,
		Description:     req.Description,
		Status:          TxStatusCompleted,
	}
	if req.ActorID != "" {
		t.ActorID = &req.ActorID
	}
	if req.Type.Credit() {
		t.NewBalance = w.Balance + req.Amount
		w.TotalEarned += req.Amount
	} else {
		if w.Balance < req.Amount {
			return nil, nil, apperr.New(apperr.KindEligibility, apperr.CodeInsufficientBalance,
				"wallet balance %s is less than %s", notification.FormatPaise(w.Balance), notification.FormatPaise(req.Amount))
		}
		t.NewBalance = w.Balance - req.Amount
		w.TotalSpent += req.Amount
	}
	w.Balance = t.NewBalance

	if err := s.wallets.InsertTransaction(ctx, t); err != nil {
		return nil, nil, err
	}
	if err := s.wallets.UpdateBalances(ctx, w); err != nil {
		return nil, nil, err
	}

	s.logger.Info().
		Str("patient_id", w.PatientID.String()).
		Str("transaction_id", t.ID.String()).
		Str("type", string(t.Type)).
		Int64("amount", t.Amount).
		Int64("new_balance", t.NewBalance).
		Msg("wallet transaction recorded")
	return t, w, nil
}

func (s *Service) GetWallet(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	return s.GetOrCreateWallet(ctx, patientID)
}

func (s *Service) ListTransactions(ctx context.Context, patientID uuid.UUID, p pagination.Params) ([]*Transaction, int, error) {
	return s.wallets.ListTransactions(ctx, patientID, p.Limit, p.Offset)
}

// AuditWallet replays the ledger from zero and compares the result with
// the stored aggregates.
func (s *Service) AuditWallet(ctx context.Context, patientID uuid.UUID) (*AuditReport, error) {
	w, err := s.wallets.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	txs, err := s.wallets.AllTransactions(ctx, patientID)
	if err != nil {
		return nil, err
	}

	r := &AuditReport{
		PatientID:     patientID,
		Transactions:  len(txs),
		StoredBalance: w.Balance,
		StoredEarned:  w.TotalEarned,
		StoredSpent:   w.TotalSpent,
	}
	for i, t := range txs {
		if t.PreviousBalance != r.ReplayedBalance {
			r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
				"entry %d (%s): previous balance %d, replay expected %d", i+1, t.ID, t.PreviousBalance, r.ReplayedBalance))
		}
		if t.NewBalance != t.PreviousBalance+t.Signed() {
			r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
				"entry %d (%s): %d %+d != %d", i+1, t.ID, t.PreviousBalance, t.Signed(), t.NewBalance))
		}
		r.ReplayedBalance += t.Signed()
		if t.Type.Credit() {
			r.ReplayedEarned += t.Amount
		} else {
			r.ReplayedSpent += t.Amount
		}
	}
	if r.ReplayedBalance != r.StoredBalance {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("balance: stored %d, replayed %d", r.StoredBalance, r.ReplayedBalance))
	}
	if r.ReplayedEarned != r.StoredEarned {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("total_earned: stored %d, replayed %d", r.StoredEarned, r.ReplayedEarned))
	}
	if r.ReplayedSpent != r.StoredSpent {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("total_spent: stored %d, replayed %d", r.StoredSpent, r.ReplayedSpent))
	}
	r.Consistent = len(r.Discrepancies) == 0
	if !r.Consistent {
		s.logger.Error().
			Str("patient_id", patientID.String()).
			Strs("discrepancies", r.Discrepancies).
			Msg("wallet audit failed")
	}
	return r, nil
}

// -- Queue integration --

// ChargeAppointment debits the consultation fee for a freshly booked
// appointment. It runs inside the booking transaction.
func (s *Service) ChargeAppointment(ctx context.Context, appt *queue.Appointment, actorID string) error {
	_, _, err := s.apply(ctx, TransactionRequest{
		PatientID:     appt.PatientID,
		Amount:        appt.ConsultationFee,
		Type:          TxPayment,
		AppointmentID: &appt.ID,
		ScheduleID:    &appt.ScheduleID,
		Description:   "consultation fee, token " + strconv.Itoa(appt.TokenNumber),
		ActorID:       actorID,
	})
	s.metrics.ObserveTransaction(string(TxPayment), resultLabel(err))
	return err
}

// RefundCancelled credits the full fee of an appointment being cancelled.
// It runs inside the caller's status transaction; the caller flags the
// appointment as refunded.
func (s *Service) RefundCancelled(ctx context.Context, appt *queue.Appointment, reason, actorID string) (*queue.RefundReceipt, error) {
	t, _, err := s.refund(ctx, appt, appt.ConsultationFee, reason, actorID)
	if err != nil {
		return nil, err
	}
	return &queue.RefundReceipt{TransactionID: t.ID, Amount: t.Amount, NewBalance: t.NewBalance}, nil
}

// refund must run inside a transaction holding the appointment lock.
func (s *Service) refund(ctx context.Context, appt *queue.Appointment, amount int64, reason, actorID string) (t *Transaction, ref *Refund, err error) {
	refundType := RefundFull
	txType := TxRefundFull
	if amount < appt.ConsultationFee {
		refundType, txType = RefundPartial, TxRefundPartial
	}
	defer func() {
		s.metrics.ObserveRefund(string(refundType), resultLabel(err), amount)
	}()

	if appt.HasBeenRefunded {
		return nil, nil, apperr.New(apperr.KindConflict, apperr.CodeAlreadyRefunded,
			"appointment token %d has already been refunded", appt.TokenNumber)
	}
	if !appt.RefundEligible() {
		return nil, nil, apperr.New(apperr.KindEligibility, apperr.CodeNotRefundEligible,
			"appointment token %d is not eligible for a refund", appt.TokenNumber)
	}
	if amount <= 0 || amount > appt.ConsultationFee {
		return nil, nil, apperr.Validation("refund amount must be in 1..%d, got %d", appt.ConsultationFee, amount)
	}

	t, _, err = s.apply(ctx, TransactionRequest{
		PatientID:     appt.PatientID,
		Amount:        amount,
		Type:          txType,
		AppointmentID: &appt.ID,
		ScheduleID:    &appt.ScheduleID,
		Description:   reason,
		ActorID:       actorID,
	})
	if err != nil {
		return nil, nil, err
	}
	ref = &Refund{
		AppointmentID:  appt.ID,
		TransactionID:  t.ID,
		OriginalAmount: appt.ConsultationFee,
		RefundAmount:   amount,
		Reason:         reason,
		Type:           refundType,
	}
	if actorID != "" {
		ref.ActorID = &actorID
	}
	if err := s.wallets.InsertRefund(ctx, ref); err != nil {
		return nil, nil, err
	}
	return t, ref, nil
}

// -- Refund Engine --

// RefundRequest refunds one appointment. A nil Amount refunds the full fee.
type RefundRequest struct {
	AppointmentID uuid.UUID
	Amount        *int64
	Reason        string
	ActorID       string
}

// RefundAppointment refunds a single paid appointment without changing its
// status.
func (s *Service) RefundAppointment(ctx context.Context, req RefundRequest) (*Refund, error) {
	ctx, span := tracer.Start(ctx, "wallet.RefundAppointment")
	defer span.End()
	span.SetAttributes(attribute.String("clinicq.appointment_id", req.AppointmentID.String()))

	reason := req.Reason
	if reason == "" {
		reason = "appointment refund"
	}

	var (
		ref   *Refund
		t     *Transaction
		appt  *queue.Appointment
		sched *queue.Schedule
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sched, appt, err = queue.LockAppointment(ctx, s.schedules, s.appointments, req.AppointmentID)
		if err != nil {
			return err
		}
		amount := appt.ConsultationFee
		if req.Amount != nil {
			amount = *req.Amount
		}
		t, ref, err = s.refund(ctx, appt, amount, reason, req.ActorID)
		if err != nil {
			return err
		}
		appt.HasBeenRefunded = true
		return s.appointments.Update(ctx, appt)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.invalidate(ctx, sched)
	s.notifyRefund(appt, t)
	return ref, nil
}

// ProcessScheduleCancellationRefunds cancels a whole schedule: the schedule
// is deactivated, every eligible appointment is refunded in full and
// cancelled, and the remaining waiting appointments are cancelled without
// ledger activity. Each appointment settles in its own transaction; a
// failure is reported and does not undo the others.
func (s *Service) ProcessScheduleCancellationRefunds(ctx context.Context, scheduleID uuid.UUID, reason, actorID string) (*CancellationSummary, error) {
	return s.cancelSchedule(ctx, scheduleID, nil, reason, actorID)
}

// ProcessPartialRefund is a schedule cancellation that leaves the given
// appointments, already seen by the doctor, untouched.
func (s *Service) ProcessPartialRefund(ctx context.Context, scheduleID uuid.UUID, completedIDs []uuid.UUID, reason, actorID string) (*CancellationSummary, error) {
	keep := make(map[uuid.UUID]struct{}, len(completedIDs))
	for _, id := range completedIDs {
		keep[id] = struct{}{}
	}
	return s.cancelSchedule(ctx, scheduleID, keep, reason, actorID)
}

type settlement int

const (
	settledNone settlement = iota
	settledRefund
	settledCancel
)

func (s *Service) cancelSchedule(ctx context.Context, scheduleID uuid.UUID, keep map[uuid.UUID]struct{}, reason, actorID string) (*CancellationSummary, error) {
	ctx, span := tracer.Start(ctx, "wallet.cancelSchedule")
	defer span.End()
	span.SetAttributes(attribute.String("clinicq.schedule_id", scheduleID.String()))

	if reason == "" {
		reason = "schedule cancelled"
	}

	var sched *queue.Schedule
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sched, err = s.schedules.GetForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		if !sched.IsActive {
			return nil
		}
		return s.schedules.Deactivate(ctx, sched.ID, reason, s.now())
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	appts, err := s.appointments.ListBySchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	summary := &CancellationSummary{
		ScheduleID: scheduleID,
		Succeeded:  []RefundOutcome{},
		Failed:     []RefundFailure{},
	}
	for _, a := range appts {
		if _, ok := keep[a.ID]; ok {
			summary.Skipped++
			continue
		}
		outcome, t, err := s.settle(ctx, a.ID, reason, actorID)
		if err != nil {
			e := apperr.ToResponse(err)
			summary.Failed = append(summary.Failed, RefundFailure{
				AppointmentID: a.ID,
				TokenNumber:   a.TokenNumber,
				Code:          e.Code,
				Message:       e.Message,
			})
			s.logger.Error().Err(err).
				Str("schedule_id", scheduleID.String()).
				Str("appointment_id", a.ID.String()).
				Msg("appointment settlement failed")
			continue
		}
		switch outcome {
		case settledRefund:
			summary.RefundedCount++
			summary.TotalRefunded += t.Amount
			summary.Succeeded = append(summary.Succeeded, RefundOutcome{
				AppointmentID: a.ID,
				TokenNumber:   a.TokenNumber,
				TransactionID: t.ID,
				Amount:        t.Amount,
			})
		case settledCancel:
			summary.CancelledWithoutRefund++
		case settledNone:
			summary.Skipped++
		}
	}

	s.invalidate(ctx, sched)
	s.logger.Info().
		Str("schedule_id", scheduleID.String()).
		Int("refunded", summary.RefundedCount).
		Int64("total_refunded", summary.TotalRefunded).
		Int("failed", len(summary.Failed)).
		Int("cancelled_without_refund", summary.CancelledWithoutRefund).
		Msg("schedule cancellation processed")
	return summary, nil
}

// settle refunds and cancels one appointment of a cancelled schedule in its
// own transaction. Eligibility is re-read under the lock so a repeated
// cancellation never refunds twice.
func (s *Service) settle(ctx context.Context, appointmentID uuid.UUID, reason, actorID string) (settlement, *Transaction, error) {
	var (
		outcome settlement
		t       *Transaction
		appt    *queue.Appointment
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		outcome, t = settledNone, nil
		var err error
		_, appt, err = queue.LockAppointment(ctx, s.schedules, s.appointments, appointmentID)
		if err != nil {
			return err
		}
		if appt.RefundEligible() {
			if t, _, err = s.refund(ctx, appt, appt.ConsultationFee, reason, actorID); err != nil {
				return err
			}
			appt.HasBeenRefunded = true
			outcome = settledRefund
		}
		if !appt.Status.Terminal() {
			appt.Status = queue.StatusCancel
			if outcome == settledNone {
				outcome = settledCancel
			}
		}
		if outcome == settledNone {
			return nil
		}
		if appt.StatusNotes == nil {
			appt.StatusNotes = &reason
		}
		return s.appointments.Update(ctx, appt)
	})
	if err != nil {
		return settledNone, nil, err
	}
	if outcome == settledRefund {
		s.notifyRefund(appt, t)
	}
	return outcome, t, nil
}

func (s *Service) invalidate(ctx context.Context, sched *queue.Schedule) {
	if s.cache == nil || sched == nil {
		return
	}
	s.cache.Invalidate(ctx, queue.KeyFor(sched))
}

func (s *Service) notifyRefund(appt *queue.Appointment, t *Transaction) {
	if appt == nil || t == nil {
		return
	}
	s.notifier.Notify(notification.Event{
		Template:  notification.TemplateRefundCompleted,
		Recipient: appt.PatientID.String(),
		Data: map[string]string{
			"token":          strconv.Itoa(appt.TokenNumber),
			"date":           appt.AppointmentDate.Format(time.DateOnly),
			"appointment_id": appt.ID.String(),
			"amount":         notification.FormatPaise(t.Amount),
			"balance":        notification.FormatPaise(t.NewBalance),
		},
		DedupeKey: "refund:" + appt.ID.String(),
	})
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
