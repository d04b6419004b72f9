package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

// memStore backs every fake repository in this package so one fakeTx can
// roll all of them back together.
type memStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]queue.Schedule
	appts     map[uuid.UUID]queue.Appointment
	wallets   map[uuid.UUID]Wallet
	ledger    []Transaction
	refunds   map[uuid.UUID]Refund
}

func newMemStore() *memStore {
	return &memStore{
		schedules: make(map[uuid.UUID]queue.Schedule),
		appts:     make(map[uuid.UUID]queue.Appointment),
		wallets:   make(map[uuid.UUID]Wallet),
		refunds:   make(map[uuid.UUID]Refund),
	}
}

func (m *memStore) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	scheds := copyMap(m.schedules)
	appts := copyMap(m.appts)
	wallets := copyMap(m.wallets)
	refunds := copyMap(m.refunds)
	ledger := append([]Transaction(nil), m.ledger...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.schedules, m.appts, m.wallets, m.refunds, m.ledger = scheds, appts, wallets, refunds, ledger
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// -- queue repositories --

type memSchedules struct{ m *memStore }

func (r *memSchedules) Create(_ context.Context, s *queue.Schedule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	r.m.schedules[s.ID] = *s
	return nil
}

func (r *memSchedules) GetByID(_ context.Context, id uuid.UUID) (*queue.Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.schedules[id]
	if !ok {
		return nil, apperr.NotFound("schedule")
	}
	return &s, nil
}

func (r *memSchedules) GetForUpdate(ctx context.Context, id uuid.UUID) (*queue.Schedule, error) {
	return r.GetByID(ctx, id)
}

func (r *memSchedules) ListActiveForUpdate(_ context.Context, doctorID, clinicID uuid.UUID, date time.Time) ([]*queue.Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*queue.Schedule
	for _, s := range r.m.schedules {
		if s.DoctorID == doctorID && s.ClinicID == clinicID && s.Date.Equal(queue.DateOnly(date)) && s.IsActive {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out, nil
}

func (r *memSchedules) FindForDate(_ context.Context, doctorID, clinicID uuid.UUID, date time.Time) (*queue.Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.schedules {
		if s.DoctorID == doctorID && s.ClinicID == clinicID && s.Date.Equal(queue.DateOnly(date)) {
			return &s, nil
		}
	}
	return nil, apperr.NotFound("schedule")
}

func (r *memSchedules) List(context.Context, queue.ScheduleFilter, int, int) ([]*queue.Schedule, int, error) {
	return nil, 0, nil
}

func (r *memSchedules) update(id uuid.UUID, fn func(s *queue.Schedule)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.schedules[id]
	if !ok {
		return apperr.NotFound("schedule")
	}
	fn(&s)
	r.m.schedules[id] = s
	return nil
}

func (r *memSchedules) SetArrival(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(s *queue.Schedule) { s.ActualArrivalTime = &at })
}

func (r *memSchedules) SetAverage(_ context.Context, id uuid.UUID, minutes float64) error {
	return r.update(id, func(s *queue.Schedule) { s.AverageConsultationMinutes = minutes })
}

func (r *memSchedules) Deactivate(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.update(id, func(s *queue.Schedule) {
		s.IsActive = false
		s.CancelledAt = &at
		s.CancelReason = &reason
	})
}

type memAppointments struct{ m *memStore }

func (r *memAppointments) Create(_ context.Context, a *queue.Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	r.m.appts[a.ID] = *a
	return nil
}

func (r *memAppointments) GetByID(_ context.Context, id uuid.UUID) (*queue.Appointment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment")
	}
	return &a, nil
}

func (r *memAppointments) GetForUpdate(ctx context.Context, id uuid.UUID) (*queue.Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r *memAppointments) ListBySchedule(_ context.Context, scheduleID uuid.UUID) ([]*queue.Appointment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*queue.Appointment
	for _, a := range r.m.appts {
		if a.ScheduleID == scheduleID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out, nil
}

func (r *memAppointments) MaxToken(_ context.Context, doctorID, clinicID uuid.UUID, date time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	maxToken := 0
	for _, a := range r.m.appts {
		if a.DoctorID == doctorID && a.ClinicID == clinicID && a.AppointmentDate.Equal(queue.DateOnly(date)) && a.TokenNumber > maxToken {
			maxToken = a.TokenNumber
		}
	}
	return maxToken, nil
}

func (r *memAppointments) CountBySchedule(_ context.Context, scheduleID uuid.UUID) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, a := range r.m.appts {
		if a.ScheduleID == scheduleID {
			n++
		}
	}
	return n, nil
}

func (r *memAppointments) Update(_ context.Context, a *queue.Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.appts[a.ID]; !ok {
		return apperr.NotFound("appointment")
	}
	r.m.appts[a.ID] = *a
	return nil
}

func (r *memAppointments) UpdateETAs(_ context.Context, etas map[uuid.UUID]time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, eta := range etas {
		if a, ok := r.m.appts[id]; ok {
			eta := eta
			a.EstimatedStartTime = &eta
			r.m.appts[id] = a
		}
	}
	return nil
}

// -- wallet repository --

type memWallets struct{ m *memStore }

func (r *memWallets) GetOrCreate(_ context.Context, patientID uuid.UUID) (*Wallet, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if w, ok := r.m.wallets[patientID]; ok {
		return &w, false, nil
	}
	w := Wallet{ID: uuid.New(), PatientID: patientID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	r.m.wallets[patientID] = w
	return &w, true, nil
}

func (r *memWallets) GetByPatient(_ context.Context, patientID uuid.UUID) (*Wallet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	w, ok := r.m.wallets[patientID]
	if !ok {
		return nil, apperr.NotFound("wallet")
	}
	return &w, nil
}

func (r *memWallets) GetForUpdate(ctx context.Context, patientID uuid.UUID) (*Wallet, error) {
	return r.GetByPatient(ctx, patientID)
}

func (r *memWallets) UpdateBalances(_ context.Context, w *Wallet) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if w.Balance < 0 {
		return apperr.New(apperr.KindEligibility, apperr.CodeInsufficientBalance, "balance check violated")
	}
	r.m.wallets[w.PatientID] = *w
	return nil
}

func (r *memWallets) InsertTransaction(_ context.Context, t *Transaction) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	r.m.ledger = append(r.m.ledger, *t)
	return nil
}

func (r *memWallets) ListTransactions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	all, _ := r.AllTransactions(ctx, patientID)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memWallets) AllTransactions(_ context.Context, patientID uuid.UUID) ([]*Transaction, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Transaction
	for _, t := range r.m.ledger {
		if t.PatientID == patientID {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (r *memWallets) InsertRefund(_ context.Context, ref *Refund) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.refunds[ref.AppointmentID]; ok {
		return apperr.New(apperr.KindConflict, apperr.CodeAlreadyRefunded, "already refunded")
	}
	ref.ID = uuid.New()
	ref.CreatedAt = time.Now()
	r.m.refunds[ref.AppointmentID] = *ref
	return nil
}

func (r *memWallets) GetRefund(_ context.Context, appointmentID uuid.UUID) (*Refund, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ref, ok := r.m.refunds[appointmentID]
	if !ok {
		return nil, apperr.NotFound("refund")
	}
	return &ref, nil
}

// failingRefunds rejects refund records for one appointment.
type failingRefunds struct {
	Repository
	failFor uuid.UUID
}

func (f *failingRefunds) InsertRefund(ctx context.Context, ref *Refund) error {
	if ref.AppointmentID == f.failFor {
		return apperr.New(apperr.KindInternal, apperr.CodeInternal, "refund store unavailable")
	}
	return f.Repository.InsertRefund(ctx, ref)
}

// -- transactions --

type txKey struct{}

// fakeTx serializes units of work and restores the store when one fails.
type fakeTx struct {
	mu    sync.Mutex
	store *memStore
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	restore := f.store.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		restore()
		return err
	}
	return nil
}

// -- collaborators --

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *recordingNotifier) Notify(ev notification.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Template == template {
			c++
		}
	}
	return c
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []queue.ProgressKey
}

func (c *recordingCache) Get(context.Context, queue.ProgressKey) (*queue.TokenProgress, bool) {
	return nil, false
}

func (c *recordingCache) Set(context.Context, queue.ProgressKey, *queue.TokenProgress) {}

func (c *recordingCache) Invalidate(_ context.Context, k queue.ProgressKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, k)
}
