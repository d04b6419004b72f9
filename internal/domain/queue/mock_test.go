package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicq/clinicq/internal/platform/apperr"
	"github.com/clinicq/clinicq/internal/platform/notification"
)

// -- In-memory store --

// memStore is shared by the fake repositories. Writes made inside a fakeTx
// are recorded in its undo log; ForUpdate reads take a row lock held until
// the transaction ends.
type memStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*Schedule
	appts     map[uuid.UUID]*Appointment
	rows      rowLocks
}

func newMemStore() *memStore {
	return &memStore{
		schedules: make(map[uuid.UUID]*Schedule),
		appts:     make(map[uuid.UUID]*Appointment),
	}
}

type mockScheduleRepo struct{ m *memStore }

func (r *mockScheduleRepo) Create(ctx context.Context, s *Schedule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	c := *s
	r.m.schedules[s.ID] = &c
	id := s.ID
	onRollback(ctx, func() { delete(r.m.schedules, id) })
	return nil
}

func (r *mockScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.schedules[id]
	if !ok {
		return nil, apperr.NotFound("schedule")
	}
	c := *s
	return &c, nil
}

func (r *mockScheduleRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	r.m.rows.lock(ctx, id)
	return r.GetByID(ctx, id)
}

func (r *mockScheduleRepo) ListActiveForUpdate(ctx context.Context, doctorID, clinicID uuid.UUID, date time.Time) ([]*Schedule, error) {
	r.m.mu.Lock()
	var ids []uuid.UUID
	for _, s := range r.m.schedules {
		if s.DoctorID == doctorID && s.ClinicID == clinicID && s.Date.Equal(DateOnly(date)) && s.IsActive {
			ids = append(ids, s.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.m.schedules[ids[i]], r.m.schedules[ids[j]]
		if a.StartMinute != b.StartMinute {
			return a.StartMinute < b.StartMinute
		}
		return a.ID.String() < b.ID.String()
	})
	r.m.mu.Unlock()

	var out []*Schedule
	for _, id := range ids {
		r.m.rows.lock(ctx, id)
		s, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		// Re-check after the lock, as Postgres does for FOR UPDATE.
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// FindForDate mirrors the pg ordering: active first, then earliest start,
// then newest.
func (r *mockScheduleRepo) FindForDate(_ context.Context, doctorID, clinicID uuid.UUID, date time.Time) (*Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var matches []*Schedule
	for _, s := range r.m.schedules {
		if s.DoctorID == doctorID && s.ClinicID == clinicID && s.Date.Equal(DateOnly(date)) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, apperr.NotFound("schedule")
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.IsActive != b.IsActive {
			return a.IsActive
		}
		if a.StartMinute != b.StartMinute {
			return a.StartMinute < b.StartMinute
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	c := *matches[0]
	return &c, nil
}

func (r *mockScheduleRepo) List(_ context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var result []*Schedule
	for _, s := range r.m.schedules {
		if f.DoctorID != nil && s.DoctorID != *f.DoctorID {
			continue
		}
		if f.ClinicID != nil && s.ClinicID != *f.ClinicID {
			continue
		}
		c := *s
		result = append(result, &c)
	}
	return result, len(result), nil
}

func (r *mockScheduleRepo) update(ctx context.Context, id uuid.UUID, fn func(s *Schedule)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.schedules[id]
	if !ok {
		return apperr.NotFound("schedule")
	}
	prev := *s
	fn(s)
	onRollback(ctx, func() { *r.m.schedules[id] = prev })
	return nil
}

func (r *mockScheduleRepo) SetArrival(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, id, func(s *Schedule) { s.ActualArrivalTime = &at })
}

func (r *mockScheduleRepo) SetAverage(ctx context.Context, id uuid.UUID, minutes float64) error {
	return r.update(ctx, id, func(s *Schedule) { s.AverageConsultationMinutes = minutes })
}

func (r *mockScheduleRepo) Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.update(ctx, id, func(s *Schedule) {
		s.IsActive = false
		s.CancelledAt = &at
		s.CancelReason = &reason
	})
}

type mockAppointmentRepo struct{ m *memStore }

func (r *mockAppointmentRepo) Create(ctx context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, other := range r.m.appts {
		if other.DoctorID == a.DoctorID && other.ClinicID == a.ClinicID &&
			other.AppointmentDate.Equal(a.AppointmentDate) && other.TokenNumber == a.TokenNumber {
			return apperr.New(apperr.KindConflict, apperr.CodeDuplicateToken, "duplicate token %d", a.TokenNumber)
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	c := *a
	r.m.appts[a.ID] = &c
	id := a.ID
	onRollback(ctx, func() { delete(r.m.appts, id) })
	return nil
}

func (r *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment")
	}
	c := *a
	return &c, nil
}

func (r *mockAppointmentRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.m.rows.lock(ctx, id)
	return r.GetByID(ctx, id)
}

func (r *mockAppointmentRepo) ListBySchedule(_ context.Context, scheduleID uuid.UUID) ([]*Appointment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var result []*Appointment
	for _, a := range r.m.appts {
		if a.ScheduleID == scheduleID {
			c := *a
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenNumber < result[j].TokenNumber })
	return result, nil
}

func (r *mockAppointmentRepo) MaxToken(_ context.Context, doctorID, clinicID uuid.UUID, date time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	maxToken := 0
	for _, a := range r.m.appts {
		if a.DoctorID == doctorID && a.ClinicID == clinicID && a.AppointmentDate.Equal(DateOnly(date)) && a.TokenNumber > maxToken {
			maxToken = a.TokenNumber
		}
	}
	return maxToken, nil
}

func (r *mockAppointmentRepo) CountBySchedule(_ context.Context, scheduleID uuid.UUID) (int, error) {
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

func (r *mockAppointmentRepo) Update(ctx context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	prev, ok := r.m.appts[a.ID]
	if !ok {
		return apperr.NotFound("appointment")
	}
	c := *a
	r.m.appts[a.ID] = &c
	onRollback(ctx, func() { r.m.appts[prev.ID] = prev })
	return nil
}

func (r *mockAppointmentRepo) UpdateETAs(ctx context.Context, etas map[uuid.UUID]time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, eta := range etas {
		a, ok := r.m.appts[id]
		if !ok {
			continue
		}
		prev := a.EstimatedStartTime
		eta := eta
		a.EstimatedStartTime = &eta
		onRollback(ctx, func() { a.EstimatedStartTime = prev })
	}
	return nil
}

// -- Transactions --

type txKey struct{}

// txState is one open fake transaction: the row locks it holds and the
// writes to undo on rollback.
type txState struct {
	locks map[uuid.UUID]*sync.Mutex
	order []uuid.UUID
	undo  []func()
}

func txFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// onRollback registers fn to run, under the store lock, if the surrounding
// transaction fails. Outside a transaction writes are final.
func onRollback(ctx context.Context, fn func()) {
	if st := txFrom(ctx); st != nil {
		st.undo = append(st.undo, fn)
	}
}

// rowLocks stands in for Postgres row locks: a ForUpdate read blocks until
// no other open transaction holds the row.
type rowLocks struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*sync.Mutex
}

func (l *rowLocks) lock(ctx context.Context, id uuid.UUID) {
	st := txFrom(ctx)
	if st == nil {
		return
	}
	if _, held := st.locks[id]; held {
		return
	}
	l.mu.Lock()
	if l.rows == nil {
		l.rows = make(map[uuid.UUID]*sync.Mutex)
	}
	m, ok := l.rows[id]
	if !ok {
		m = &sync.Mutex{}
		l.rows[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	st.locks[id] = m
	st.order = append(st.order, id)
}

// fakeTx runs transactions concurrently. Isolation comes only from the row
// locks the repositories take, so a writer that skips them races.
type fakeTx struct {
	store     *memStore
	wallet    *fakeWallet
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	st := &txState{locks: make(map[uuid.UUID]*sync.Mutex)}
	defer func() {
		for i := len(st.order) - 1; i >= 0; i-- {
			st.locks[st.order[i]].Unlock()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		f.rollback(st)
		return err
	}
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return nil
}

func (f *fakeTx) rollback(st *txState) {
	f.store.mu.Lock()
	f.wallet.mu.Lock()
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	f.wallet.mu.Unlock()
	f.store.mu.Unlock()

	f.mu.Lock()
	f.rollbacks++
	f.mu.Unlock()
}

// -- Wallet double --

type fakeWallet struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	refunds  map[uuid.UUID]int64
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{balances: make(map[uuid.UUID]int64), refunds: make(map[uuid.UUID]int64)}
}

func (w *fakeWallet) balance(patientID uuid.UUID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[patientID]
}

func (w *fakeWallet) ChargeAppointment(ctx context.Context, appt *Appointment, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[appt.PatientID] < appt.ConsultationFee {
		return apperr.New(apperr.KindEligibility, apperr.CodeInsufficientBalance, "insufficient balance")
	}
	patient, fee := appt.PatientID, appt.ConsultationFee
	w.balances[patient] -= fee
	onRollback(ctx, func() { w.balances[patient] += fee })
	return nil
}

func (w *fakeWallet) RefundCancelled(ctx context.Context, appt *Appointment, _, _ string) (*RefundReceipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, done := w.refunds[appt.ID]; done {
		return nil, apperr.New(apperr.KindConflict, apperr.CodeAlreadyRefunded, "already refunded")
	}
	id, patient, fee := appt.ID, appt.PatientID, appt.ConsultationFee
	w.refunds[id] = fee
	w.balances[patient] += fee
	onRollback(ctx, func() {
		delete(w.refunds, id)
		w.balances[patient] -= fee
	})
	return &RefundReceipt{
		TransactionID: uuid.New(),
		Amount:        fee,
		NewBalance:    w.balances[patient],
	}, nil
}

// -- Notifier double --

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
}

func (n *recordingNotifier) Notify(ev notification.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) byTemplate(template string) []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Event
	for _, ev := range n.events {
		if ev.Template == template {
			out = append(out, ev)
		}
	}
	return out
}

// -- Clock --

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
