// Package notification renders patient-facing messages from templates and
// delivers them asynchronously. Producers enqueue events after their
// transaction commits; a background dispatcher renders and publishes them so
// a slow or failing channel never blocks or rolls back queue and wallet work.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/metrics"
)

// Built-in template ids.
const (
	TemplateDoctorArrived   = "doctor-arrived"
	TemplateNextInLine      = "next-in-line"
	TemplateRefundCompleted = "refund-completed"
	TemplateBookingReceipt  = "booking-confirmed"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateDoctorArrived,
			Name:    "Doctor Arrived",
			Subject: "Your doctor has arrived",
			Body:    "The doctor has arrived for your appointment on {{date}}. Your token is {{token}} and your expected time is {{eta}}.",
		},
		{
			ID:      TemplateNextInLine,
			Name:    "Next In Line",
			Subject: "You are next",
			Body:    "Token {{token}}: you are next in line. Please be ready at {{eta}}.",
		},
		{
			ID:      TemplateRefundCompleted,
			Name:    "Refund Completed",
			Subject: "Refund of {{amount}} credited",
			Body:    "{{amount}} has been credited to your wallet for appointment token {{token}}. New balance: {{balance}}.",
		},
		{
			ID:      TemplateBookingReceipt,
			Name:    "Booking Confirmed",
			Subject: "Token {{token}} confirmed",
			Body:    "Your appointment on {{date}} is confirmed. Token {{token}}, expected time {{eta}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// FormatPaise renders an amount in paise as rupees, e.g. 50000 -> "₹500.00".
func FormatPaise(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s₹%d.%02d", sign, paise/100, paise%100)
}

// Event is a request to notify one patient.
type Event struct {
	Template  string
	Recipient string
	Data      map[string]string
	// DedupeKey suppresses repeats of the same event. Empty disables it.
	DedupeKey string
}

// Message is a rendered event ready for delivery.
type Message struct {
	ID        string            `json:"id"`
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink delivers rendered messages to a channel (stream, SMS gateway, log).
type Sink interface {
	Publish(ctx context.Context, msg Message) error
}

// Deduper records that a key has been handled. Seen returns true if the key
// was already recorded.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// Notifier is what services depend on.
type Notifier interface {
	Notify(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// Dispatcher queues events on a bounded channel and delivers them from a
// single worker. Notify never blocks: when the buffer is full the event is
// dropped and logged.
type Dispatcher struct {
	templates *TemplateEngine
	sink      Sink
	dedupe    Deduper
	logger    zerolog.Logger
	metrics   *metrics.NotifyMetrics
	events    chan Event
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDeduper(d Deduper) DispatcherOption {
	return func(disp *Dispatcher) { disp.dedupe = d }
}

func WithMetrics(m *metrics.NotifyMetrics) DispatcherOption {
	return func(disp *Dispatcher) { disp.metrics = m }
}

func WithTemplates(t *TemplateEngine) DispatcherOption {
	return func(disp *Dispatcher) { disp.templates = t }
}

func NewDispatcher(sink Sink, buffer int, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		templates: NewTemplateEngine(),
		sink:      sink,
		logger:    logger.With().Str("component", "notification").Logger(),
		events:    make(chan Event, buffer),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Notify(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.metrics.ObserveNotification(ev.Template, "dropped")
		d.logger.Warn().
			Str("template", ev.Template).
			Str("recipient", ev.Recipient).
			Msg("notification buffer full, dropping event")
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-d.events:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	if ev.DedupeKey != "" && d.dedupe != nil {
		seen, err := d.dedupe.Seen(ctx, ev.DedupeKey)
		if err != nil {
			d.logger.Warn().Err(err).Str("key", ev.DedupeKey).Msg("dedupe check failed, sending anyway")
		} else if seen {
			d.metrics.ObserveNotification(ev.Template, "duplicate")
			return
		}
	}

	subject, body, err := d.templates.Render(ev.Template, ev.Data)
	if err != nil {
		d.metrics.ObserveNotification(ev.Template, "failed")
		d.logger.Error().Err(err).Str("template", ev.Template).Msg("render notification")
		return
	}

	msg := Message{
		ID:        uuid.New().String(),
		Template:  ev.Template,
		Recipient: ev.Recipient,
		Subject:   subject,
		Body:      body,
		Data:      ev.Data,
		CreatedAt: d.now().UTC(),
	}
	if err := d.sink.Publish(ctx, msg); err != nil {
		d.metrics.ObserveNotification(ev.Template, "failed")
		d.logger.Error().Err(err).
			Str("template", ev.Template).
			Str("recipient", ev.Recipient).
			Msg("publish notification")
		return
	}
	d.metrics.ObserveNotification(ev.Template, "sent")
}

// Fanout publishes to every sink. A failing sink does not stop the others;
// their errors are joined.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes messages to the log. Used when no broker is configured.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, msg Message) error {
	s.Logger.Info().
		Str("notification_id", msg.ID).
		Str("template", msg.Template).
		Str("recipient", msg.Recipient).
		Str("subject", msg.Subject).
		Msg("notification")
	return nil
}
