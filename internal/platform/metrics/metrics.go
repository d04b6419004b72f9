// Package metrics exposes Prometheus collectors for the queue and wallet
// engines. All Observe methods are safe on a nil receiver so services can run
// without metrics in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics covers booking, status changes, ETA recomputation and the
// progress cache.
type QueueMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	etaRecalcSeconds *prometheus.HistogramVec
	cacheTotal       *prometheus.CounterVec
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "queue",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome code",
		}, []string{"result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "queue",
			Name:      "status_transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"from", "to"}),
		etaRecalcSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicq",
			Subsystem: "queue",
			Name:      "eta_recalc_seconds",
			Help:      "Latency of ETA recomputation passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		cacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "queue",
			Name:      "progress_cache_total",
			Help:      "Progress cache lookups by result",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.etaRecalcSeconds, m.cacheTotal)
	return m
}

func (m *QueueMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(result).Inc()
}

func (m *QueueMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *QueueMetrics) ObserveRecalc(trigger string, seconds float64) {
	if m == nil {
		return
	}
	m.etaRecalcSeconds.WithLabelValues(trigger).Observe(seconds)
}

func (m *QueueMetrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	m.cacheTotal.WithLabelValues(label).Inc()
}

// WalletMetrics covers ledger writes and refunds.
type WalletMetrics struct {
	transactionsTotal *prometheus.CounterVec
	refundsTotal      *prometheus.CounterVec
	refundedPaise     prometheus.Counter
}

func NewWalletMetrics(reg prometheus.Registerer) *WalletMetrics {
	m := &WalletMetrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "wallet",
			Name:      "transactions_total",
			Help:      "Ledger writes by transaction type and outcome",
		}, []string{"type", "result"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "wallet",
			Name:      "refunds_total",
			Help:      "Refund attempts by refund type and outcome",
		}, []string{"type", "result"}),
		refundedPaise: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "wallet",
			Name:      "refunded_paise_total",
			Help:      "Total amount credited back to wallets, in paise",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transactionsTotal, m.refundsTotal, m.refundedPaise)
	return m
}

func (m *WalletMetrics) ObserveTransaction(txType, result string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(txType, result).Inc()
}

func (m *WalletMetrics) ObserveRefund(refundType, result string, amount int64) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(refundType, result).Inc()
	if result == "ok" && amount > 0 {
		m.refundedPaise.Add(float64(amount))
	}
}

// NotifyMetrics counts dispatched notifications.
type NotifyMetrics struct {
	sentTotal *prometheus.CounterVec
}

func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	m := &NotifyMetrics{
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicq",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications by template and delivery status",
		}, []string{"template", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sentTotal)
	return m
}

func (m *NotifyMetrics) ObserveNotification(template, status string) {
	if m == nil {
		return
	}
	m.sentTotal.WithLabelValues(template, status).Inc()
}
