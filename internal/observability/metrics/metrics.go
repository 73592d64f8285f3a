package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters for the appointment engine. All
// methods are safe on a nil receiver so callers never guard them.
type SchedulingMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	remindersTotal   *prometheus.CounterVec
	sweepTotal       *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "scheduling",
			Name:      "transitions_total",
			Help:      "Appointment state transitions",
		}, []string{"transition"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "scheduling",
			Name:      "reminders_total",
			Help:      "Reminder dispatch results",
		}, []string{"result"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "scheduling",
			Name:      "sweep_transitions_total",
			Help:      "Transitions applied by the reconciliation sweep",
		}, []string{"check"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Notification delivery attempts by channel and status",
		}, []string{"channel", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.remindersTotal, m.sweepTotal, m.deliveriesTotal)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(transition string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(transition).Inc()
}

func (m *SchedulingMetrics) ObserveReminder(result string) {
	if m == nil {
		return
	}
	m.remindersTotal.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveSweep(check string) {
	if m == nil {
		return
	}
	m.sweepTotal.WithLabelValues(check).Inc()
}

func (m *SchedulingMetrics) ObserveDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(channel, status).Inc()
}
