package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveBooking("created")
	m.ObserveBooking("created")
	m.ObserveBooking("conflict")
	m.ObserveReminder("sent")
	m.ObserveSweep("no_show")
	m.ObserveDelivery("email", "failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.bookingsTotal.WithLabelValues("created")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.bookingsTotal.WithLabelValues("conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.remindersTotal.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sweepTotal.WithLabelValues("no_show")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("email", "failed")))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *SchedulingMetrics
	assert.NotPanics(t, func() {
		m.ObserveBooking("created")
		m.ObserveTransition("cancel")
		m.ObserveReminder("skipped")
		m.ObserveSweep("call_finalized")
		m.ObserveDelivery("in_app", "sent")
	})
}
