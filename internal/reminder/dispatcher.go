package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/notification"
	"github.com/carelink/appointment-engine/internal/observability/metrics"
)

// AppointmentSource supplies the candidates and their participants.
// appointment.Repository satisfies it.
type AppointmentSource interface {
	ListUpcoming(ctx context.Context, from, to time.Time) ([]appointment.Appointment, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*appointment.Doctor, error)
}

// Deduper answers whether a reminder already exists for the dedupe key.
// notification.Repository satisfies it.
type Deduper interface {
	ReminderExists(ctx context.Context, recipientID, appointmentID uuid.UUID, now time.Time) (bool, error)
}

// Sender is the notification fan-out.
type Sender interface {
	Send(ctx context.Context, rcpt notification.Recipient, in notification.New) (*notification.Notification, error)
}

// Stats summarizes one dispatch run.
type Stats struct {
	Scanned int
	Sent    int
	Skipped int
	Failed  int
}

// Dispatcher sends at most one reminder per qualifying appointment. It is
// safe to re-run on the same window after a crash or a double trigger:
// the dedupe key, not run bookkeeping, is what prevents double sends.
type Dispatcher struct {
	appts   AppointmentSource
	dedupe  Deduper
	sender  Sender
	metrics *metrics.SchedulingMetrics
	log     *zap.Logger
}

func NewDispatcher(appts AppointmentSource, dedupe Deduper, sender Sender, m *metrics.SchedulingMetrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		appts:   appts,
		dedupe:  dedupe,
		sender:  sender,
		metrics: m,
		log:     log,
	}
}

// DispatchWindow reminds patients of scheduled/confirmed appointments
// starting inside [windowStart, windowEnd). One appointment's failure is
// logged and the batch continues.
func (d *Dispatcher) DispatchWindow(ctx context.Context, windowStart, windowEnd time.Time) (Stats, error) {
	var stats Stats

	candidates, err := d.appts.ListUpcoming(ctx, windowStart, windowEnd)
	if err != nil {
		return stats, fmt.Errorf("list upcoming appointments: %w", err)
	}
	stats.Scanned = len(candidates)

	for i := range candidates {
		appt := &candidates[i]
		if err := ctx.Err(); err != nil {
			// Batch deadline hit; the rest waits for the next tick.
			return stats, err
		}

		sent, err := d.remindOne(ctx, appt)
		switch {
		case err != nil:
			stats.Failed++
			d.metrics.ObserveReminder("failed")
			d.log.Warn("reminder dispatch failed",
				zap.String("appointment_id", appt.ID.String()), zap.Error(err))
		case sent:
			stats.Sent++
			d.metrics.ObserveReminder("sent")
		default:
			stats.Skipped++
			d.metrics.ObserveReminder("skipped")
		}
	}

	return stats, nil
}

func (d *Dispatcher) remindOne(ctx context.Context, appt *appointment.Appointment) (bool, error) {
	exists, err := d.dedupe.ReminderExists(ctx, appt.PatientID, appt.ID, time.Now())
	if err != nil {
		return false, fmt.Errorf("check dedupe key: %w", err)
	}
	if exists {
		return false, nil
	}

	patient, err := d.appts.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return false, fmt.Errorf("resolve patient: %w", err)
	}
	doctor, err := d.appts.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return false, fmt.Errorf("resolve doctor: %w", err)
	}

	rcpt := notification.Recipient{ID: patient.ID, Name: patient.Name}
	if patient.Email != nil {
		rcpt.Email = *patient.Email
	}

	// The reminder expires when the appointment starts, which both ages
	// the dedupe key out and lets the GC reclaim the row.
	expiresAt := appt.StartsAt()

	_, err = d.sender.Send(ctx, rcpt, notification.New{
		Type:  notification.TypeAppointmentReminder,
		Title: "Appointment reminder",
		Message: fmt.Sprintf("You have an appointment with %s on %s.",
			doctor.Name, appt.StartsAt().Format("Monday, January 2 at 15:04")),
		Data: map[string]any{
			notification.DataKeyAppointmentID: appt.ID.String(),
			"date":                            appt.Date.Format("2006-01-02"),
			"start":                           appt.Slot.StartClock(),
		},
		Priority:  notification.PriorityHigh,
		ExpiresAt: &expiresAt,
		Channels:  []notification.Channel{notification.ChannelInApp, notification.ChannelEmail},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
