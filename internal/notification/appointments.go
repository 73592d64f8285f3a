package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/appointment"
)

// Directory resolves principal ids to names and email addresses.
// appointment.Repository satisfies it.
type Directory interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*appointment.Doctor, error)
}

// AppointmentNotifier adapts the fan-out service to the scheduling
// engine's Notifier hook.
type AppointmentNotifier struct {
	svc *Service
	dir Directory
}

func NewAppointmentNotifier(svc *Service, dir Directory) *AppointmentNotifier {
	return &AppointmentNotifier{svc: svc, dir: dir}
}

func (an *AppointmentNotifier) AppointmentBooked(ctx context.Context, a *appointment.Appointment) error {
	patient, doctor, err := an.lookup(ctx, a)
	if err != nil {
		return err
	}
	when := formatWhen(a)

	patientErr := an.send(ctx, patientRecipient(patient), New{
		Type:     TypeAppointmentConfirmed,
		Title:    "Appointment booked",
		Message:  fmt.Sprintf("Your appointment with %s is booked for %s.", doctor.Name, when),
		Data:     appointmentData(a),
		Priority: PriorityNormal,
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	doctorErr := an.send(ctx, doctorRecipient(doctor), New{
		Type:     TypeAppointmentConfirmed,
		Title:    "New appointment",
		Message:  fmt.Sprintf("%s booked %s with you.", patient.Name, when),
		Data:     appointmentData(a),
		Priority: PriorityNormal,
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	return errors.Join(patientErr, doctorErr)
}

func (an *AppointmentNotifier) AppointmentCancelled(ctx context.Context, a *appointment.Appointment) error {
	patient, doctor, err := an.lookup(ctx, a)
	if err != nil {
		return err
	}

	return an.send(ctx, patientRecipient(patient), New{
		Type:     TypeAppointmentCancelled,
		Title:    "Appointment cancelled",
		Message:  fmt.Sprintf("Your appointment with %s for %s was cancelled.", doctor.Name, formatWhen(a)),
		Data:     appointmentData(a),
		Priority: PriorityNormal,
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
}

func (an *AppointmentNotifier) AppointmentRescheduled(ctx context.Context, a *appointment.Appointment) error {
	patient, doctor, err := an.lookup(ctx, a)
	if err != nil {
		return err
	}
	when := formatWhen(a)

	patientErr := an.send(ctx, patientRecipient(patient), New{
		Type:     TypeAppointmentRescheduled,
		Title:    "Appointment rescheduled",
		Message:  fmt.Sprintf("Your appointment with %s moved to %s.", doctor.Name, when),
		Data:     appointmentData(a),
		Priority: PriorityNormal,
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	doctorErr := an.send(ctx, doctorRecipient(doctor), New{
		Type:     TypeAppointmentRescheduled,
		Title:    "Appointment rescheduled",
		Message:  fmt.Sprintf("Your appointment with %s moved to %s.", patient.Name, when),
		Data:     appointmentData(a),
		Priority: PriorityNormal,
		Channels: []Channel{ChannelInApp},
	})
	return errors.Join(patientErr, doctorErr)
}

func (an *AppointmentNotifier) VideoCallRequested(ctx context.Context, a *appointment.Appointment) error {
	patient, doctor, err := an.lookup(ctx, a)
	if err != nil {
		return err
	}

	data := appointmentData(a)
	if a.Video != nil {
		data["roomId"] = a.Video.RoomID
	}
	return an.send(ctx, patientRecipient(patient), New{
		Type:     TypeVideoCallRequest,
		Title:    "Your video consultation is starting",
		Message:  fmt.Sprintf("%s is ready for your call. Join now.", doctor.Name),
		Data:     data,
		Priority: PriorityHigh,
		Channels: []Channel{ChannelInApp},
	})
}

func (an *AppointmentNotifier) send(ctx context.Context, rcpt Recipient, in New) error {
	_, err := an.svc.Send(ctx, rcpt, in)
	return err
}

func (an *AppointmentNotifier) lookup(ctx context.Context, a *appointment.Appointment) (*appointment.Patient, *appointment.Doctor, error) {
	patient, err := an.dir.GetPatientByID(ctx, a.PatientID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve patient: %w", err)
	}
	doctor, err := an.dir.GetDoctorByID(ctx, a.DoctorID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve doctor: %w", err)
	}
	return patient, doctor, nil
}

func patientRecipient(p *appointment.Patient) Recipient {
	r := Recipient{ID: p.ID, Name: p.Name}
	if p.Email != nil {
		r.Email = *p.Email
	}
	return r
}

func doctorRecipient(d *appointment.Doctor) Recipient {
	r := Recipient{ID: d.ID, Name: d.Name}
	if d.Email != nil {
		r.Email = *d.Email
	}
	return r
}

func appointmentData(a *appointment.Appointment) map[string]any {
	return map[string]any{
		DataKeyAppointmentID: a.ID.String(),
		"date":               a.Date.Format("2006-01-02"),
		"start":              a.Slot.StartClock(),
		"end":                a.Slot.EndClock(),
		"mode":               a.Mode,
	}
}

func formatWhen(a *appointment.Appointment) string {
	return a.StartsAt().Format("Monday, January 2 at 15:04")
}
