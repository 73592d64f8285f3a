package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/timerange"
)

type memRepo struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	deliveries    map[uuid.UUID]*Delivery
}

func newMemRepo() *memRepo {
	return &memRepo{
		notifications: make(map[uuid.UUID]*Notification),
		deliveries:    make(map[uuid.UUID]*Delivery),
	}
}

func (r *memRepo) Create(_ context.Context, n *Notification, channels []Channel) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	cp.ID = uuid.New()
	cp.Status = StatusUnread
	cp.CreatedAt = time.Now()
	for _, ch := range channels {
		d := Delivery{ID: uuid.New(), NotificationID: cp.ID, Channel: ch, Status: DeliveryPending}
		cp.Deliveries = append(cp.Deliveries, d)
		dcp := d
		r.deliveries[d.ID] = &dcp
	}
	r.notifications[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *memRepo) ListByRecipient(_ context.Context, recipientID uuid.UUID, status Status, _, _ int) ([]Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if n.RecipientID != recipientID {
			continue
		}
		if status != "" && n.Status != status {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (r *memRepo) ReminderExists(_ context.Context, recipientID, appointmentID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.RecipientID != recipientID || n.Type != TypeAppointmentReminder {
			continue
		}
		if n.Data[DataKeyAppointmentID] != appointmentID.String() {
			continue
		}
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id, recipientID uuid.UUID, to Status) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return nil, ErrNotificationNotFound
	}
	n.Status = to
	cp := *n
	return &cp, nil
}

func (r *memRepo) SetDeliveryResult(_ context.Context, deliveryID uuid.UUID, status DeliveryStatus, sentAt *time.Time, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[deliveryID]
	if !ok {
		return ErrNotificationNotFound
	}
	d.Status = status
	d.SentAt = sentAt
	d.Error = errMsg
	return nil
}

func (r *memRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, notif := range r.notifications {
		if notif.ExpiresAt != nil && notif.ExpiresAt.Before(now) {
			delete(r.notifications, id)
			n++
		}
	}
	return n, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, _ any) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

type capturingEmail struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
}

func (e *capturingEmail) Send(_ context.Context, msg EmailMessage) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, msg)
	return nil
}

func TestSendFansOutToChannels(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingPublisher{}
	email := &capturingEmail{}
	svc := NewService(repo, pub, email, nil, nil)

	rcpt := Recipient{ID: uuid.New(), Name: "Pat", Email: "pat@example.com"}
	n, err := svc.Send(context.Background(), rcpt, New{
		Type:     TypeAppointmentConfirmed,
		Title:    "Appointment booked",
		Message:  "See you Tuesday.",
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	require.NoError(t, err)
	require.Len(t, n.Deliveries, 2)
	for _, d := range n.Deliveries {
		assert.Equal(t, DeliverySent, d.Status)
		require.NotNil(t, d.SentAt)
	}

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "user:"+rcpt.ID.String(), pub.topics[0])
	require.Len(t, email.sent, 1)
	assert.Equal(t, "pat@example.com", email.sent[0].To)
	assert.Equal(t, "Appointment booked", email.sent[0].Subject)
}

func TestSendRecordsChannelFailureWithoutFailing(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingPublisher{}
	email := &capturingEmail{err: errors.New("sendgrid 503")}
	svc := NewService(repo, pub, email, nil, nil)

	rcpt := Recipient{ID: uuid.New(), Name: "Pat", Email: "pat@example.com"}
	n, err := svc.Send(context.Background(), rcpt, New{
		Type:     TypeAppointmentCancelled,
		Title:    "Appointment cancelled",
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	require.NoError(t, err)

	byChannel := map[Channel]Delivery{}
	for _, d := range n.Deliveries {
		byChannel[d.Channel] = d
	}
	assert.Equal(t, DeliverySent, byChannel[ChannelInApp].Status)
	assert.Equal(t, DeliveryFailed, byChannel[ChannelEmail].Status)
	require.NotNil(t, byChannel[ChannelEmail].Error)
	assert.Contains(t, *byChannel[ChannelEmail].Error, "sendgrid 503")
}

func TestSendWithoutEmailAddressFailsEmailChannelOnly(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &capturingPublisher{}, &capturingEmail{}, nil, nil)

	n, err := svc.Send(context.Background(), Recipient{ID: uuid.New(), Name: "Pat"}, New{
		Type:     TypeAppointmentReminder,
		Title:    "Appointment reminder",
		Channels: []Channel{ChannelInApp, ChannelEmail},
	})
	require.NoError(t, err)

	byChannel := map[Channel]Delivery{}
	for _, d := range n.Deliveries {
		byChannel[d.Channel] = d
	}
	assert.Equal(t, DeliverySent, byChannel[ChannelInApp].Status)
	assert.Equal(t, DeliveryFailed, byChannel[ChannelEmail].Status)
}

func TestSendRequiresType(t *testing.T) {
	svc := NewService(newMemRepo(), &capturingPublisher{}, nil, nil, nil)
	_, err := svc.Send(context.Background(), Recipient{ID: uuid.New()}, New{})
	assert.Error(t, err)
}

func TestMarkReadScopedToRecipient(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &capturingPublisher{}, nil, nil, nil)

	rcpt := Recipient{ID: uuid.New(), Name: "Pat"}
	n, err := svc.Send(context.Background(), rcpt, New{Type: TypeAppointmentConfirmed, Title: "t"})
	require.NoError(t, err)

	_, err = svc.MarkRead(context.Background(), n.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	read, err := svc.MarkRead(context.Background(), n.ID, rcpt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, read.Status)

	archived, err := svc.Archive(context.Background(), n.ID, rcpt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, archived.Status)
}

func TestCollectGarbage(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &capturingPublisher{}, nil, nil, nil)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	rcpt := Recipient{ID: uuid.New()}

	_, err := svc.Send(context.Background(), rcpt, New{Type: TypeAppointmentReminder, Title: "old", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), rcpt, New{Type: TypeAppointmentReminder, Title: "fresh", ExpiresAt: &future})
	require.NoError(t, err)

	n, err := svc.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type memDirectory struct {
	patients map[uuid.UUID]*appointment.Patient
	doctors  map[uuid.UUID]*appointment.Doctor
}

func (d *memDirectory) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	p, ok := d.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return p, nil
}

func (d *memDirectory) GetDoctorByID(_ context.Context, id uuid.UUID) (*appointment.Doctor, error) {
	doc, ok := d.doctors[id]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return doc, nil
}

func TestAppointmentBookedNotifiesBothParties(t *testing.T) {
	repo := newMemRepo()
	pub := &capturingPublisher{}
	svc := NewService(repo, pub, &capturingEmail{}, nil, nil)

	patientEmail := "pat@example.com"
	patient := &appointment.Patient{ID: uuid.New(), Name: "Pat Example", Email: &patientEmail}
	doctor := &appointment.Doctor{ID: uuid.New(), Name: "Dr Who"}
	dir := &memDirectory{
		patients: map[uuid.UUID]*appointment.Patient{patient.ID: patient},
		doctors:  map[uuid.UUID]*appointment.Doctor{doctor.ID: doctor},
	}
	notifier := NewAppointmentNotifier(svc, dir)

	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: patient.ID,
		DoctorID:  doctor.ID,
		Date:      time.Date(2026, 9, 10, 0, 0, 0, 0, time.Local),
		Slot:      timerange.Interval{Start: 540, End: 570},
		Status:    appointment.StatusScheduled,
		Mode:      appointment.ModeInPerson,
	}

	require.NoError(t, notifier.AppointmentBooked(context.Background(), appt))

	patientSide, err := svc.List(context.Background(), patient.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, patientSide, 1)
	assert.Contains(t, patientSide[0].Message, "Dr Who")
	assert.Equal(t, appt.ID.String(), patientSide[0].Data[DataKeyAppointmentID])

	doctorSide, err := svc.List(context.Background(), doctor.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, doctorSide, 1)
	assert.Contains(t, doctorSide[0].Message, "Pat Example")
}

func TestVideoCallRequestedCarriesRoom(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &capturingPublisher{}, nil, nil, nil)

	patient := &appointment.Patient{ID: uuid.New(), Name: "Pat"}
	doctor := &appointment.Doctor{ID: uuid.New(), Name: "Dr Who"}
	dir := &memDirectory{
		patients: map[uuid.UUID]*appointment.Patient{patient.ID: patient},
		doctors:  map[uuid.UUID]*appointment.Doctor{doctor.ID: doctor},
	}
	notifier := NewAppointmentNotifier(svc, dir)

	appt := &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: patient.ID,
		DoctorID:  doctor.ID,
		Date:      time.Date(2026, 9, 10, 0, 0, 0, 0, time.Local),
		Slot:      timerange.Interval{Start: 540, End: 570},
		Status:    appointment.StatusInProgress,
		Mode:      appointment.ModeTelemedicine,
		Video:     &appointment.VideoCallDetails{RoomID: "room-42"},
	}

	require.NoError(t, notifier.VideoCallRequested(context.Background(), appt))

	got, err := svc.List(context.Background(), patient.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, PriorityHigh, got[0].Priority)
	assert.Equal(t, "room-42", got[0].Data["roomId"])
}

func TestAppointmentBookedUnknownPatient(t *testing.T) {
	svc := NewService(newMemRepo(), &capturingPublisher{}, nil, nil, nil)
	dir := &memDirectory{
		patients: map[uuid.UUID]*appointment.Patient{},
		doctors:  map[uuid.UUID]*appointment.Doctor{},
	}
	notifier := NewAppointmentNotifier(svc, dir)

	err := notifier.AppointmentBooked(context.Background(), &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appointment.ErrPatientNotFound), fmt.Sprintf("got %v", err))
}
