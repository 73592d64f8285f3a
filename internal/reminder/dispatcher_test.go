package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/notification"
	"github.com/carelink/appointment-engine/internal/timerange"
)

type fakeSource struct {
	appointments []appointment.Appointment
	patients     map[uuid.UUID]*appointment.Patient
	doctors      map[uuid.UUID]*appointment.Doctor
}

func (s *fakeSource) ListUpcoming(_ context.Context, from, to time.Time) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range s.appointments {
		start := a.StartsAt()
		if !start.Before(from) && start.Before(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeSource) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return p, nil
}

func (s *fakeSource) GetDoctorByID(_ context.Context, id uuid.UUID) (*appointment.Doctor, error) {
	d, ok := s.doctors[id]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return d, nil
}

// reminderStore plays both Sender and Deduper, the way the notification
// service and its repository do in production.
type reminderStore struct {
	mu      sync.Mutex
	sent    map[string]int // recipient|appointment -> count
	failFor map[uuid.UUID]error
}

func newReminderStore() *reminderStore {
	return &reminderStore{
		sent:    make(map[string]int),
		failFor: make(map[uuid.UUID]error),
	}
}

func key(recipientID uuid.UUID, appointmentID string) string {
	return recipientID.String() + "|" + appointmentID
}

func (s *reminderStore) ReminderExists(_ context.Context, recipientID, appointmentID uuid.UUID, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[key(recipientID, appointmentID.String())] > 0, nil
}

func (s *reminderStore) Send(_ context.Context, rcpt notification.Recipient, in notification.New) (*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apptID, _ := in.Data[notification.DataKeyAppointmentID].(string)
	if err, ok := s.failFor[rcpt.ID]; ok {
		return nil, err
	}
	s.sent[key(rcpt.ID, apptID)]++
	return &notification.Notification{ID: uuid.New(), RecipientID: rcpt.ID, Type: in.Type}, nil
}

func (s *reminderStore) totalSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		n += c
	}
	return n
}

func seedSource(count int) *fakeSource {
	src := &fakeSource{
		patients: make(map[uuid.UUID]*appointment.Patient),
		doctors:  make(map[uuid.UUID]*appointment.Doctor),
	}
	doctor := &appointment.Doctor{ID: uuid.New(), Name: "Dr Who"}
	src.doctors[doctor.ID] = doctor

	tomorrow := time.Now().Add(24 * time.Hour)
	date := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.Local)

	for i := 0; i < count; i++ {
		email := "p@example.com"
		p := &appointment.Patient{ID: uuid.New(), Name: "Pat", Email: &email}
		src.patients[p.ID] = p
		src.appointments = append(src.appointments, appointment.Appointment{
			ID:        uuid.New(),
			PatientID: p.ID,
			DoctorID:  doctor.ID,
			Date:      date,
			Slot:      timerange.Interval{Start: 540 + 30*i, End: 570 + 30*i},
			Status:    appointment.StatusConfirmed,
			Mode:      appointment.ModeInPerson,
		})
	}
	return src
}

func window() (time.Time, time.Time) {
	now := time.Now()
	return now, now.Add(36 * time.Hour)
}

func TestDispatchWindowSendsOnce(t *testing.T) {
	src := seedSource(3)
	store := newReminderStore()
	d := NewDispatcher(src, store, store, nil, nil)

	from, to := window()
	stats, err := d.DispatchWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 3, stats.Sent)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Failed)

	// A second run over the same window is a pure no-op.
	stats, err = d.DispatchWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Zero(t, stats.Sent)
	assert.Equal(t, 3, stats.Skipped)

	assert.Equal(t, 3, store.totalSent())
}

func TestDispatchWindowSkipsOutOfWindow(t *testing.T) {
	src := seedSource(2)

	// One more appointment far outside the window.
	farOut := src.appointments[0]
	farOut.ID = uuid.New()
	farOut.Date = farOut.Date.AddDate(0, 0, 10)
	src.appointments = append(src.appointments, farOut)

	store := newReminderStore()
	d := NewDispatcher(src, store, store, nil, nil)

	from, to := window()
	stats, err := d.DispatchWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Sent)
}

func TestDispatchWindowOneFailureDoesNotAbort(t *testing.T) {
	src := seedSource(3)
	store := newReminderStore()

	// Break delivery for the second patient only.
	store.failFor[src.appointments[1].PatientID] = errors.New("smtp down")

	d := NewDispatcher(src, store, store, nil, nil)

	from, to := window()
	stats, err := d.DispatchWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Failed)

	// The failed one is retried next run; the delivered two are not.
	delete(store.failFor, src.appointments[1].PatientID)
	stats, err = d.DispatchWindow(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 2, stats.Skipped)
}

func TestDispatchWindowHonorsContext(t *testing.T) {
	src := seedSource(5)
	store := newReminderStore()
	d := NewDispatcher(src, store, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	from, to := window()
	_, err := d.DispatchWindow(ctx, from, to)
	assert.ErrorIs(t, err, context.Canceled)
}
