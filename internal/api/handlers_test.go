package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/notification"
	"github.com/carelink/appointment-engine/internal/timerange"
)

// stubScheduling returns canned results; err wins when set.
type stubScheduling struct {
	appt   *appointment.Appointment
	appts  []appointment.Appointment
	slots  []timerange.Interval
	err    error
	caller appointment.Principal
	params appointment.CreateParams
}

func (s *stubScheduling) Create(_ context.Context, caller appointment.Principal, p appointment.CreateParams) (*appointment.Appointment, error) {
	s.caller = caller
	s.params = p
	return s.appt, s.err
}

func (s *stubScheduling) Get(_ context.Context, caller appointment.Principal, _ uuid.UUID) (*appointment.Appointment, error) {
	s.caller = caller
	return s.appt, s.err
}

func (s *stubScheduling) List(_ context.Context, caller appointment.Principal, _ appointment.Filter) ([]appointment.Appointment, error) {
	s.caller = caller
	return s.appts, s.err
}

func (s *stubScheduling) Confirm(_ context.Context, _ appointment.Principal, _ uuid.UUID) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) Cancel(_ context.Context, _ appointment.Principal, _ uuid.UUID, _ string) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) Reschedule(_ context.Context, _ appointment.Principal, _ uuid.UUID, _ time.Time, _ timerange.Interval) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) Rate(_ context.Context, _ appointment.Principal, _ uuid.UUID, _ int, _ string) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) StartVideoCall(_ context.Context, _ appointment.Principal, _ uuid.UUID) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) EndVideoCall(_ context.Context, _ appointment.Principal, _ uuid.UUID, _ int, _ string) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) Complete(_ context.Context, _ appointment.Principal, _ uuid.UUID) (*appointment.Appointment, error) {
	return s.appt, s.err
}

func (s *stubScheduling) AvailableSlots(_ context.Context, _ uuid.UUID, _ time.Time) ([]timerange.Interval, error) {
	return s.slots, s.err
}

type stubNotifications struct {
	items []notification.Notification
	item  *notification.Notification
	err   error
}

func (s *stubNotifications) List(_ context.Context, _ uuid.UUID, _ notification.Status, _, _ int) ([]notification.Notification, error) {
	return s.items, s.err
}

func (s *stubNotifications) MarkRead(_ context.Context, _, _ uuid.UUID) (*notification.Notification, error) {
	return s.item, s.err
}

func (s *stubNotifications) Archive(_ context.Context, _, _ uuid.UUID) (*notification.Notification, error) {
	return s.item, s.err
}

func sampleAppointment() *appointment.Appointment {
	return &appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		Date:      time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Slot:      timerange.Interval{Start: 540, End: 570},
		Status:    appointment.StatusScheduled,
		Mode:      appointment.ModeInPerson,
	}
}

func newTestRouter(sched *stubScheduling, notif *stubNotifications) http.Handler {
	if notif == nil {
		notif = &stubNotifications{}
	}
	return NewRouter(RouterConfig{
		Scheduling:    sched,
		Notifications: notif,
		Location:      time.UTC,
		Env:           "test",
		Version:       "test",
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, principal *appointment.Principal) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != nil {
		req.Header.Set("X-Principal-ID", principal.ID.String())
		req.Header.Set("X-Principal-Role", string(principal.Role))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPrincipalMiddleware(t *testing.T) {
	router := newTestRouter(&stubScheduling{appts: []appointment.Appointment{}}, nil)

	rec := doRequest(t, router, http.MethodGet, "/appointments", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set("X-Principal-ID", uuid.NewString())
	req.Header.Set("X-Principal-Role", "superuser")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	caller := appointment.Principal{ID: uuid.New(), Role: appointment.RolePatient}
	rec = doRequest(t, router, http.MethodGet, "/appointments", nil, &caller)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAppointment(t *testing.T) {
	appt := sampleAppointment()
	stub := &stubScheduling{appt: appt}
	router := newTestRouter(stub, nil)
	caller := appointment.Principal{ID: appt.PatientID, Role: appointment.RolePatient}

	body := CreateAppointmentRequest{
		DoctorID:  appt.DoctorID.String(),
		Date:      "2026-09-10",
		StartTime: "09:00",
		EndTime:   "09:30",
		Mode:      "in-person",
	}
	rec := doRequest(t, router, http.MethodPost, "/appointments", body, &caller)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, appt.ID, resp.ID)
	assert.Equal(t, "09:00", resp.StartTime)
	assert.Equal(t, "2026-09-10", resp.Date)

	// Body patient defaults to the caller.
	assert.Equal(t, caller.ID, stub.params.PatientID)
	assert.Equal(t, 540, stub.params.Slot.Start)
}

func TestCreateAppointmentBadInput(t *testing.T) {
	router := newTestRouter(&stubScheduling{}, nil)
	caller := appointment.Principal{ID: uuid.New(), Role: appointment.RolePatient}

	cases := []struct {
		name string
		body CreateAppointmentRequest
		code string
	}{
		{"bad doctor id", CreateAppointmentRequest{DoctorID: "nope", Date: "2026-09-10", StartTime: "09:00", EndTime: "09:30"}, "invalid_doctor_id"},
		{"bad date", CreateAppointmentRequest{DoctorID: uuid.NewString(), Date: "tomorrow", StartTime: "09:00", EndTime: "09:30"}, "invalid_date"},
		{"bad clock", CreateAppointmentRequest{DoctorID: uuid.NewString(), Date: "2026-09-10", StartTime: "9am", EndTime: "09:30"}, "invalid_interval"},
		{"empty interval", CreateAppointmentRequest{DoctorID: uuid.NewString(), Date: "2026-09-10", StartTime: "09:30", EndTime: "09:30"}, "invalid_interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/appointments", tc.body, &caller)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}
}

func TestDomainErrorMapping(t *testing.T) {
	caller := appointment.Principal{ID: uuid.New(), Role: appointment.RoleDoctor}
	id := uuid.NewString()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
		{appointment.ErrScheduleBusy, http.StatusConflict, "schedule_busy"},
		{fmt.Errorf("%w: too late", appointment.ErrWindowExpired), http.StatusUnprocessableEntity, "window_expired"},
		{fmt.Errorf("%w: already confirmed", appointment.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{appointment.ErrAlreadyRated, http.StatusConflict, "already_rated"},
		{fmt.Errorf("%w: not yours", appointment.ErrForbidden), http.StatusForbidden, "forbidden"},
		{appointment.ErrAppointmentNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: bad rating", appointment.ErrValidation), http.StatusBadRequest, "validation_error"},
		{errors.New("pool exhausted"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			router := newTestRouter(&stubScheduling{err: tc.err}, nil)
			rec := doRequest(t, router, http.MethodPost, "/appointments/"+id+"/confirm", nil, &caller)
			assert.Equal(t, tc.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}
}

func TestPathUUIDValidation(t *testing.T) {
	router := newTestRouter(&stubScheduling{appt: sampleAppointment()}, nil)
	caller := appointment.Principal{ID: uuid.New(), Role: appointment.RoleAdmin}

	rec := doRequest(t, router, http.MethodGet, "/appointments/not-a-uuid", nil, &caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailableSlots(t *testing.T) {
	stub := &stubScheduling{slots: []timerange.Interval{
		{Start: 540, End: 570},
		{Start: 570, End: 600},
	}}
	router := newTestRouter(stub, nil)
	caller := appointment.Principal{ID: uuid.New(), Role: appointment.RolePatient}

	rec := doRequest(t, router, http.MethodGet,
		"/doctors/"+uuid.NewString()+"/slots?date=2026-09-10", nil, &caller)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []SlotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "09:00", resp[0].StartTime)
	assert.Equal(t, "09:30", resp[0].EndTime)

	rec = doRequest(t, router, http.MethodGet,
		"/doctors/"+uuid.NewString()+"/slots?date=bogus", nil, &caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPassesReason(t *testing.T) {
	appt := sampleAppointment()
	appt.Status = appointment.StatusCancelled
	router := newTestRouter(&stubScheduling{appt: appt}, nil)
	caller := appointment.Principal{ID: appt.PatientID, Role: appointment.RolePatient}

	rec := doRequest(t, router, http.MethodPost,
		"/appointments/"+appt.ID.String()+"/cancel",
		CancelAppointmentRequest{Reason: "feeling better"}, &caller)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Status)
}

func TestNotificationEndpoints(t *testing.T) {
	recipient := uuid.New()
	n := notification.Notification{
		ID:          uuid.New(),
		RecipientID: recipient,
		Type:        notification.TypeAppointmentReminder,
		Title:       "Appointment reminder",
		Priority:    notification.PriorityHigh,
		Status:      notification.StatusUnread,
		CreatedAt:   time.Now(),
	}
	read := n
	read.Status = notification.StatusRead

	router := newTestRouter(&stubScheduling{}, &stubNotifications{
		items: []notification.Notification{n},
		item:  &read,
	})
	caller := appointment.Principal{ID: recipient, Role: appointment.RolePatient}

	rec := doRequest(t, router, http.MethodGet, "/notifications", nil, &caller)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []NotificationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "appointment_reminder", list[0].Type)

	rec = doRequest(t, router, http.MethodPost, "/notifications/"+n.ID.String()+"/read", nil, &caller)
	require.Equal(t, http.StatusOK, rec.Code)
	var got NotificationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "read", got.Status)

	missing := &stubNotifications{err: notification.ErrNotificationNotFound}
	router = newTestRouter(&stubScheduling{}, missing)
	rec = doRequest(t, router, http.MethodPost, "/notifications/"+uuid.NewString()+"/archive", nil, &caller)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
