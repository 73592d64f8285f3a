package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/matching"
	"github.com/carelink/appointment-engine/internal/notification"
	redisclient "github.com/carelink/appointment-engine/internal/redis"
	"github.com/carelink/appointment-engine/internal/timerange"
)

// SchedulingService is the slice of the appointment engine the handlers
// call. *appointment.Service implements it.
type SchedulingService interface {
	Create(ctx context.Context, caller appointment.Principal, p appointment.CreateParams) (*appointment.Appointment, error)
	Get(ctx context.Context, caller appointment.Principal, id uuid.UUID) (*appointment.Appointment, error)
	List(ctx context.Context, caller appointment.Principal, f appointment.Filter) ([]appointment.Appointment, error)
	Confirm(ctx context.Context, caller appointment.Principal, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, caller appointment.Principal, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, caller appointment.Principal, id uuid.UUID, newDate time.Time, newSlot timerange.Interval) (*appointment.Appointment, error)
	Rate(ctx context.Context, caller appointment.Principal, id uuid.UUID, rating int, feedback string) (*appointment.Appointment, error)
	StartVideoCall(ctx context.Context, caller appointment.Principal, id uuid.UUID) (*appointment.Appointment, error)
	EndVideoCall(ctx context.Context, caller appointment.Principal, id uuid.UUID, durationSecs int, recordingURL string) (*appointment.Appointment, error)
	Complete(ctx context.Context, caller appointment.Principal, id uuid.UUID) (*appointment.Appointment, error)
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]timerange.Interval, error)
}

// NotificationService is the slice of the fan-out the handlers call.
type NotificationService interface {
	List(ctx context.Context, recipientID uuid.UUID, status notification.Status, limit, offset int) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*notification.Notification, error)
	Archive(ctx context.Context, id, recipientID uuid.UUID) (*notification.Notification, error)
}

func createAppointmentHandler(svc SchedulingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		patientID := caller.ID
		if req.PatientID != "" {
			patientID, err = uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
		}

		date, err := timerange.ParseDate(req.Date, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}
		slot, err := timerange.ParseInterval(req.StartTime, req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
			return
		}

		appt, err := svc.Create(r.Context(), caller, appointment.CreateParams{
			PatientID: patientID,
			DoctorID:  doctorID,
			Date:      date,
			Slot:      slot,
			Mode:      appointment.Mode(req.Mode),
			Status:    appointment.Status(req.Status),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc SchedulingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		q := r.URL.Query()

		var f appointment.Filter
		if v := q.Get("doctor_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			f.DoctorID = &id
		}
		if v := q.Get("patient_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			f.PatientID = &id
		}
		if v := q.Get("date"); v != "" {
			date, err := timerange.ParseDate(v, loc)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
				return
			}
			f.Date = &date
		}
		f.Status = appointment.Status(q.Get("status"))
		f.Limit = queryInt(q.Get("limit"))
		f.Offset = queryInt(q.Get("offset"))

		appts, err := svc.List(r.Context(), caller, f)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), caller, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Confirm(r.Context(), caller, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Cancel(r.Context(), caller, id, req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc SchedulingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		date, err := timerange.ParseDate(req.Date, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}
		slot, err := timerange.ParseInterval(req.StartTime, req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
			return
		}

		appt, err := svc.Reschedule(r.Context(), caller, id, date, slot)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rateAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req RateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Rate(r.Context(), caller, id, req.Rating, req.Feedback)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func startCallHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.StartVideoCall(r.Context(), caller, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func endCallHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req EndCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.EndVideoCall(r.Context(), caller, id, req.DurationSecs, req.RecordingURL)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc SchedulingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Complete(r.Context(), caller, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func availableSlotsHandler(svc SchedulingService, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		date, err := timerange.ParseDate(r.URL.Query().Get("date"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}

		slots, err := svc.AvailableSlots(r.Context(), doctorID, date)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, SlotResponse{StartTime: s.StartClock(), EndTime: s.EndClock()})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func matchDoctorsHandler(ranker matching.Ranker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symptoms := strings.Split(q.Get("symptoms"), ",")

		ranked, err := ranker.RankDoctors(r.Context(), symptoms, q.Get("location"), q.Get("urgency"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ranked)
	}
}

func listNotificationsHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		q := r.URL.Query()

		items, err := svc.List(r.Context(), caller.ID,
			notification.Status(q.Get("status")), queryInt(q.Get("limit")), queryInt(q.Get("offset")))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]NotificationResponse, 0, len(items))
		for i := range items {
			resp = append(resp, toNotificationResponse(&items[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func readNotificationHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		n, err := svc.MarkRead(r.Context(), id, caller.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNotificationResponse(n))
	}
}

func archiveNotificationHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetPrincipal(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		n, err := svc.Archive(r.Context(), id, caller.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNotificationResponse(n))
	}
}

// writeDomainError maps engine errors onto the HTTP taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrValidation),
		errors.Is(err, timerange.ErrBadClock),
		errors.Is(err, timerange.ErrBadInterval),
		errors.Is(err, timerange.ErrBadDate):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrScheduleBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "schedule_busy", "schedule is being modified, please retry shortly")
	case errors.Is(err, appointment.ErrWindowExpired):
		writeError(w, http.StatusUnprocessableEntity, "window_expired", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrAlreadyRated):
		writeError(w, http.StatusConflict, "already_rated", err.Error())
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, appointment.ErrPatientNotFound),
		errors.Is(err, appointment.ErrDoctorNotFound),
		errors.Is(err, notification.ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
