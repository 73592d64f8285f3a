package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/config"
	"github.com/carelink/appointment-engine/internal/observability/metrics"
	redisclient "github.com/carelink/appointment-engine/internal/redis"
	"github.com/carelink/appointment-engine/internal/timerange"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventAppointmentRated       = "APPOINTMENT_RATED"
	EventVideoCallStarted       = "VIDEO_CALL_STARTED"
	EventVideoCallEnded         = "VIDEO_CALL_ENDED"
)

var (
	// ErrValidation covers malformed input rejected before any store write.
	ErrValidation = errors.New("invalid appointment request")

	ErrScheduleBusy      = errors.New("schedule is currently being modified, please retry")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrWindowExpired     = errors.New("change window for this appointment has closed")
	ErrAlreadyRated      = errors.New("appointment has already been rated")
	ErrForbidden         = errors.New("caller may not perform this operation")
)

// Notifier fans appointment lifecycle events out to the notification
// store and delivery channels. Failures are logged by the caller and
// never abort the owning transition.
type Notifier interface {
	AppointmentBooked(ctx context.Context, a *Appointment) error
	AppointmentCancelled(ctx context.Context, a *Appointment) error
	AppointmentRescheduled(ctx context.Context, a *Appointment) error
	VideoCallRequested(ctx context.Context, a *Appointment) error
}

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	notif   Notifier
	metrics *metrics.SchedulingMetrics
	cfg     config.Config
	log     *zap.Logger

	slotGrid []timerange.Interval
}

func NewService(repo Repository, locker redisclient.Locker, notif Notifier, m *metrics.SchedulingMetrics, cfg config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	grid, err := buildSlotGrid(cfg.WorkingHours)
	if err != nil {
		return nil, fmt.Errorf("working hours config: %w", err)
	}

	return &Service{
		repo:     repo,
		locker:   locker,
		notif:    notif,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		slotGrid: grid,
	}, nil
}

func (s *Service) now() time.Time {
	return time.Now().In(s.cfg.ClinicLocation)
}

// HasConflict reports whether the candidate slot overlaps any active
// appointment for the doctor on that date. excludeID lets a reschedule
// check against everything except itself. On any read error it reports a
// conflict; callers re-check at commit time anyway.
func (s *Service) HasConflict(ctx context.Context, doctorID uuid.UUID, date time.Time, slot timerange.Interval, excludeID uuid.UUID) (bool, error) {
	active, err := s.repo.ListActiveByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return true, fmt.Errorf("list active appointments: %w", err)
	}
	for _, a := range active {
		if a.ID == excludeID {
			continue
		}
		if a.Slot.Overlaps(slot) {
			return true, nil
		}
	}
	return false, nil
}

type CreateParams struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Date      time.Time
	Slot      timerange.Interval
	Mode      Mode
	// Status defaults to scheduled. Completed is accepted so a doctor can
	// backfill a visit that already happened.
	Status Status
}

// Create books a slot. The pre-check via HasConflict narrows the race
// window; the conditional insert inside the schedule lock is what
// guarantees no double booking.
func (s *Service) Create(ctx context.Context, caller Principal, p CreateParams) (*Appointment, error) {
	if err := p.Slot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrValidation, p.Mode)
	}
	status := p.Status
	if status == "" {
		status = StatusScheduled
	}
	switch status {
	case StatusScheduled, StatusConfirmed, StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: appointments cannot be created as %q", ErrValidation, status)
	}

	if caller.Role == RolePatient && caller.ID != p.PatientID {
		return nil, fmt.Errorf("%w: patients book for themselves", ErrForbidden)
	}

	if _, err := s.repo.GetPatientByID(ctx, p.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetDoctorByID(ctx, p.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	startsAt := p.Slot.StartTime(p.Date)
	if status != StatusCompleted && startsAt.Before(s.now()) {
		return nil, fmt.Errorf("%w: slot %s on %s is in the past", ErrValidation, p.Slot, p.Date.Format("2006-01-02"))
	}

	// Fast-path pre-filter before taking the lock.
	if conflict, err := s.HasConflict(ctx, p.DoctorID, p.Date, p.Slot, uuid.Nil); err != nil {
		return nil, err
	} else if conflict {
		s.metrics.ObserveBooking("conflict")
		return nil, ErrSlotConflict
	}

	var created *Appointment

	err := s.locker.WithScheduleLock(ctx, p.DoctorID, p.Date, func(lockCtx context.Context) error {
		appt, err := s.repo.CreateIfSlotFree(lockCtx, &Appointment{
			PatientID: p.PatientID,
			DoctorID:  p.DoctorID,
			Date:      p.Date,
			Slot:      p.Slot,
			Status:    status,
			Mode:      p.Mode,
		})
		if err != nil {
			return err
		}

		created = appt
		s.logEvent(lockCtx, appt.ID, EventAppointmentBooked, map[string]any{
			"doctor_id":  p.DoctorID.String(),
			"patient_id": p.PatientID.String(),
			"date":       p.Date.Format("2006-01-02"),
			"slot":       p.Slot.String(),
			"status":     string(status),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.metrics.ObserveBooking("busy")
			return nil, ErrScheduleBusy
		}
		if errors.Is(err, ErrSlotConflict) {
			s.metrics.ObserveBooking("conflict")
			return nil, ErrSlotConflict
		}
		return nil, err
	}

	s.metrics.ObserveBooking("created")

	if s.notif != nil && created.Status != StatusCompleted {
		if err := s.notif.AppointmentBooked(ctx, created); err != nil {
			s.log.Warn("booking notification failed",
				zap.String("appointment_id", created.ID.String()), zap.Error(err))
		}
	}

	return created, nil
}

// Confirm moves a scheduled appointment to confirmed. Doctors and admins
// only.
func (s *Service) Confirm(ctx context.Context, caller Principal, id uuid.UUID) (*Appointment, error) {
	if caller.Role != RoleDoctor && caller.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: only the doctor or an admin confirms", ErrForbidden)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role == RoleDoctor && caller.ID != appt.DoctorID {
		return nil, fmt.Errorf("%w: appointment belongs to another doctor", ErrForbidden)
	}
	if appt.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: cannot confirm a %s appointment", ErrInvalidTransition, appt.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, id, StatusScheduled, StatusConfirmed)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrInvalidTransition)
		}
		return nil, err
	}
	s.metrics.ObserveTransition("confirm")
	s.logEvent(ctx, id, EventAppointmentConfirmed, map[string]any{"by": caller.ID.String()})

	return updated, nil
}

// Cancel closes an appointment at least CancelWindow before its start.
func (s *Service) Cancel(ctx context.Context, caller Principal, id uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(caller, appt); err != nil {
		return nil, err
	}

	if appt.Status != StatusScheduled && appt.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel a %s appointment", ErrInvalidTransition, appt.Status)
	}
	if time.Until(appt.StartsAt()) < s.cfg.CancelWindow {
		return nil, fmt.Errorf("%w: cancellations need %s notice", ErrWindowExpired, s.cfg.CancelWindow)
	}

	updated, err := s.repo.CancelAppointment(ctx, id, appt.Status, CancelParams{
		Reason:      reason,
		CancelledBy: caller.ID,
		CancelledAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	s.metrics.ObserveTransition("cancel")
	s.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{
		"by":     caller.ID.String(),
		"reason": reason,
	})

	if s.notif != nil {
		if err := s.notif.AppointmentCancelled(ctx, updated); err != nil {
			s.log.Warn("cancellation notification failed",
				zap.String("appointment_id", id.String()), zap.Error(err))
		}
	}

	return updated, nil
}

// Reschedule moves the appointment to a new date/slot at least
// RescheduleWindow before the current start. Lineage fields record where
// it moved from; status resets to scheduled.
func (s *Service) Reschedule(ctx context.Context, caller Principal, id uuid.UUID, newDate time.Time, newSlot timerange.Interval) (*Appointment, error) {
	if err := newSlot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(caller, appt); err != nil {
		return nil, err
	}

	if appt.Status != StatusScheduled && appt.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, appt.Status)
	}
	if time.Until(appt.StartsAt()) < s.cfg.RescheduleWindow {
		return nil, fmt.Errorf("%w: reschedules need %s notice", ErrWindowExpired, s.cfg.RescheduleWindow)
	}
	if newSlot.StartTime(newDate).Before(s.now()) {
		return nil, fmt.Errorf("%w: new slot is in the past", ErrValidation)
	}

	if conflict, err := s.HasConflict(ctx, appt.DoctorID, newDate, newSlot, appt.ID); err != nil {
		return nil, err
	} else if conflict {
		return nil, ErrSlotConflict
	}

	params := RescheduleParams{
		NewDate:         newDate,
		NewSlot:         newSlot,
		RescheduledFrom: appt.StartsAt(),
		RescheduledBy:   caller.ID,
	}

	var updated *Appointment
	err = s.locker.WithScheduleLock(ctx, appt.DoctorID, newDate, func(lockCtx context.Context) error {
		var innerErr error
		updated, innerErr = s.repo.RescheduleIfSlotFree(lockCtx, id, appt.Status, params)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrScheduleBusy
		}
		return nil, err
	}

	s.metrics.ObserveTransition("reschedule")
	s.logEvent(ctx, id, EventAppointmentRescheduled, map[string]any{
		"by":       caller.ID.String(),
		"from":     params.RescheduledFrom,
		"new_date": newDate.Format("2006-01-02"),
		"new_slot": newSlot.String(),
	})

	if s.notif != nil {
		if err := s.notif.AppointmentRescheduled(ctx, updated); err != nil {
			s.log.Warn("reschedule notification failed",
				zap.String("appointment_id", id.String()), zap.Error(err))
		}
	}

	return updated, nil
}

// StartVideoCall opens the call session for a confirmed telemedicine
// appointment and moves it to in-progress.
func (s *Service) StartVideoCall(ctx context.Context, caller Principal, id uuid.UUID) (*Appointment, error) {
	if caller.Role != RoleDoctor && caller.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: only the doctor starts the call", ErrForbidden)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role == RoleDoctor && caller.ID != appt.DoctorID {
		return nil, fmt.Errorf("%w: appointment belongs to another doctor", ErrForbidden)
	}
	if appt.Mode != ModeTelemedicine {
		return nil, fmt.Errorf("%w: call sessions exist only for telemedicine appointments", ErrInvalidTransition)
	}
	if appt.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot start a call on a %s appointment", ErrInvalidTransition, appt.Status)
	}

	roomID := uuid.NewString()
	updated, err := s.repo.StartVideoCall(ctx, id, roomID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	s.metrics.ObserveTransition("call_start")
	s.logEvent(ctx, id, EventVideoCallStarted, map[string]any{"room_id": roomID})

	if s.notif != nil {
		if err := s.notif.VideoCallRequested(ctx, updated); err != nil {
			s.log.Warn("video call notification failed",
				zap.String("appointment_id", id.String()), zap.Error(err))
		}
	}

	return updated, nil
}

// EndVideoCall records the finished call. Completion itself happens via
// Complete or the reconciliation sweep.
func (s *Service) EndVideoCall(ctx context.Context, caller Principal, id uuid.UUID, durationSecs int, recordingURL string) (*Appointment, error) {
	if durationSecs <= 0 {
		return nil, fmt.Errorf("%w: call duration must be positive", ErrValidation)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role != RoleSystem && caller.Role != RoleAdmin {
		if err := s.requireParticipant(caller, appt); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.SetVideoEnded(ctx, id, durationSecs, recordingURL)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: no active call to end", ErrInvalidTransition)
		}
		return nil, err
	}

	s.logEvent(ctx, id, EventVideoCallEnded, map[string]any{"duration_secs": durationSecs})
	return updated, nil
}

// Complete finishes an appointment: from in-progress always, or from
// confirmed once its telemedicine call has ended.
func (s *Service) Complete(ctx context.Context, caller Principal, id uuid.UUID) (*Appointment, error) {
	switch caller.Role {
	case RoleDoctor, RoleAdmin, RoleSystem:
	default:
		return nil, fmt.Errorf("%w: only the doctor or the system completes", ErrForbidden)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role == RoleDoctor && caller.ID != appt.DoctorID {
		return nil, fmt.Errorf("%w: appointment belongs to another doctor", ErrForbidden)
	}

	var from Status
	switch {
	case appt.Status == StatusInProgress:
		from = StatusInProgress
	case appt.Status == StatusConfirmed && appt.Video != nil && appt.Video.DurationSecs > 0:
		from = StatusConfirmed
	default:
		return nil, fmt.Errorf("%w: cannot complete a %s appointment", ErrInvalidTransition, appt.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, id, from, StatusCompleted)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed state concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	s.metrics.ObserveTransition("complete")
	s.logEvent(ctx, id, EventAppointmentCompleted, map[string]any{"by": caller.ID.String()})
	return updated, nil
}

// Rate records the patient's one-time rating and folds it into the
// doctor's aggregate.
func (s *Service) Rate(ctx context.Context, caller Principal, id uuid.UUID, rating int, feedback string) (*Appointment, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.ID != appt.PatientID {
		return nil, fmt.Errorf("%w: only the patient rates their appointment", ErrForbidden)
	}
	if appt.Rating != nil {
		return nil, ErrAlreadyRated
	}
	if appt.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only completed appointments can be rated", ErrInvalidTransition)
	}

	updated, err := s.repo.SetRating(ctx, id, PatientRating{
		Rating:   rating,
		Feedback: feedback,
		RatedAt:  s.now(),
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// The conditional update refused: either a concurrent rating
			// won or the status moved. Re-read to tell the two apart.
			current, readErr := s.repo.GetAppointmentByID(ctx, id)
			if readErr == nil && current.Rating != nil {
				return nil, ErrAlreadyRated
			}
			return nil, fmt.Errorf("%w: appointment is no longer ratable", ErrInvalidTransition)
		}
		return nil, err
	}

	doctor, err := s.repo.AddReviewAndRecompute(ctx, Review{
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		AppointmentID: appt.ID,
		Rating:        rating,
		Comment:       feedback,
	})
	if err != nil {
		return nil, fmt.Errorf("update doctor aggregate: %w", err)
	}

	s.metrics.ObserveTransition("rate")
	s.logEvent(ctx, id, EventAppointmentRated, map[string]any{
		"rating":         rating,
		"doctor_average": doctor.RatingAverage,
		"doctor_count":   doctor.RatingCount,
	})

	return updated, nil
}

// Get retrieves one appointment, visible to its participants and admins.
func (s *Service) Get(ctx context.Context, caller Principal, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Role != RoleAdmin && caller.Role != RoleSystem {
		if err := s.requireParticipant(caller, appt); err != nil {
			return nil, err
		}
	}
	return appt, nil
}

// List returns appointments for the caller. Patients and doctors are
// pinned to their own records regardless of the filter.
func (s *Service) List(ctx context.Context, caller Principal, f Filter) ([]Appointment, error) {
	switch caller.Role {
	case RolePatient:
		f.PatientID = &caller.ID
	case RoleDoctor:
		f.DoctorID = &caller.ID
	}
	return s.repo.ListAppointments(ctx, f)
}

func (s *Service) requireParticipant(caller Principal, appt *Appointment) error {
	switch caller.Role {
	case RoleAdmin, RoleSystem:
		return nil
	case RolePatient:
		if caller.ID == appt.PatientID {
			return nil
		}
	case RoleDoctor:
		if caller.ID == appt.DoctorID {
			return nil
		}
	}
	return fmt.Errorf("%w: caller is not a participant of this appointment", ErrForbidden)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload failed", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("insert event log failed",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err))
	}
}
