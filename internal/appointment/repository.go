package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/timerange"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotConflict means the requested interval overlaps an active
	// appointment for the same doctor and date.
	ErrSlotConflict = errors.New("slot conflicts with an existing appointment")
)

// CancelParams carries the cancellation audit fields, written exactly once.
type CancelParams struct {
	Reason      string
	CancelledBy uuid.UUID
	CancelledAt time.Time
}

// RescheduleParams moves an appointment to a new date/slot while recording
// lineage. Status resets to scheduled in the same statement.
type RescheduleParams struct {
	NewDate         time.Time
	NewSlot         timerange.Interval
	RescheduledFrom time.Time
	RescheduledBy   uuid.UUID
}

// Repository contains all store interactions needed by the service.
//
// Every mutating method that names a "from" status is a compare-and-set:
// it updates only rows still in that status and reports
// ErrAppointmentNotFound when the precondition no longer holds. That is
// what makes the sweep and concurrent callers safe to race.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListDoctors(ctx context.Context, specialty string, limit int) ([]Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f Filter) ([]Appointment, error)

	// ListActiveByDoctorDate feeds the conflict resolver's fast path.
	ListActiveByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)

	// CreateIfSlotFree inserts the appointment only if no active
	// appointment for the same doctor and date overlaps its slot. This
	// single statement is the serializable-per-(doctor,date) guarantee;
	// returns ErrSlotConflict when the slot is taken.
	CreateIfSlotFree(ctx context.Context, a *Appointment) (*Appointment, error)

	// RescheduleIfSlotFree is the reschedule analogue: conditional on the
	// current status and on the new slot being free, excluding the
	// appointment itself.
	RescheduleIfSlotFree(ctx context.Context, id uuid.UUID, from Status, p RescheduleParams) (*Appointment, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, from Status, p CancelParams) (*Appointment, error)

	// SetRating writes the patient rating once: conditional on completed
	// status and no prior rating.
	SetRating(ctx context.Context, id uuid.UUID, r PatientRating) (*Appointment, error)

	// AddReviewAndRecompute appends the review and recomputes the
	// doctor's aggregate from all reviews in one transaction.
	AddReviewAndRecompute(ctx context.Context, rev Review) (*Doctor, error)

	// StartVideoCall moves confirmed -> in-progress and attaches the room.
	StartVideoCall(ctx context.Context, id uuid.UUID, roomID string) (*Appointment, error)
	// SetVideoEnded records the finished call on an in-progress appointment.
	SetVideoEnded(ctx context.Context, id uuid.UUID, durationSecs int, recordingURL string) (*Appointment, error)

	// Sweep queries.
	FindNoShowCandidates(ctx context.Context, cutoff time.Time) ([]Appointment, error)
	FindStaleVideoCalls(ctx context.Context) ([]Appointment, error)

	// Reminder query: active appointments starting inside [from, to).
	ListUpcoming(ctx context.Context, from, to time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
