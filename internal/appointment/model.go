package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/carelink/appointment-engine/internal/timerange"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no-show"
)

// ActiveStatuses are the states that hold a slot and count toward
// conflict detection.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed, StatusInProgress}

func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Mode string

const (
	ModeInPerson     Mode = "in-person"
	ModeTelemedicine Mode = "telemedicine"
	ModePhone        Mode = "phone"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeInPerson, ModeTelemedicine, ModePhone:
		return true
	}
	return false
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system" // background jobs
)

// Principal is the authenticated caller handed in by the API layer.
// Identity and credential verification live outside this engine.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

// PatientRating is set exactly once, after completion.
type PatientRating struct {
	Rating   int
	Feedback string
	RatedAt  time.Time
}

// VideoCallDetails exists only for telemedicine appointments. A non-zero
// DurationSecs means the call has ended.
type VideoCallDetails struct {
	RoomID       string
	DurationSecs int
	RecordingURL string
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID

	Date time.Time // clinic-local midnight of the calendar day
	Slot timerange.Interval

	Status Status
	Mode   Mode

	// Reschedule lineage, appended once per reschedule, never cleared.
	RescheduledFrom *time.Time
	RescheduledBy   *uuid.UUID

	CancellationReason *string
	CancelledBy        *uuid.UUID
	CancelledAt        *time.Time

	Rating *PatientRating
	Video  *VideoCallDetails

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartsAt is the appointment's start instant, derived from the stored
// date and slot on every read.
func (a *Appointment) StartsAt() time.Time {
	return a.Slot.StartTime(a.Date)
}

func (a *Appointment) EndsAt() time.Time {
	return a.Slot.EndTime(a.Date)
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Doctor carries the derived rating aggregate. Average and Count are
// recomputed from doctor_reviews, never edited directly.
type Doctor struct {
	ID            uuid.UUID
	Name          string
	Email         *string
	Specialty     *string
	RatingAverage float64
	RatingCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Review struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Rating        int
	Comment       string
	CreatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Filter narrows appointment listings. Zero values mean "any".
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Date      *time.Time
	Status    Status
	Limit     int
	Offset    int
}
