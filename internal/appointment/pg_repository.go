package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carelink/appointment-engine/internal/timerange"
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock
// satisfies it in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db  DB
	loc *time.Location
}

// NewPgRepository wires the repository to a pool. loc is the clinic
// wall-clock zone; dates read back from the store are rebound to it.
func NewPgRepository(db DB, loc *time.Location) *PgRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PgRepository{db: db, loc: loc}
}

const apptColumns = `id, patient_id, doctor_id, appointment_date, start_minutes, end_minutes,
		status, mode, rescheduled_from, rescheduled_by,
		cancellation_reason, cancelled_by, cancelled_at,
		rating, rating_feedback, rated_at,
		video_room_id, video_duration_secs, video_recording_url,
		created_at, updated_at`

const doctorColumns = `id, name, email, specialty, rating_average, rating_count, created_at, updated_at`

// Helpers

func (r *PgRepository) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		date         time.Time
		startMin     int
		endMin       int
		rating       *int
		feedback     *string
		ratedAt      *time.Time
		roomID       *string
		durationSecs *int
		recordingURL *string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&date,
		&startMin,
		&endMin,
		&a.Status,
		&a.Mode,
		&a.RescheduledFrom,
		&a.RescheduledBy,
		&a.CancellationReason,
		&a.CancelledBy,
		&a.CancelledAt,
		&rating,
		&feedback,
		&ratedAt,
		&roomID,
		&durationSecs,
		&recordingURL,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	y, m, d := date.Date()
	a.Date = time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	a.Slot = timerange.Interval{Start: startMin, End: endMin}

	if rating != nil {
		pr := PatientRating{Rating: *rating}
		if feedback != nil {
			pr.Feedback = *feedback
		}
		if ratedAt != nil {
			pr.RatedAt = *ratedAt
		}
		a.Rating = &pr
	}
	if roomID != nil {
		v := VideoCallDetails{RoomID: *roomID}
		if durationSecs != nil {
			v.DurationSecs = *durationSecs
		}
		if recordingURL != nil {
			v.RecordingURL = *recordingURL
		}
		a.Video = &v
	}

	return &a, nil
}

// isExclusionViolation reports SQLSTATE 23P01, raised by the
// appointments_no_overlap constraint when a racing writer slips past the
// NOT EXISTS pre-check.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func (r *PgRepository) scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Email,
		&d.Specialty,
		&d.RatingAverage,
		&d.RatingCount,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context, specialty string, limit int) ([]Doctor, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + doctorColumns + `
		FROM doctors`
	args := []any{}
	if specialty != "" {
		query += ` WHERE specialty = $1`
		args = append(args, specialty)
	}
	query += fmt.Sprintf(` ORDER BY rating_average DESC, rating_count DESC LIMIT %d`, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return r.scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f Filter) ([]Appointment, error) {
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE 1=1`
	args := []any{}

	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		query += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		query += fmt.Sprintf(" AND doctor_id = $%d", len(args))
	}
	if f.Date != nil {
		args = append(args, *f.Date)
		query += fmt.Sprintf(" AND appointment_date = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" ORDER BY appointment_date, start_minutes LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r.scanAppointments(rows)
}

func (r *PgRepository) ListActiveByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND status IN ('scheduled', 'confirmed', 'in-progress')
		ORDER BY start_minutes
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return r.scanAppointments(rows)
}

func (r *PgRepository) CreateIfSlotFree(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	// The NOT EXISTS guard rejects overlaps visible in this statement's
	// snapshot. Two racing writers can both pass it under READ COMMITTED;
	// the appointments_no_overlap exclusion constraint stops the second.
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments
			(id, patient_id, doctor_id, appointment_date, start_minutes, end_minutes,
			 status, mode, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $3
			  AND appointment_date = $4
			  AND status IN ('scheduled', 'confirmed', 'in-progress')
			  AND start_minutes < $6
			  AND end_minutes > $5
		)
		RETURNING `+apptColumns+`
	`, id, a.PatientID, a.DoctorID, a.Date, a.Slot.Start, a.Slot.End, a.Status, a.Mode)

	created, err := r.scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || isExclusionViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) RescheduleIfSlotFree(ctx context.Context, id uuid.UUID, from Status, p RescheduleParams) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments a
		SET appointment_date = $2,
		    start_minutes   = $3,
		    end_minutes     = $4,
		    status          = 'scheduled',
		    rescheduled_from = $5,
		    rescheduled_by   = $6,
		    updated_at       = now()
		WHERE a.id = $1
		  AND a.status = $7
		  AND NOT EXISTS (
			SELECT 1 FROM appointments b
			WHERE b.doctor_id = a.doctor_id
			  AND b.appointment_date = $2
			  AND b.id <> a.id
			  AND b.status IN ('scheduled', 'confirmed', 'in-progress')
			  AND b.start_minutes < $4
			  AND b.end_minutes > $3
		  )
		RETURNING `+apptColumns+`
	`, id, p.NewDate, p.NewSlot.Start, p.NewSlot.End, p.RescheduledFrom, p.RescheduledBy, from)

	updated, err := r.scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) || isExclusionViolation(err) {
			// Either a racing status change or an occupied slot; fail
			// closed as a conflict and let the caller re-read.
			return nil, ErrSlotConflict
		}
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from)

	return r.scanAppointment(row)
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, from Status, p CancelParams) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancellation_reason = $2,
		    cancelled_by = $3,
		    cancelled_at = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $5
		RETURNING `+apptColumns+`
	`, id, p.Reason, p.CancelledBy, p.CancelledAt, from)

	return r.scanAppointment(row)
}

func (r *PgRepository) SetRating(ctx context.Context, id uuid.UUID, pr PatientRating) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET rating = $2,
		    rating_feedback = $3,
		    rated_at = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'completed'
		  AND rating IS NULL
		RETURNING `+apptColumns+`
	`, id, pr.Rating, pr.Feedback, pr.RatedAt)

	return r.scanAppointment(row)
}

func (r *PgRepository) AddReviewAndRecompute(ctx context.Context, rev Review) (*Doctor, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin review tx: %w", err)
	}
	defer tx.Rollback(ctx)

	revID := rev.ID
	if revID == uuid.Nil {
		revID = uuid.New()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO doctor_reviews (id, doctor_id, patient_id, appointment_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, revID, rev.DoctorID, rev.PatientID, rev.AppointmentID, rev.Rating, rev.Comment)
	if err != nil {
		return nil, fmt.Errorf("insert review: %w", err)
	}

	// Full recompute from the reviews table; no incremental drift.
	row := tx.QueryRow(ctx, `
		UPDATE doctors
		SET rating_average = sub.avg_rating,
		    rating_count = sub.cnt,
		    updated_at = now()
		FROM (
			SELECT COALESCE(AVG(rating), 0) AS avg_rating, COUNT(*) AS cnt
			FROM doctor_reviews
			WHERE doctor_id = $1
		) sub
		WHERE doctors.id = $1
		RETURNING doctors.id, doctors.name, doctors.email, doctors.specialty,
		          doctors.rating_average, doctors.rating_count,
		          doctors.created_at, doctors.updated_at
	`, rev.DoctorID)

	doc, err := scanDoctor(row)
	if err != nil {
		return nil, fmt.Errorf("recompute doctor rating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit review tx: %w", err)
	}
	return doc, nil
}

func (r *PgRepository) StartVideoCall(ctx context.Context, id uuid.UUID, roomID string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'in-progress',
		    video_room_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		  AND mode = 'telemedicine'
		RETURNING `+apptColumns+`
	`, id, roomID)

	return r.scanAppointment(row)
}

func (r *PgRepository) SetVideoEnded(ctx context.Context, id uuid.UUID, durationSecs int, recordingURL string) (*Appointment, error) {
	var recURL *string
	if recordingURL != "" {
		recURL = &recordingURL
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET video_duration_secs = $2,
		    video_recording_url = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'in-progress'
		  AND mode = 'telemedicine'
		  AND video_room_id IS NOT NULL
		RETURNING `+apptColumns+`
	`, id, durationSecs, recURL)

	return r.scanAppointment(row)
}

func (r *PgRepository) FindNoShowCandidates(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	// appointment_date + start_minutes is clinic wall-clock. AT TIME ZONE
	// turns it into an instant before comparing against the cutoff, so
	// the result does not drift with the database session zone.
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND (appointment_date + make_interval(mins => start_minutes)) AT TIME ZONE $2 < $1
	`, cutoff, r.loc.String())
	if err != nil {
		return nil, err
	}
	return r.scanAppointments(rows)
}

func (r *PgRepository) FindStaleVideoCalls(ctx context.Context) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'in-progress'
		  AND mode = 'telemedicine'
		  AND COALESCE(video_duration_secs, 0) > 0
	`)
	if err != nil {
		return nil, err
	}
	return r.scanAppointments(rows)
}

func (r *PgRepository) ListUpcoming(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND (appointment_date + make_interval(mins => start_minutes)) AT TIME ZONE $3 >= $1
		  AND (appointment_date + make_interval(mins => start_minutes)) AT TIME ZONE $3 < $2
		ORDER BY appointment_date, start_minutes
	`, from, to, r.loc.String())
	if err != nil {
		return nil, err
	}
	return r.scanAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
