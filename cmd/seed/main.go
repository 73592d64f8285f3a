package main

import (
	"context"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/appointment-engine/internal/config"
	"github.com/carelink/appointment-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	patientIDs, err := seedPatients(context.Background(), pool, 2000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, doctorIDs, patientIDs, 3000); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		email := gofakeit.Email()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, email, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, name, email, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return ids, nil
}

// seedAppointments spreads bookings over the next two weeks on the
// standard half-hour grid. Picks that would overlap an existing active
// booking are dropped by the conditional insert, keeping the table
// conflict-free like production data.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, doctors, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d appointments", count)

	modes := []string{"in-person", "telemedicine", "phone"}
	statuses := []string{"scheduled", "scheduled", "confirmed", "confirmed", "confirmed"}

	slotStarts := make([]int, 0, 14)
	for m := 9 * 60; m < 12*60+30; m += 30 {
		slotStarts = append(slotStarts, m)
	}
	for m := 14 * 60; m < 17*60+30; m += 30 {
		slotStarts = append(slotStarts, m)
	}

	const batchSize = 500
	inserted := 0

	for inserted < count {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		batchEnd := inserted + batchSize
		if batchEnd > count {
			batchEnd = count
		}

		for i := inserted; i < batchEnd; i++ {
			id := uuid.New()
			doctorID := doctors[gofakeit.Number(0, len(doctors)-1)]
			patientID := patients[gofakeit.Number(0, len(patients)-1)]
			date := time.Now().AddDate(0, 0, gofakeit.Number(1, 14)).Format("2006-01-02")
			start := slotStarts[gofakeit.Number(0, len(slotStarts)-1)]
			mode := modes[gofakeit.Number(0, len(modes)-1)]
			status := statuses[gofakeit.Number(0, len(statuses)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (
					id, patient_id, doctor_id, appointment_date,
					start_minutes, end_minutes, status, mode, created_at, updated_at
				)
				SELECT $1, $2, $3, $4::date, $5, $6, $7, $8, now(), now()
				WHERE NOT EXISTS (
					SELECT 1 FROM appointments
					WHERE doctor_id = $3
					  AND appointment_date = $4::date
					  AND status IN ('scheduled', 'confirmed', 'in-progress')
					  AND start_minutes < $6 AND $5 < end_minutes
				)
			`, id, patientID, doctorID, date, start, start+30, status, mode)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		inserted = batchEnd
		log.Printf("appointments attempted: %d/%d", inserted, count)
	}

	log.Println("appointments seeded")
	return nil
}
