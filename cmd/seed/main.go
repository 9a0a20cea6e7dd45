package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuswell/counseling-scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	migrationsDir := flag.String("migrations", "migrations", "path to SQL migrations, empty to skip")
	institutions := flag.Int("institutions", 3, "institutions to create")
	psychologists := flag.Int("psychologists", 15, "psychologists per institution")
	students := flag.Int("students", 800, "students per institution")
	slots := flag.Int("slots", 40, "open slots per psychologist")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if *migrationsDir != "" {
		if err := db.ApplyMigrations(context.Background(), pool, *migrationsDir); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		log.Println("migrations applied")
	}

	gofakeit.Seed(time.Now().UnixNano())

	for i := 0; i < *institutions; i++ {
		if err := seedInstitution(context.Background(), pool, *psychologists, *students, *slots); err != nil {
			log.Fatalf("seed institution: %v", err)
		}
	}

	log.Println("seed complete")
}

var specialties = []string{
	"Clinical Psychology",
	"Educational Psychology",
	"Cognitive Behavioral Therapy",
	"Adolescent Counseling",
	"Crisis Intervention",
	"Family Therapy",
}

func seedInstitution(ctx context.Context, pool *pgxpool.Pool, psychologists, students, slotsPerPsy int) error {
	instID := uuid.New()
	name := gofakeit.Company() + " University"

	if _, err := pool.Exec(ctx, `
		INSERT INTO institutions (id, name, created_at)
		VALUES ($1, $2, now())
	`, instID, name); err != nil {
		return err
	}
	log.Printf("institution %s (%s)", name, instID)

	psyIDs, err := seedPsychologists(ctx, pool, instID, psychologists)
	if err != nil {
		return err
	}
	if err := seedStudents(ctx, pool, instID, students); err != nil {
		return err
	}
	return seedOpenSlots(ctx, pool, instID, psyIDs, slotsPerPsy)
}

func seedPsychologists(ctx context.Context, pool *pgxpool.Pool, instID uuid.UUID, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d psychologists", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		// a few inactive rows so direct-booking validation has targets to reject
		active := gofakeit.Number(0, 9) != 0

		_, err := tx.Exec(ctx, `
			INSERT INTO psychologists (id, institution_id, name, specialty, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, instID, gofakeit.Name(), spec, active)
		if err != nil {
			return nil, err
		}
		if active {
			ids = append(ids, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedStudents(ctx context.Context, pool *pgxpool.Pool, instID uuid.UUID, count int) error {
	log.Printf("seeding %d students", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO students (id, institution_id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), instID, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("students seeded: %d/%d", end, count)
	}

	return nil
}

func seedOpenSlots(ctx context.Context, pool *pgxpool.Pool, instID uuid.UUID, psyIDs []uuid.UUID, perPsy int) error {
	log.Printf("seeding %d open slots for %d psychologists", perPsy*len(psyIDs), len(psyIDs))

	base := time.Now().Truncate(time.Hour).Add(24 * time.Hour)

	for _, psyID := range psyIDs {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := 0; i < perPsy; i++ {
			// weekday working hours, hourly grid
			start := base.AddDate(0, 0, gofakeit.Number(0, 13)).
				Add(time.Duration(gofakeit.Number(9, 16)) * time.Hour)

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (
					id, institution_id, psychologist_id, start_time,
					duration_minutes, modality, origin, status, created_at, updated_at
				)
				VALUES ($1, $2, $3, $4, 60, 'in_person', 'staff', 'open', now(), now())
			`, uuid.New(), instID, psyID, start)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	return nil
}
