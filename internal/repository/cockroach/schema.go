package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. Patients are owned by the
// intake service; the table is declared here so a fresh cluster works.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		patient_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name STRING NOT NULL,
		phone_number STRING NOT NULL,
		age INT NOT NULL,
		sex STRING NOT NULL CHECK (sex IN ('male', 'female', 'other')),
		height_cm FLOAT NOT NULL DEFAULT 0,
		weight_kg FLOAT NOT NULL DEFAULT 0,
		oxygen_level INT NOT NULL DEFAULT 0,
		bp_systolic INT NOT NULL DEFAULT 0,
		bp_diastolic INT NOT NULL DEFAULT 0,
		symptoms STRING NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id UUID PRIMARY KEY,
		patient_id UUID NOT NULL REFERENCES patients (patient_id),
		operator_id UUID NOT NULL,
		doctor_id UUID,
		status STRING NOT NULL CHECK (status IN ('pending', 'ongoing', 'completed', 'cancelled')),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		expiry_time TIMESTAMPTZ NOT NULL,
		call_link STRING NOT NULL UNIQUE,
		doctor_advice STRING,
		referred BOOL NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT doctor_assigned CHECK (
			(status = 'pending' AND doctor_id IS NULL)
			OR (status IN ('ongoing', 'completed') AND doctor_id IS NOT NULL)
			OR status = 'cancelled'
		),
		CONSTRAINT end_time_terminal CHECK (
			(status IN ('completed', 'cancelled')) = (end_time IS NOT NULL)
		)
	)`,
	`CREATE INDEX IF NOT EXISTS calls_status_start_idx ON calls (status, start_time)`,
	`CREATE INDEX IF NOT EXISTS calls_operator_idx ON calls (operator_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS calls_doctor_idx ON calls (doctor_id, start_time DESC)`,
}

// Migrate creates the tables and indexes this service reads and writes
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
