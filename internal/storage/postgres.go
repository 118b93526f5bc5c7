package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register the pgx stdlib driver under database/sql
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// PostgresRepository is a Repository backed by PostgreSQL via the pgx stdlib
// driver. It assumes the following schema:
//
//	CREATE TABLE IF NOT EXISTS gpus (
//	  id                 TEXT PRIMARY KEY,
//	  memory_mb          BIGINT      NOT NULL,
//	  compute_class      TEXT        NOT NULL,
//	  status             TEXT        NOT NULL,
//	  active_reservation TEXT        NOT NULL DEFAULT ''
//	);
//
//	CREATE TABLE IF NOT EXISTS reservations (
//	  id           TEXT PRIMARY KEY,
//	  requester    TEXT        NOT NULL,
//	  gpu_id       TEXT        NOT NULL,
//	  start_time   TIMESTAMPTZ NOT NULL,
//	  end_time     TIMESTAMPTZ NOT NULL,
//	  status       TEXT        NOT NULL,
//	  created_at   TIMESTAMPTZ NOT NULL,
//	  activated_at TIMESTAMPTZ,
//	  ended_at     TIMESTAMPTZ
//	);
//	CREATE INDEX IF NOT EXISTS reservations_gpu_window
//	  ON reservations (gpu_id, start_time, end_time);
//
//	CREATE TABLE IF NOT EXISTS environmental_records (
//	  reservation_id    TEXT        NOT NULL DEFAULT '',
//	  gpu_id            TEXT        NOT NULL DEFAULT '',
//	  bucket            TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	  energy_wh         DOUBLE PRECISION NOT NULL,
//	  carbon_emitted_g  DOUBLE PRECISION NOT NULL,
//	  carbon_captured_g DOUBLE PRECISION NOT NULL,
//	  sample_count      INTEGER     NOT NULL,
//	  first_sample      TIMESTAMPTZ,
//	  last_sample       TIMESTAMPTZ,
//	  final             BOOLEAN     NOT NULL DEFAULT FALSE,
//	  PRIMARY KEY (reservation_id, gpu_id, bucket)
//	);
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an existing *sql.DB
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres opens a connection pool for the given DSN
func OpenPostgres(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	return NewPostgresRepository(db), nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) ReadGPU(ctx context.Context, id string) (domain.GPU, error) {
	const query = `
SELECT id, memory_mb, compute_class, status, active_reservation
FROM gpus WHERE id = $1
`
	var gpu domain.GPU
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&gpu.ID,
		&gpu.Capability.MemoryMB,
		&gpu.Capability.ComputeClass,
		&gpu.Status,
		&gpu.ActiveReservation,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GPU{}, fmt.Errorf("%w: gpu %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.GPU{}, fmt.Errorf("failed to read gpu: %w", err)
	}
	return gpu, nil
}

func (t *postgresTx) WriteGPU(ctx context.Context, gpu domain.GPU) error {
	const stmt = `
INSERT INTO gpus (id, memory_mb, compute_class, status, active_reservation)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
  memory_mb = EXCLUDED.memory_mb,
  compute_class = EXCLUDED.compute_class,
  status = EXCLUDED.status,
  active_reservation = EXCLUDED.active_reservation
`
	_, err := t.tx.ExecContext(ctx, stmt,
		gpu.ID,
		gpu.Capability.MemoryMB,
		gpu.Capability.ComputeClass,
		gpu.Status,
		gpu.ActiveReservation,
	)
	if err != nil {
		return fmt.Errorf("failed to write gpu: %w", err)
	}
	return nil
}

func (t *postgresTx) ReadReservations(ctx context.Context, gpuID string) ([]domain.Reservation, error) {
	const query = `
SELECT id, requester, gpu_id, start_time, end_time, status, created_at, activated_at, ended_at
FROM reservations WHERE gpu_id = $1
ORDER BY start_time
`
	rows, err := t.tx.QueryContext(ctx, query, gpuID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (t *postgresTx) WriteReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, requester, gpu_id, start_time, end_time, status, created_at, activated_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  activated_at = EXCLUDED.activated_at,
  ended_at = EXCLUDED.ended_at
`
	_, err := t.tx.ExecContext(ctx, stmt,
		res.ID,
		res.Requester,
		res.GPUID,
		res.Window.Start,
		res.Window.End,
		res.Status,
		res.CreatedAt,
		res.ActivatedAt,
		res.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write reservation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListGPUs(ctx context.Context) ([]domain.GPU, error) {
	const query = `
SELECT id, memory_mb, compute_class, status, active_reservation
FROM gpus ORDER BY id
`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query gpus: %w", err)
	}
	defer rows.Close()

	var result []domain.GPU
	for rows.Next() {
		var gpu domain.GPU
		if err := rows.Scan(
			&gpu.ID,
			&gpu.Capability.MemoryMB,
			&gpu.Capability.ComputeClass,
			&gpu.Status,
			&gpu.ActiveReservation,
		); err != nil {
			return nil, fmt.Errorf("failed to scan gpu: %w", err)
		}
		result = append(result, gpu)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	const query = `
SELECT id, requester, gpu_id, start_time, end_time, status, created_at, activated_at, ended_at
FROM reservations ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (r *PostgresRepository) WriteEnvironmentalRecord(ctx context.Context, rec domain.EnvironmentalRecord) error {
	const stmt = `
INSERT INTO environmental_records (
  reservation_id, gpu_id, bucket, energy_wh, carbon_emitted_g,
  carbon_captured_g, sample_count, first_sample, last_sample, final
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (reservation_id, gpu_id, bucket) DO UPDATE SET
  energy_wh = EXCLUDED.energy_wh,
  carbon_emitted_g = EXCLUDED.carbon_emitted_g,
  carbon_captured_g = EXCLUDED.carbon_captured_g,
  sample_count = EXCLUDED.sample_count,
  first_sample = EXCLUDED.first_sample,
  last_sample = EXCLUDED.last_sample,
  final = EXCLUDED.final
`
	bucket := rec.Key.Bucket
	if bucket.IsZero() {
		bucket = time.Unix(0, 0).UTC()
	}
	_, err := r.db.ExecContext(ctx, stmt,
		rec.Key.ReservationID,
		rec.Key.GPUID,
		bucket,
		rec.EnergyWh,
		rec.CarbonEmittedG,
		rec.CarbonCapturedG,
		rec.SampleCount,
		nullableTime(rec.FirstSample),
		nullableTime(rec.LastSample),
		rec.Final,
	)
	if err != nil {
		return fmt.Errorf("failed to write environmental record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func scanReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	var result []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		var activatedAt, endedAt sql.NullTime
		if err := rows.Scan(
			&res.ID,
			&res.Requester,
			&res.GPUID,
			&res.Window.Start,
			&res.Window.End,
			&res.Status,
			&res.CreatedAt,
			&activatedAt,
			&endedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		if activatedAt.Valid {
			t := activatedAt.Time
			res.ActivatedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			res.EndedAt = &t
		}
		result = append(result, res)
	}
	return result, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Compile-time interface check
var _ Repository = (*PostgresRepository)(nil)
