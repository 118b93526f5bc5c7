package storage

import (
	"context"
	"errors"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrUnavailable is the fatal error surfaced after retry exhaustion on
	// the storage boundary. Operations that return it leave all affected
	// entities unchanged.
	ErrUnavailable = errors.New("storage unavailable")
)

// Tx is the view of the repository inside an atomic transaction. Writes are
// applied all-or-nothing when the transaction commits.
type Tx interface {
	ReadGPU(ctx context.Context, id string) (domain.GPU, error)
	WriteGPU(ctx context.Context, gpu domain.GPU) error
	ReadReservations(ctx context.Context, gpuID string) ([]domain.Reservation, error)
	WriteReservation(ctx context.Context, res domain.Reservation) error
}

// Repository is the transactional persistence boundary for GPU and
// reservation records plus environmental rollups. The reserve/activate/
// release operations require the multi-entity transaction primitive.
type Repository interface {
	// InTx runs fn inside a transaction. If fn returns an error the
	// transaction is rolled back and the error returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ListGPUs and ListReservations hydrate in-memory state at startup.
	ListGPUs(ctx context.Context) ([]domain.GPU, error)
	ListReservations(ctx context.Context) ([]domain.Reservation, error)

	// WriteEnvironmentalRecord upserts an aggregated record, keyed by
	// reservation ID or (gpu, time bucket) for fleet records.
	WriteEnvironmentalRecord(ctx context.Context, rec domain.EnvironmentalRecord) error

	Close() error
}
