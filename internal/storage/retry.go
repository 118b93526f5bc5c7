package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// RetryConfig bounds the retry behaviour at the storage boundary
type RetryConfig struct {
	// InitialInterval before the retry attempt
	InitialInterval time.Duration
	// MaxRetries after the first attempt. The manager contract is a single
	// retry before surfacing ErrUnavailable.
	MaxRetries uint64
	// OpTimeout bounds each individual storage operation
	OpTimeout time.Duration
}

// DefaultRetryConfig returns the standard single-retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxRetries:      1,
		OpTimeout:       5 * time.Second,
	}
}

// RetryingRepository decorates a Repository with exponential backoff retry.
// Infrastructure failures are retried per the config and surface as
// ErrUnavailable once exhausted; errors returned by the transaction function
// itself are never retried.
type RetryingRepository struct {
	inner Repository
	cfg   RetryConfig
}

// WithRetry wraps repo with the retry policy
func WithRetry(repo Repository, cfg RetryConfig) *RetryingRepository {
	return &RetryingRepository{inner: repo, cfg: cfg}
}

func (r *RetryingRepository) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), r.cfg.MaxRetries)
}

func (r *RetryingRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

func (r *RetryingRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var fnErr error
	operation := func() error {
		opCtx, cancel := r.opContext(ctx)
		defer cancel()

		fnErr = nil
		err := r.inner.InTx(opCtx, func(tx Tx) error {
			if e := fn(tx); e != nil {
				fnErr = e
				return e
			}
			return nil
		})
		if err != nil && fnErr != nil {
			// The transaction function rejected; retrying cannot help.
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, r.newBackOff(ctx)); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RetryingRepository) ListGPUs(ctx context.Context) ([]domain.GPU, error) {
	var result []domain.GPU
	operation := func() error {
		opCtx, cancel := r.opContext(ctx)
		defer cancel()

		var err error
		result, err = r.inner.ListGPUs(opCtx)
		return err
	}
	if err := backoff.Retry(operation, r.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (r *RetryingRepository) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	var result []domain.Reservation
	operation := func() error {
		opCtx, cancel := r.opContext(ctx)
		defer cancel()

		var err error
		result, err = r.inner.ListReservations(opCtx)
		return err
	}
	if err := backoff.Retry(operation, r.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (r *RetryingRepository) WriteEnvironmentalRecord(ctx context.Context, rec domain.EnvironmentalRecord) error {
	operation := func() error {
		opCtx, cancel := r.opContext(ctx)
		defer cancel()
		return r.inner.WriteEnvironmentalRecord(opCtx, rec)
	}
	if err := backoff.Retry(operation, r.newBackOff(ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RetryingRepository) Close() error {
	return r.inner.Close()
}

// Compile-time interface check
var _ Repository = (*RetryingRepository)(nil)
