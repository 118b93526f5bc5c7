package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// flakyRepo fails the first failures calls to every operation
type flakyRepo struct {
	*MemoryRepository
	failures int
	calls    int
}

func (f *flakyRepo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryRepository.InTx(ctx, fn)
}

func (f *flakyRepo) ListGPUs(ctx context.Context) ([]domain.GPU, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.MemoryRepository.ListGPUs(ctx)
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxRetries:      1,
		OpTimeout:       time.Second,
	}
}

func TestRetry_RecoversAfterOneFailure(t *testing.T) {
	flaky := &flakyRepo{MemoryRepository: NewMemoryRepository(), failures: 1}
	repo := WithRetry(flaky, fastRetryConfig())

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.WriteGPU(context.Background(), testGPU("gpu-1"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.calls)
}

func TestRetry_ExhaustionSurfacesUnavailable(t *testing.T) {
	flaky := &flakyRepo{MemoryRepository: NewMemoryRepository(), failures: 10}
	repo := WithRetry(flaky, fastRetryConfig())

	err := repo.InTx(context.Background(), func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
	// One attempt plus one retry
	assert.Equal(t, 2, flaky.calls)
}

func TestRetry_FnErrorNotRetried(t *testing.T) {
	flaky := &flakyRepo{MemoryRepository: NewMemoryRepository()}
	repo := WithRetry(flaky, fastRetryConfig())

	sentinel := errors.New("domain rejection")
	err := repo.InTx(context.Background(), func(tx Tx) error { return sentinel })

	// Returned unchanged, without the unavailable wrapper, after one attempt
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, flaky.calls)
}

func TestRetry_ListGPUs(t *testing.T) {
	flaky := &flakyRepo{MemoryRepository: NewMemoryRepository(), failures: 1}
	repo := WithRetry(flaky, fastRetryConfig())

	require.NoError(t, flaky.MemoryRepository.InTx(context.Background(), func(tx Tx) error {
		return tx.WriteGPU(context.Background(), testGPU("gpu-1"))
	}))
	flaky.calls = 0
	flaky.failures = 1

	gpus, err := repo.ListGPUs(context.Background())
	require.NoError(t, err)
	assert.Len(t, gpus, 1)
}

func TestRetry_ContextCancellation(t *testing.T) {
	flaky := &flakyRepo{MemoryRepository: NewMemoryRepository(), failures: 100}
	repo := WithRetry(flaky, RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxRetries:      100,
		OpTimeout:       time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := repo.InTx(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
}
