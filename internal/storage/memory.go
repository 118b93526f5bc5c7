package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// MemoryRepository is a thread-safe in-memory Repository. Transactions stage
// writes and apply them only when the transaction function succeeds, so a
// failed multi-entity update leaves nothing behind.
type MemoryRepository struct {
	mu           sync.Mutex
	gpus         map[string]domain.GPU
	reservations map[string]domain.Reservation
	records      map[domain.RecordKey]domain.EnvironmentalRecord
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		gpus:         make(map[string]domain.GPU),
		reservations: make(map[string]domain.Reservation),
		records:      make(map[domain.RecordKey]domain.EnvironmentalRecord),
	}
}

type memoryTx struct {
	repo *MemoryRepository

	// staged writes, applied on commit
	gpus         map[string]domain.GPU
	reservations map[string]domain.Reservation
}

func (t *memoryTx) ReadGPU(_ context.Context, id string) (domain.GPU, error) {
	if gpu, ok := t.gpus[id]; ok {
		return gpu, nil
	}
	gpu, ok := t.repo.gpus[id]
	if !ok {
		return domain.GPU{}, fmt.Errorf("%w: gpu %s", ErrNotFound, id)
	}
	return gpu, nil
}

func (t *memoryTx) WriteGPU(_ context.Context, gpu domain.GPU) error {
	t.gpus[gpu.ID] = gpu
	return nil
}

func (t *memoryTx) ReadReservations(_ context.Context, gpuID string) ([]domain.Reservation, error) {
	seen := make(map[string]struct{})
	var result []domain.Reservation
	for id, res := range t.reservations {
		if res.GPUID == gpuID {
			result = append(result, res)
			seen[id] = struct{}{}
		}
	}
	for id, res := range t.repo.reservations {
		if _, staged := seen[id]; staged {
			continue
		}
		if res.GPUID == gpuID {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Window.Start.Before(result[j].Window.Start) })
	return result, nil
}

func (t *memoryTx) WriteReservation(_ context.Context, res domain.Reservation) error {
	t.reservations[res.ID] = res
	return nil
}

// InTx runs fn against a staged view and commits the staged writes only if
// fn returns nil.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:         r,
		gpus:         make(map[string]domain.GPU),
		reservations: make(map[string]domain.Reservation),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, gpu := range tx.gpus {
		r.gpus[id] = gpu
	}
	for id, res := range tx.reservations {
		r.reservations[id] = res
	}
	return nil
}

func (r *MemoryRepository) ListGPUs(_ context.Context) ([]domain.GPU, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.GPU, 0, len(r.gpus))
	for _, gpu := range r.gpus {
		result = append(result, gpu)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *MemoryRepository) ListReservations(_ context.Context) ([]domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Reservation, 0, len(r.reservations))
	for _, res := range r.reservations {
		result = append(result, res)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryRepository) WriteEnvironmentalRecord(_ context.Context, rec domain.EnvironmentalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Key] = rec
	return nil
}

// EnvironmentalRecords returns all persisted rollups, for tests and reports
func (r *MemoryRepository) EnvironmentalRecords() []domain.EnvironmentalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.EnvironmentalRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec)
	}
	return result
}

func (r *MemoryRepository) Close() error {
	return nil
}

// Compile-time interface check
var _ Repository = (*MemoryRepository)(nil)
