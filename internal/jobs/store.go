// Package jobs stores render job state. The memory store is the default;
// Redis keeps jobs across restarts and replicas.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/storyteller/internal/models"
)

// Store is the job-status table. Only the task that owns a job id updates it.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// Update applies fn to the stored job and persists the result.
	Update(ctx context.Context, id string, fn func(job *models.Job)) error
	Close() error
}

type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return clone(job), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(job *models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	updated := clone(job)
	fn(updated)
	updated.ID = id
	updated.UpdatedAt = time.Now().UTC()
	s.jobs[id] = updated
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// clone copies a job so callers never share the stored result.
func clone(job *models.Job) *models.Job {
	c := *job
	if job.Result != nil {
		r := *job.Result
		r.ClipURLs = append([]string(nil), job.Result.ClipURLs...)
		c.Result = &r
	}
	return &c
}
