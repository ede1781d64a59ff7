package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/storyteller/internal/models"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.Get(ctx, id)
	require.ErrorIs(t, err, models.ErrJobNotFound)
	require.ErrorIs(t, s.Update(ctx, id, func(*models.Job) {}), models.ErrJobNotFound)

	job := &models.Job{ID: id, Status: models.JobStatusPending, Request: models.RenderRequest{Prompt: "a lighthouse", Duration: 10}}
	require.NoError(t, s.Create(ctx, job))
	require.False(t, job.CreatedAt.IsZero())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, got.Status)
	require.Equal(t, "a lighthouse", got.Request.Prompt)

	require.NoError(t, s.Update(ctx, id, func(j *models.Job) {
		j.Status = models.JobStatusDone
		j.Result = &models.RenderResult{URL: "https://cdn.example/final.mp4", SegmentsTotal: 3, SegmentsSurvived: 2}
	}))

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, got.Status)
	require.Equal(t, 2, got.Result.SegmentsSurvived)
	require.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &models.Job{ID: "a", Status: models.JobStatusPending}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Status = models.JobStatusError

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, again.Status)
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			_ = s.Create(ctx, &models.Job{ID: id, Status: models.JobStatusPending})
			_ = s.Update(ctx, id, func(j *models.Job) { j.Status = models.JobStatusDone })
			_, _ = s.Get(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		j, err := s.Get(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		require.Equal(t, models.JobStatusDone, j.Status)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(url, time.Minute)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-redis-url", time.Minute)
	require.Error(t, err)
}
