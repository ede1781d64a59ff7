package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobarin/storyteller/internal/generation"
	"github.com/bobarin/storyteller/internal/models"
)

type fakeProvider struct {
	name     string
	url      string
	err      error
	delay    time.Duration
	calls    int32
	inFlight *int32
	maxSeen  *int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(ctx context.Context, req generation.Request) (*generation.Output, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.inFlight != nil {
		n := atomic.AddInt32(p.inFlight, 1)
		defer atomic.AddInt32(p.inFlight, -1)
		for {
			seen := atomic.LoadInt32(p.maxSeen)
			if n <= seen || atomic.CompareAndSwapInt32(p.maxSeen, seen, n) {
				break
			}
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &generation.Output{URL: p.url, Header: http.Header{"X-Test-Key": []string{"k"}}}, nil
}

type chainFunc func(seg models.Segment) []generation.Provider

func (f chainFunc) Chain(seg models.Segment) []generation.Provider { return f(seg) }

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	reachable bool
}

func (p *fakePublisher) Publish(ctx context.Context, localPath, key, contentType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, key)
	return "https://cdn.example/" + key, nil
}

func (p *fakePublisher) Verify(ctx context.Context, url string) bool { return p.reachable }

func clipServer(t *testing.T) *httptest.Server {
	t.Helper()
	var smallCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good.mp4":
			if r.Header.Get("X-Test-Key") != "k" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(strings.Repeat("v", 2048)))
		case "/flaky.mp4":
			// Too small on the first request, complete afterwards.
			if atomic.AddInt32(&smallCalls, 1) == 1 {
				_, _ = w.Write([]byte("tiny"))
				return
			}
			_, _ = w.Write([]byte(strings.Repeat("v", 2048)))
		case "/tiny.mp4":
			_, _ = w.Write([]byte("tiny"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func segments(n int) []models.Segment {
	segs := make([]models.Segment, n)
	for i := range segs {
		segs[i] = models.Segment{Index: i, Start: i * 5, End: i*5 + 4, Duration: 5, ClipDuration: 5, Provider: "primary"}
	}
	return segs
}

func testConfig() Config {
	return Config{Concurrency: 2, ProviderMaxWait: 5 * time.Second, MinClipBytes: 1024, DownloadAttempts: 3}
}

func TestRunAllSegmentsSucceedInOrder(t *testing.T) {
	srv := clipServer(t)
	var inFlight, maxSeen int32
	p := &fakeProvider{name: "primary", url: srv.URL + "/good.mp4", delay: 20 * time.Millisecond, inFlight: &inFlight, maxSeen: &maxSeen}
	pub := &fakePublisher{reachable: true}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{p}
	}), pub)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(5)})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, r := range results {
		require.Equal(t, i, r.SegmentIndex)
		require.True(t, r.Success)
		require.True(t, r.Validated)
		require.Equal(t, int64(2048), r.ByteSize)
		require.Contains(t, r.PublicURL, "job/clips/segment_")
		info, statErr := os.Stat(r.LocalPath)
		require.NoError(t, statErr)
		require.Equal(t, int64(2048), info.Size())
	}
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	require.Len(t, pub.published, 5)
}

func TestRunFallsBackSequentially(t *testing.T) {
	srv := clipServer(t)
	primary := &fakeProvider{name: "primary", err: errors.New("quota exceeded")}
	fallback := &fakeProvider{name: "fallback", url: srv.URL + "/good.mp4"}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{primary, fallback}
	}), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(1)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Equal(t, "fallback", results[0].Provider)
	require.Empty(t, results[0].PublicURL)
	require.EqualValues(t, 1, primary.calls)
	require.EqualValues(t, 1, fallback.calls)
}

func TestRunIsolatesExhaustedSegment(t *testing.T) {
	srv := clipServer(t)
	good := &fakeProvider{name: "good", url: srv.URL + "/good.mp4"}
	bad1 := &fakeProvider{name: "bad1", err: errors.New("500")}
	bad2 := &fakeProvider{name: "bad2", err: errors.New("moderation")}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		if seg.Index == 1 {
			return []generation.Provider{bad1, bad2}
		}
		return []generation.Provider{good}
	}), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(3)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.True(t, results[2].Success)
	require.Contains(t, results[1].Error, "all providers failed")
	require.Contains(t, results[1].Error, "moderation")
}

func TestRunNoSurvivors(t *testing.T) {
	bad := &fakeProvider{name: "bad", err: errors.New("down")}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{bad}
	}), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(2)})
	require.ErrorIs(t, err, models.ErrNoSurvivingSegments)
	require.Len(t, results, 2)
}

func TestRunEmptyChainFailsSegment(t *testing.T) {
	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider { return nil }), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(1)})
	require.ErrorIs(t, err, models.ErrNoSurvivingSegments)
	require.Contains(t, results[0].Error, "no provider supports")
}

func TestDownloadRetriesUndersizedClip(t *testing.T) {
	srv := clipServer(t)
	p := &fakeProvider{name: "primary", url: srv.URL + "/flaky.mp4"}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{p}
	}), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(1)})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Equal(t, int64(2048), results[0].ByteSize)
}

func TestDownloadIntegrityFailureDropsSegment(t *testing.T) {
	srv := clipServer(t)
	tiny := &fakeProvider{name: "tiny", url: srv.URL + "/tiny.mp4"}
	good := &fakeProvider{name: "good", url: srv.URL + "/good.mp4"}

	s := New(testConfig(), chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{tiny, good}
	}), nil)

	dir := t.TempDir()
	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: dir, Segments: segments(1)})
	require.ErrorIs(t, err, models.ErrNoSurvivingSegments)
	require.False(t, results[0].Success)
	require.Contains(t, results[0].Error, "integrity")
	require.Equal(t, int32(1), atomic.LoadInt32(&tiny.calls))
	require.Equal(t, int32(0), atomic.LoadInt32(&good.calls), "a second provider must not be billed")

	_, statErr := os.Stat(dir + "/segment_000_tiny.mp4")
	require.True(t, os.IsNotExist(statErr), "undersized clip must be deleted")
}

func TestDownloadReturnsIntegrityError(t *testing.T) {
	srv := clipServer(t)
	s := New(testConfig(), nil, nil)

	_, err := s.download(context.Background(), &generation.Output{URL: srv.URL + "/tiny.mp4"}, t.TempDir()+"/x.mp4")
	var integrity *models.DownloadIntegrityError
	require.True(t, errors.As(err, &integrity))
	require.Equal(t, 3, integrity.Attempts)
}

func TestProviderTimeoutCountsAsFailure(t *testing.T) {
	srv := clipServer(t)
	slow := &fakeProvider{name: "slow", url: srv.URL + "/good.mp4", delay: time.Second}
	fast := &fakeProvider{name: "fast", url: srv.URL + "/good.mp4"}

	cfg := testConfig()
	cfg.ProviderMaxWait = 30 * time.Millisecond
	s := New(cfg, chainFunc(func(seg models.Segment) []generation.Provider {
		return []generation.Provider{slow, fast}
	}), nil)

	results, err := s.Run(context.Background(), Batch{JobID: "job", WorkDir: t.TempDir(), Segments: segments(1)})
	require.NoError(t, err)
	require.Equal(t, "fast", results[0].Provider)
}

func TestBuildRequestCarriesOverrides(t *testing.T) {
	seed := int64(99)
	req := buildRequest(models.Segment{
		Index:        2,
		Prompt:       "p",
		ClipDuration: 10,
		Duration:     7,
		Overrides:    &models.Overrides{Seed: &seed, LoRA: "film-grain", LoRAScale: 0.7, NegativePrompt: "text"},
	}, "9:16")

	require.Equal(t, 10, req.Duration)
	require.Equal(t, "9:16", req.AspectRatio)
	require.Equal(t, int64(99), *req.Seed)
	require.Equal(t, "film-grain", req.LoRA)
	require.Equal(t, "text", req.NegativePrompt)
}
