// Package scheduler generates, downloads and publishes one clip per segment
// with bounded parallelism and per-segment provider fallback.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/generation"
	"github.com/bobarin/storyteller/internal/models"
	"github.com/bobarin/storyteller/internal/storage"
)

const downloadTimeout = 120 * time.Second

// Chainer yields the ordered providers to try for a segment.
type Chainer interface {
	Chain(seg models.Segment) []generation.Provider
}

type Config struct {
	Concurrency      int
	ProviderMaxWait  time.Duration
	MinClipBytes     int64
	DownloadAttempts int
	DownloadBackoff  time.Duration
	UploadSlots      int
}

// Batch is one job's worth of segments.
type Batch struct {
	JobID       string
	WorkDir     string
	AspectRatio string
	Segments    []models.Segment
}

type Scheduler struct {
	cfg       Config
	chain     Chainer
	publisher storage.Publisher // nil = keep clips local only
	client    *http.Client
	uploadSem chan struct{}
	metrics   *metrics
}

func New(cfg Config, chain Chainer, publisher storage.Publisher) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DownloadAttempts < 1 {
		cfg.DownloadAttempts = 1
	}
	if cfg.UploadSlots < 1 {
		cfg.UploadSlots = 4
	}
	return &Scheduler{
		cfg:       cfg,
		chain:     chain,
		publisher: publisher,
		client:    &http.Client{},
		uploadSem: make(chan struct{}, cfg.UploadSlots),
		metrics:   newMetrics(),
	}
}

// Run processes every segment and returns one result per segment in segment
// order. A failed segment never aborts its siblings. If no segment survives,
// the results are still returned alongside models.ErrNoSurvivingSegments.
func (s *Scheduler) Run(ctx context.Context, b Batch) ([]models.GenerationResult, error) {
	if err := os.MkdirAll(b.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	log.Printf("[Scheduler] Job %s: generating %d segments (concurrency=%d)", b.JobID, len(b.Segments), s.cfg.Concurrency)

	// Each goroutine writes only its own slot; read after Wait.
	results := make([]models.GenerationResult, len(b.Segments))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range b.Segments {
		i := i
		g.Go(func() error {
			results[i] = s.runSegment(ctx, b, b.Segments[i])
			return nil
		})
	}
	_ = g.Wait()

	survived := 0
	for _, r := range results {
		if r.Success {
			survived++
		}
	}
	log.Printf("[Scheduler] Job %s: %d/%d segments survived", b.JobID, survived, len(results))

	if survived == 0 {
		return results, models.ErrNoSurvivingSegments
	}
	return results, nil
}

func (s *Scheduler) runSegment(ctx context.Context, b Batch, seg models.Segment) models.GenerationResult {
	result := models.GenerationResult{SegmentIndex: seg.Index}

	chain := s.chain.Chain(seg)
	if len(chain) == 0 {
		err := &models.ExhaustedProvidersError{Segment: seg.Index}
		log.Printf("[Scheduler] Segment %d: %v", seg.Index, err)
		result.Error = err.Error()
		s.metrics.recordSegment(ctx, "", false)
		return result
	}

	req := buildRequest(seg, b.AspectRatio)

	var attempts []error
	for _, p := range chain {
		if ctx.Err() != nil {
			attempts = append(attempts, &models.ProviderError{Provider: p.Name(), Segment: seg.Index, Err: ctx.Err()})
			break
		}

		log.Printf("[Scheduler] Segment %d: trying %s (%ds clip)", seg.Index, p.Name(), seg.ClipDuration)
		start := time.Now()

		label := fmt.Sprintf("segment %d via %s", seg.Index, p.Name())
		out, err := deadline.Call(ctx, label, deadline.Once(s.cfg.ProviderMaxWait), func(ctx context.Context) (*generation.Output, error) {
			return p.Generate(ctx, req)
		})
		if err == nil && (out == nil || out.URL == "") {
			err = errors.New("provider returned no video url")
		}
		if err != nil {
			log.Printf("[Scheduler] Segment %d: %s failed after %v: %v", seg.Index, p.Name(), time.Since(start).Round(time.Millisecond), err)
			attempts = append(attempts, &models.ProviderError{Provider: p.Name(), Segment: seg.Index, Err: err})
			s.metrics.recordAttempt(ctx, p.Name(), "generate_failed")
			continue
		}

		localPath := filepath.Join(b.WorkDir, fmt.Sprintf("segment_%03d_%s.mp4", seg.Index, p.Name()))
		size, err := s.download(ctx, out, localPath)
		if err != nil {
			// The clip was generated and billed; another provider would bill again.
			log.Printf("[Scheduler] Segment %d: %s clip failed integrity checks, dropping segment: %v", seg.Index, p.Name(), err)
			attempts = append(attempts, &models.ProviderError{Provider: p.Name(), Segment: seg.Index, Err: err})
			s.metrics.recordAttempt(ctx, p.Name(), "download_failed")
			break
		}

		s.metrics.recordAttempt(ctx, p.Name(), "success")
		s.metrics.recordSegment(ctx, p.Name(), true)
		log.Printf("[Scheduler] Segment %d: %s clip validated (%d bytes)", seg.Index, p.Name(), size)

		result.Success = true
		result.Validated = true
		result.Provider = p.Name()
		result.SourceURL = out.URL
		result.LocalPath = localPath
		result.ByteSize = size
		result.PublicURL = s.publish(ctx, b.JobID, localPath)
		return result
	}

	err := &models.ExhaustedProvidersError{Segment: seg.Index, Attempts: attempts}
	log.Printf("[Scheduler] Segment %d: %v", seg.Index, err)
	result.Error = err.Error()
	s.metrics.recordSegment(ctx, "", false)
	return result
}

// download streams a clip to disk and checks it against MinClipBytes,
// retrying up to DownloadAttempts times.
func (s *Scheduler) download(ctx context.Context, out *generation.Output, localPath string) (int64, error) {
	policy := deadline.Policy{
		Timeout:   downloadTimeout,
		Attempts:  s.cfg.DownloadAttempts,
		BaseDelay: s.cfg.DownloadBackoff,
		MaxDelay:  10 * time.Second,
	}

	size, err := deadline.Call(ctx, "download "+filepath.Base(localPath), policy, func(ctx context.Context) (int64, error) {
		n, err := s.fetch(ctx, out, localPath)
		if err != nil {
			_ = os.Remove(localPath)
			return 0, err
		}

		info, err := os.Stat(localPath)
		if err != nil {
			return 0, fmt.Errorf("downloaded file missing: %w", err)
		}
		if info.Size() != n {
			_ = os.Remove(localPath)
			return 0, fmt.Errorf("short write: %d of %d bytes on disk", info.Size(), n)
		}
		if info.Size() < s.cfg.MinClipBytes {
			_ = os.Remove(localPath)
			return 0, fmt.Errorf("clip too small: %d bytes (min %d)", info.Size(), s.cfg.MinClipBytes)
		}
		return info.Size(), nil
	})
	if err != nil {
		return 0, &models.DownloadIntegrityError{URL: out.URL, Attempts: s.cfg.DownloadAttempts, Err: err}
	}
	return size, nil
}

func (s *Scheduler) fetch(ctx context.Context, out *generation.Output, localPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.URL, nil)
	if err != nil {
		return 0, deadline.Permanent(fmt.Errorf("failed to create download request: %w", err))
	}
	for k, vs := range out.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("video download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write video data: %w", err)
	}
	return n, nil
}

// publish uploads a validated clip. Failures here never fail the segment:
// assembly uses the local copy.
func (s *Scheduler) publish(ctx context.Context, jobID, localPath string) string {
	if s.publisher == nil {
		return ""
	}

	var url string
	err := s.uploadWithLimit(ctx, filepath.Base(localPath), func() error {
		var err error
		url, err = s.publisher.Publish(ctx, localPath, storage.ObjectKey(jobID, "clips", filepath.Base(localPath)), "video/mp4")
		return err
	})
	if err != nil {
		log.Printf("[Scheduler] Warning: failed to publish %s: %v", localPath, err)
		return ""
	}

	if !s.publisher.Verify(ctx, url) {
		log.Printf("[Scheduler] Warning: %v", &models.PublishVerificationWarning{URL: url})
	}
	return url
}

// uploadWithLimit bounds concurrent uploads across segments.
func (s *Scheduler) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case s.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload of %s cancelled while waiting for slot: %w", label, ctx.Err())
	}
	defer func() { <-s.uploadSem }()

	return fn()
}

func buildRequest(seg models.Segment, aspectRatio string) generation.Request {
	req := generation.Request{
		SegmentIndex: seg.Index,
		Prompt:       seg.Prompt,
		Duration:     seg.ClipDuration,
		Style:        seg.Style,
		AspectRatio:  aspectRatio,
	}
	if o := seg.Overrides; o != nil {
		req.Seed = o.Seed
		req.StyleReferenceURL = o.StyleReference
		req.LoRA = o.LoRA
		req.LoRAScale = o.LoRAScale
		req.NegativePrompt = o.NegativePrompt
	}
	return req
}
