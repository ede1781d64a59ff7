// Package pipeline owns the render job lifecycle: it accepts a request,
// returns a job id at once and runs plan, segmentation, generation, audio
// and assembly on a background task.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/storyteller/internal/audio"
	"github.com/bobarin/storyteller/internal/jobs"
	"github.com/bobarin/storyteller/internal/models"
	"github.com/bobarin/storyteller/internal/scheduler"
	"github.com/bobarin/storyteller/internal/segmenter"
)

// ErrJobPending is returned by Result while the job is still running.
var ErrJobPending = errors.New("job is still pending")

// Planner turns a request into a validated per-second timeline.
type Planner interface {
	GeneratePlan(ctx context.Context, req models.RenderRequest) (*models.Timeline, error)
}

// Catalog lists the providers a segmenter may assign.
type Catalog interface {
	Capabilities(style string) []models.ProviderCapability
	HighCapacity() (models.ProviderCapability, bool)
}

// Generator renders every segment of a batch.
type Generator interface {
	Run(ctx context.Context, b scheduler.Batch) ([]models.GenerationResult, error)
}

// Narrator builds the narration track for a timeline. A nil track means
// there is nothing to say.
type Narrator interface {
	Build(ctx context.Context, tl *models.Timeline) ([]byte, error)
}

// MusicSource finds a background track for a mood. Nil bytes mean no match.
type MusicSource interface {
	Search(ctx context.Context, mood string) ([]byte, error)
}

type Assembler interface {
	Assemble(ctx context.Context, job models.AssemblyJob) (*models.AssemblyOutput, error)
}

type Config struct {
	WorkDir      string
	MaxOvershoot int
	AspectRatio  string        // used when the request leaves it empty
	JobTimeout   time.Duration // 0 = no overall limit
	KeepScratch  bool          // keep <WorkDir>/<jobID> after the job ends
}

// Deps are the collaborators of an Orchestrator. Narrator and Music are
// optional.
type Deps struct {
	Store     jobs.Store
	Planner   Planner
	Catalog   Catalog
	Generator Generator
	Narrator  Narrator
	Music     MusicSource
	Mixer     audio.Mixer
	Assembler Assembler
}

type Orchestrator struct {
	cfg     Config
	deps    Deps
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics
}

func New(cfg Config, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		metrics: newMetrics(),
	}
}

// Submit validates the request, stores a pending job and starts its
// background task. The returned id is usable immediately.
func (o *Orchestrator) Submit(ctx context.Context, req models.RenderRequest) (string, error) {
	if err := ValidateRequest(req); err != nil {
		return "", err
	}

	job := &models.Job{
		ID:      uuid.New().String(),
		Status:  models.JobStatusPending,
		Request: req,
	}
	if err := o.deps.Store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	log.Printf("[Pipeline] Job %s submitted (duration=%ds, style=%q, demo=%v)", job.ID, req.Duration, req.VisualStyle, req.DemoMode)

	o.wg.Add(1)
	go o.run(job.ID, req)
	return job.ID, nil
}

// ValidateRequest checks the fields a render cannot start without.
func ValidateRequest(req models.RenderRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &models.ValidationError{Field: "prompt", Reason: "required"}
	}
	if !models.IsAllowedDuration(req.Duration) {
		return &models.ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("must be one of %v, got %d", models.AllowedDurations, req.Duration),
		}
	}
	return nil
}

// Status returns the job. Unknown ids yield models.ErrJobNotFound.
func (o *Orchestrator) Status(ctx context.Context, id string) (*models.Job, error) {
	return o.deps.Store.Get(ctx, id)
}

// Result returns the finished job. A pending job yields ErrJobPending; a
// failed job is returned as-is with its error message.
func (o *Orchestrator) Result(ctx context.Context, id string) (*models.Job, error) {
	job, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusPending {
		return job, ErrJobPending
	}
	return job, nil
}

// Shutdown cancels running jobs once ctx expires and waits for them to
// record their terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("[Pipeline] Shutdown deadline reached, cancelling in-flight jobs")
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) run(id string, req models.RenderRequest) {
	defer o.wg.Done()

	ctx := o.ctx
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] Job %s panicked: %v\n%s", id, r, debug.Stack())
			o.fail(id, fmt.Errorf("internal error: %v", r), start)
		}
	}()

	result, err := o.process(ctx, id, req)
	if err != nil {
		o.fail(id, err, start)
		return
	}

	if err := o.deps.Store.Update(context.Background(), id, func(job *models.Job) {
		job.Status = models.JobStatusDone
		job.Result = result
	}); err != nil {
		log.Printf("[Pipeline] Warning: job %s finished but its status could not be saved: %v", id, err)
	}
	o.metrics.recordJob(context.Background(), "done", time.Since(start))
	log.Printf("[Pipeline] Job %s done in %v (%d/%d segments) → %s",
		id, time.Since(start).Round(time.Second), result.SegmentsSurvived, result.SegmentsTotal, result.URL)
}

func (o *Orchestrator) fail(id string, err error, start time.Time) {
	log.Printf("[Pipeline] Job %s failed after %v: %v", id, time.Since(start).Round(time.Second), err)
	if uerr := o.deps.Store.Update(context.Background(), id, func(job *models.Job) {
		job.Status = models.JobStatusError
		job.Error = err.Error()
	}); uerr != nil {
		log.Printf("[Pipeline] Warning: failed to save error status for job %s: %v", id, uerr)
	}
	o.metrics.recordJob(context.Background(), "error", time.Since(start))
}

func (o *Orchestrator) process(ctx context.Context, id string, req models.RenderRequest) (*models.RenderResult, error) {
	workDir := filepath.Join(o.cfg.WorkDir, id)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if !req.DemoMode && !o.cfg.KeepScratch {
		defer os.RemoveAll(workDir)
	}

	tl, err := o.deps.Planner.GeneratePlan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	if err := tl.Validate(req.Duration); err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Job %s: plan ready (%q, %ds)", id, tl.Title, tl.Duration())

	segments, err := o.segment(tl, req.VisualStyle)
	if err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Job %s: %d segments", id, len(segments))

	if req.DemoMode {
		dumpJSON(workDir, "plan.json", tl)
		dumpJSON(workDir, "segments.json", segments)
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = o.cfg.AspectRatio
	}

	// Clip generation and audio preparation run side by side; assembly
	// waits for both.
	var (
		results []models.GenerationResult
		mix     *audio.MixResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = o.deps.Generator.Run(gctx, scheduler.Batch{
			JobID:       id,
			WorkDir:     filepath.Join(workDir, "clips"),
			AspectRatio: aspect,
			Segments:    segments,
		})
		return err
	})
	g.Go(func() error {
		var err error
		mix, err = o.prepareAudio(gctx, id, tl, req, workDir)
		return err
	})
	if err := g.Wait(); err != nil {
		if req.DemoMode && results != nil {
			dumpJSON(workDir, "results.json", results)
		}
		return nil, err
	}

	if req.DemoMode {
		dumpJSON(workDir, "results.json", results)
	}

	job := models.AssemblyJob{
		JobID:     id,
		AudioPath: mix.Path,
		Timeline:  tl,
		WorkDir:   workDir,
	}
	var clipURLs []string
	for i, r := range results {
		if !r.Success {
			continue
		}
		seg := segments[i]
		keep := 0
		if seg.ClipDuration != seg.Duration {
			keep = seg.Duration
		}
		job.ClipPaths = append(job.ClipPaths, r.LocalPath)
		job.ClipDurations = append(job.ClipDurations, keep)
		job.ClipSpans = append(job.ClipSpans, models.SecondSpan{Start: seg.Start, End: seg.Start + seg.Duration})
		if r.PublicURL != "" {
			clipURLs = append(clipURLs, r.PublicURL)
		}
	}

	out, err := o.deps.Assembler.Assemble(ctx, job)
	if err != nil {
		return nil, err
	}

	result := &models.RenderResult{
		URL:              out.VideoURL,
		ManifestURL:      out.ManifestURL,
		ClipURLs:         clipURLs,
		SegmentsTotal:    len(segments),
		SegmentsSurvived: len(job.ClipPaths),
	}
	if req.DemoMode {
		result.DemoDir = workDir
	}
	return result, nil
}

func (o *Orchestrator) segment(tl *models.Timeline, style string) ([]models.Segment, error) {
	caps := o.deps.Catalog.Capabilities(style)
	if len(caps) == 0 {
		return nil, fmt.Errorf("no generation provider is allowed for style %q", style)
	}

	var highCapacity *models.ProviderCapability
	if c, ok := o.deps.Catalog.HighCapacity(); ok && c.AllowsStyle(style) {
		highCapacity = &c
	}

	segments, err := segmenter.New(highCapacity, o.cfg.MaxOvershoot).Segment(tl.Duration(), caps)
	if err != nil {
		return nil, err
	}
	segmenter.Attach(tl, segments, style)
	return segments, nil
}

// prepareAudio gathers narration and music and mixes them. Narration and
// music failures only cost the job that layer; a mix failure is fatal.
func (o *Orchestrator) prepareAudio(ctx context.Context, id string, tl *models.Timeline, req models.RenderRequest, workDir string) (*audio.MixResult, error) {
	var narration, music []byte

	if o.deps.Narrator != nil {
		var err error
		narration, err = o.deps.Narrator.Build(ctx, tl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Pipeline] Warning: job %s narration failed, continuing without it: %v", id, err)
			narration = nil
		}
	}

	if o.deps.Music != nil {
		mood := musicMood(tl, req.MusicMood)
		var err error
		music, err = o.deps.Music.Search(ctx, mood)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Pipeline] Warning: job %s music search for %q failed, continuing without it: %v", id, mood, err)
			music = nil
		}
	}

	mix, err := o.deps.Mixer.Mix(ctx, tl, narration, music, filepath.Join(workDir, "audio_mix.wav"))
	if err != nil {
		return nil, fmt.Errorf("audio mix failed: %w", err)
	}
	log.Printf("[Pipeline] Job %s: audio ready (%s, %v)", id, mix.Case, mix.Duration)
	return mix, nil
}

// musicMood prefers the requested mood, then the most frequent scene mood.
func musicMood(tl *models.Timeline, requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	counts := make(map[string]int)
	best := ""
	for _, s := range tl.Seconds {
		if s.SceneMood == "" {
			continue
		}
		counts[s.SceneMood]++
		if counts[s.SceneMood] > counts[best] {
			best = s.SceneMood
		}
	}
	if best == "" {
		return "ambient"
	}
	return best
}

func dumpJSON(dir, name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Printf("[Pipeline] Warning: failed to encode %s: %v", name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		log.Printf("[Pipeline] Warning: failed to write %s: %v", name, err)
	}
}
