// Package assembler turns the surviving clips and the mixed audio track into
// the published MP4 and its HLS ladder.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/ffmpeg"
	"github.com/bobarin/storyteller/internal/models"
	"github.com/bobarin/storyteller/internal/storage"
)

const tracerName = "storyteller.assembler"

// Stage names, as reported in AssemblyStageError.
const (
	StageConcat  = "concat"
	StageMux     = "mux"
	StageHLS     = "hls"
	StagePublish = "publish"
)

type Config struct {
	Width             int
	Height            int
	FPS               int
	HLSSegmentSeconds int
	Renditions        []int // short-side pixel sizes, e.g. 720
	BurnSubtitles     bool
	StageTimeout      time.Duration
	StageRetries      int
	RetryBackoff      time.Duration
	UploadConcurrency int
}

type Assembler struct {
	cfg       Config
	runner    ffmpeg.Runner
	publisher storage.Publisher
	tracer    trace.Tracer
	metrics   *metrics
}

// New returns an Assembler. A nil publisher leaves outputs on local disk.
func New(cfg Config, runner ffmpeg.Runner, publisher storage.Publisher) *Assembler {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.HLSSegmentSeconds <= 0 {
		cfg.HLSSegmentSeconds = 5
	}
	if len(cfg.Renditions) == 0 {
		cfg.Renditions = []int{720}
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	return &Assembler{
		cfg:       cfg,
		runner:    runner,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
		metrics:   newMetrics(),
	}
}

// Assemble runs concat, mux, HLS and publish in order. Any stage that still
// fails after its retries aborts the job with an AssemblyStageError.
func (a *Assembler) Assemble(ctx context.Context, job models.AssemblyJob) (*models.AssemblyOutput, error) {
	if len(job.ClipPaths) == 0 {
		return nil, models.ErrNoSurvivingSegments
	}
	if job.AudioPath == "" {
		return nil, fmt.Errorf("assembly job %s has no audio track", job.JobID)
	}

	ctx, span := a.tracer.Start(ctx, "assemble", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.Int("clips", len(job.ClipPaths)),
	))
	defer span.End()

	log.Printf("[Assembler] Job %s: assembling %d clips", job.JobID, len(job.ClipPaths))

	concatPath := filepath.Join(job.WorkDir, "video_concat.mp4")
	finalPath := filepath.Join(job.WorkDir, "final.mp4")
	hlsDir := filepath.Join(job.WorkDir, "hls")

	if err := a.runStage(ctx, StageConcat, func(ctx context.Context) error {
		return a.concat(ctx, job, concatPath)
	}); err != nil {
		return nil, err
	}

	if err := a.runStage(ctx, StageMux, func(ctx context.Context) error {
		return a.mux(ctx, concatPath, job.AudioPath, finalPath)
	}); err != nil {
		return nil, err
	}

	var renditions []rendition
	if err := a.runStage(ctx, StageHLS, func(ctx context.Context) error {
		var err error
		renditions, err = a.transcodeHLS(ctx, finalPath, hlsDir)
		return err
	}); err != nil {
		return nil, err
	}

	var out *models.AssemblyOutput
	if err := a.runStage(ctx, StagePublish, func(ctx context.Context) error {
		var err error
		out, err = a.publish(ctx, job.JobID, finalPath, hlsDir, renditions)
		return err
	}); err != nil {
		return nil, err
	}
	out.LocalPath = finalPath

	log.Printf("[Assembler] Job %s: done (%s)", job.JobID, out.VideoURL)
	return out, nil
}

func (a *Assembler) runStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "assemble."+stage)
	defer span.End()

	start := time.Now()
	policy := deadline.Policy{
		Timeout:   a.cfg.StageTimeout,
		Attempts:  a.cfg.StageRetries + 1,
		BaseDelay: a.cfg.RetryBackoff,
		MaxDelay:  30 * time.Second,
	}

	err := deadline.Run(ctx, "assembly "+stage, policy, fn)
	a.metrics.recordStage(ctx, stage, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("[Assembler] Stage %s failed: %v", stage, err)
		return &models.AssemblyStageError{Stage: stage, Attempts: policy.Attempts, Err: err}
	}

	log.Printf("[Assembler] Stage %s finished in %v", stage, time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *Assembler) concat(ctx context.Context, job models.AssemblyJob, outPath string) error {
	visible := visibleTimeline(job)
	spec := graphSpec{
		Width:     a.cfg.Width,
		Height:    a.cfg.Height,
		FPS:       a.cfg.FPS,
		Durations: job.ClipDurations,
		Overlays:  collectOverlays(visible),
		LUTs:      collectLUTs(visible),
	}

	if a.cfg.BurnSubtitles {
		subPath := filepath.Join(job.WorkDir, "dialogue.ass")
		ok, err := writeSubtitles(visible, a.cfg.Width, a.cfg.Height, subPath)
		if err != nil {
			return deadline.Permanent(err)
		}
		if ok {
			spec.SubtitlePath = subPath
		}
	}

	graph := buildConcatGraph(len(job.ClipPaths), spec)

	var args []string
	for _, p := range job.ClipPaths {
		args = append(args, "-i", p)
	}
	for _, p := range graph.ExtraInputs {
		args = append(args, "-loop", "1", "-i", p)
	}
	args = append(args,
		"-filter_complex", graph.Filter,
		"-map", graph.OutputLabel,
		"-an",
		"-c:v", "libx264",
		"-preset", "medium",
		"-profile:v", "high",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(a.cfg.FPS),
		"-movflags", "+faststart",
		outPath,
	)

	if err := ffmpeg.FFmpeg(ctx, a.runner, args...); err != nil {
		return err
	}
	return requireOutput(outPath)
}

func (a *Assembler) mux(ctx context.Context, videoPath, audioPath, outPath string) error {
	err := ffmpeg.FFmpeg(ctx, a.runner,
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		outPath,
	)
	if err != nil {
		return err
	}
	return requireOutput(outPath)
}

func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output %s: %w", filepath.Base(path), err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", filepath.Base(path))
	}
	return nil
}

// ParseRenditions turns config values like "720" or "480p" into sizes.
func ParseRenditions(values []string) ([]int, error) {
	var out []int
	for _, v := range values {
		v = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "p")
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 144 {
			return nil, fmt.Errorf("invalid rendition %q", v)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one rendition is required")
	}
	return out, nil
}
