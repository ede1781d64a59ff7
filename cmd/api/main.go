package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bobarin/storyteller/internal/api"
	"github.com/bobarin/storyteller/internal/assembler"
	"github.com/bobarin/storyteller/internal/audio"
	"github.com/bobarin/storyteller/internal/config"
	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/ffmpeg"
	"github.com/bobarin/storyteller/internal/generation"
	"github.com/bobarin/storyteller/internal/jobs"
	"github.com/bobarin/storyteller/internal/pipeline"
	"github.com/bobarin/storyteller/internal/scheduler"
	"github.com/bobarin/storyteller/internal/services"
	"github.com/bobarin/storyteller/internal/storage"
)

func main() {
	log.Println("Starting Storyteller API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.MetricsStdout {
		shutdownTelemetry, err := setupTelemetry()
		if err != nil {
			log.Fatalf("Failed to set up telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				log.Printf("Warning: telemetry shutdown: %v", err)
			}
		}()
		log.Println("Stdout metrics and traces enabled")
	}

	// Job status table
	var store jobs.Store
	if cfg.RedisURL != "" {
		store, err = jobs.NewRedisStore(cfg.RedisURL, cfg.JobTTL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis job store")
	} else {
		store = jobs.NewMemoryStore()
		log.Println("Using in-process job store (REDIS_URL not set)")
	}
	defer store.Close()

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	registry, err := buildRegistry(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to configure generation providers: %v", err)
	}

	runner := &ffmpeg.ExecRunner{}
	decoder := &audio.FFmpegDecoder{
		Runner:  runner,
		WorkDir: cfg.WorkDir,
		Timeout: cfg.StageTimeout,
	}
	stagePolicy := deadline.Policy{
		Timeout:   cfg.StageTimeout,
		Attempts:  cfg.StageRetries + 1,
		BaseDelay: 2 * time.Second,
		MaxDelay:  30 * time.Second,
	}

	var mixer audio.Mixer
	switch cfg.MixEngine {
	case "ffmpeg":
		mixer = audio.NewFFmpegMixer(runner, stagePolicy)
	default:
		mixer = audio.NewPCMMixer(decoder)
	}
	log.Printf("Audio mix engine: %s", cfg.MixEngine)

	// TTS provider: ElevenLabs preferred, Cartesia as fallback
	var voice audio.Speaker
	switch {
	case cfg.ElevenLabsKey != "":
		voice = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, "")
		log.Println("TTS provider: ElevenLabs")
	case cfg.CartesiaKey != "":
		voice = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID)
		log.Println("TTS provider: Cartesia")
	default:
		log.Println("Warning: no TTS provider configured, renders will have no narration")
	}

	deps := pipeline.Deps{
		Store:   store,
		Planner: services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.PlanModels),
		Catalog: registry,
		Generator: scheduler.New(scheduler.Config{
			Concurrency:      cfg.GenerationConcurrency,
			ProviderMaxWait:  cfg.ProviderMaxWait,
			MinClipBytes:     cfg.MinClipBytes,
			DownloadAttempts: cfg.DownloadAttempts,
			DownloadBackoff:  2 * time.Second,
			UploadSlots:      cfg.GenerationConcurrency,
		}, registry, stor),
		Mixer: mixer,
	}
	if voice != nil {
		deps.Narrator = &audio.NarrationBuilder{
			Voice:   voice,
			Decoder: decoder,
			Policy:  audio.DefaultNarrationPolicy(),
		}
	}
	if cfg.FreesoundKey != "" {
		deps.Music = services.NewFreesoundService(cfg.FreesoundKey, filepath.Join(cfg.WorkDir, "music-cache"), "")
		log.Println("Background music: Freesound")
	} else {
		log.Println("Warning: FREESOUND_API_KEY not set, renders use a placeholder music bed")
	}

	renditions, err := assembler.ParseRenditions(cfg.HLSRenditions)
	if err != nil {
		log.Fatalf("Invalid HLS_RENDITIONS: %v", err)
	}
	deps.Assembler = assembler.New(assembler.Config{
		Width:             cfg.RenderWidth,
		Height:            cfg.RenderHeight,
		FPS:               cfg.RenderFPS,
		HLSSegmentSeconds: cfg.HLSSegmentSeconds,
		Renditions:        renditions,
		BurnSubtitles:     cfg.BurnSubtitles,
		StageTimeout:      cfg.StageTimeout,
		StageRetries:      cfg.StageRetries,
		RetryBackoff:      2 * time.Second,
		UploadConcurrency: 4,
	}, runner, stor)

	orchestrator := pipeline.New(pipeline.Config{
		WorkDir:      cfg.WorkDir,
		MaxOvershoot: cfg.MaxOvershootSeconds,
		AspectRatio:  cfg.DefaultAspectRatio,
		JobTimeout:   cfg.JobTimeout,
		KeepScratch:  cfg.KeepScratch,
	}, deps)

	handler := api.NewHandler(orchestrator)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Warning: server forced to shutdown: %v", err)
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		log.Printf("Warning: in-flight renders cancelled: %v", err)
	}

	log.Println("Server exited")
}

// buildRegistry registers every vendor with credentials, in the declaration
// order of the capability table. Fallbacks and the high-capacity provider
// that have no credentials are dropped with a warning.
func buildRegistry(ctx context.Context, cfg *config.Config) (*generation.Registry, error) {
	vendors := make(map[string]generation.AsyncProvider)
	if cfg.GeminiKey != "" {
		veo, err := services.NewVeoService(ctx, cfg.GeminiKey, cfg.VeoModel)
		if err != nil {
			return nil, err
		}
		vendors[veo.Name()] = veo
	}
	if cfg.FalKey != "" {
		kling := services.NewKlingService(cfg.FalKey, cfg.KlingModel, "")
		vendors[kling.Name()] = kling
	}
	if cfg.XAIAPIKey != "" {
		xai := services.NewXAIVideoService(cfg.XAIAPIKey, "")
		vendors[xai.Name()] = xai
	}

	var fallbacks []string
	for _, name := range cfg.GenerationFallbacks {
		if _, ok := vendors[name]; !ok {
			log.Printf("Warning: fallback provider %q has no credentials, skipping", name)
			continue
		}
		fallbacks = append(fallbacks, name)
	}
	highCapacity := cfg.HighCapacityProvider
	if _, ok := vendors[highCapacity]; highCapacity != "" && !ok {
		log.Printf("Warning: high-capacity provider %q has no credentials, segments will not use one", highCapacity)
		highCapacity = ""
	}

	registry := generation.NewRegistry(fallbacks, highCapacity)
	for _, capability := range generation.DefaultCapabilities() {
		vendor, ok := vendors[capability.Name]
		if !ok {
			continue
		}
		registry.Register(capability, generation.Await(vendor, cfg.ProviderPollInterval, cfg.ProviderMaxWait))
		log.Printf("Generation provider enabled: %s (durations=%v, quality=%d)", capability.Name, capability.Durations, capability.Quality)
	}

	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}
