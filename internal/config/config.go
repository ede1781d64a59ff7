package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	ShutdownGrace      time.Duration

	// Job status table (empty REDIS_URL = in-process map)
	RedisURL string
	JobTTL   time.Duration

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI-compatible endpoint (used for timeline planning)
	OpenAIKey     string
	OpenAIBaseURL string
	PlanModels    []string

	// Veo (Gemini API)
	GeminiKey string
	VeoModel  string

	// xAI (Grok Imagine Video)
	XAIAPIKey string

	// fal.ai (Kling)
	FalKey     string
	KlingModel string

	// ElevenLabs (preferred TTS provider)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Cartesia (used when ElevenLabs key is not set)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string

	// Freesound (background music search)
	FreesoundKey string

	// Generation scheduler
	GenerationConcurrency int
	GenerationFallbacks   []string
	HighCapacityProvider  string
	ProviderPollInterval  time.Duration
	ProviderMaxWait       time.Duration
	MinClipBytes          int64
	DownloadAttempts      int
	MaxOvershootSeconds   int

	// Assembly
	StageTimeout      time.Duration
	StageRetries      int
	RenderWidth       int
	RenderHeight      int
	RenderFPS         int
	HLSSegmentSeconds int
	HLSRenditions     []string
	BurnSubtitles     bool

	// Audio
	MixEngine string // "pcm" or "ffmpeg"

	// Jobs
	JobTimeout         time.Duration // 0 = no overall limit
	DefaultAspectRatio string
	KeepScratch        bool

	WorkDir       string
	MetricsStdout bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		ShutdownGrace:         getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		RedisURL:              getEnv("REDIS_URL", ""),
		JobTTL:                getEnvDuration("JOB_TTL", 24*time.Hour),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "storyteller-renders"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", ""),
		PlanModels:            getEnvList("PLAN_MODELS", []string{"gpt-4o-mini", "gpt-4o"}),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		FalKey:                getEnv("FAL_KEY", ""),
		KlingModel:            getEnv("KLING_MODEL", "fal-ai/kling-video/v2.1/standard/text-to-video"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:           getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:           getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:       getEnv("CARTESIA_VOICE_ID", ""),
		FreesoundKey:          getEnv("FREESOUND_API_KEY", ""),
		GenerationConcurrency: getEnvInt("GENERATION_CONCURRENCY", 3),
		GenerationFallbacks:   getEnvList("GENERATION_FALLBACKS", []string{"veo", "xai"}),
		HighCapacityProvider:  getEnv("HIGH_CAPACITY_PROVIDER", "xai"),
		ProviderPollInterval:  getEnvDuration("PROVIDER_POLL_INTERVAL", 5*time.Second),
		ProviderMaxWait:       getEnvDuration("PROVIDER_MAX_WAIT", 10*time.Minute),
		MinClipBytes:          int64(getEnvInt("MIN_CLIP_BYTES", 10*1024)),
		DownloadAttempts:      getEnvInt("DOWNLOAD_ATTEMPTS", 3),
		MaxOvershootSeconds:   getEnvInt("MAX_OVERSHOOT_SECONDS", 2),
		StageTimeout:          getEnvDuration("FFMPEG_STAGE_TIMEOUT", 600*time.Second),
		StageRetries:          getEnvInt("FFMPEG_STAGE_RETRIES", 2),
		RenderWidth:           getEnvInt("RENDER_WIDTH", 1080),
		RenderHeight:          getEnvInt("RENDER_HEIGHT", 1920),
		RenderFPS:             getEnvInt("RENDER_FPS", 30),
		HLSSegmentSeconds:     getEnvInt("HLS_SEGMENT_SECONDS", 5),
		HLSRenditions:         getEnvList("HLS_RENDITIONS", []string{"720"}),
		BurnSubtitles:         getEnvBool("BURN_SUBTITLES", false),
		MixEngine:             getEnv("MIX_ENGINE", "pcm"),
		JobTimeout:            getEnvDuration("JOB_TIMEOUT", 45*time.Minute),
		DefaultAspectRatio:    getEnv("DEFAULT_ASPECT_RATIO", "9:16"),
		KeepScratch:           getEnvBool("KEEP_SCRATCH", false),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()),
		MetricsStdout:         getEnvBool("METRICS_STDOUT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment needs.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	if c.GeminiKey == "" && c.XAIAPIKey == "" && c.FalKey == "" {
		return fmt.Errorf("at least one of GEMINI_API_KEY, XAI_API_KEY or FAL_KEY is required for clip generation")
	}

	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if c.GenerationConcurrency < 1 {
		return fmt.Errorf("GENERATION_CONCURRENCY must be >= 1, got %d", c.GenerationConcurrency)
	}

	if c.DownloadAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_ATTEMPTS must be >= 1, got %d", c.DownloadAttempts)
	}

	if c.StageRetries < 0 {
		return fmt.Errorf("FFMPEG_STAGE_RETRIES must be >= 0, got %d", c.StageRetries)
	}

	if c.HLSSegmentSeconds < 1 {
		return fmt.Errorf("HLS_SEGMENT_SECONDS must be >= 1, got %d", c.HLSSegmentSeconds)
	}

	if len(c.HLSRenditions) == 0 {
		return fmt.Errorf("HLS_RENDITIONS must list at least one rendition height")
	}

	if c.JobTimeout < 0 {
		return fmt.Errorf("JOB_TIMEOUT must be >= 0, got %v", c.JobTimeout)
	}

	switch c.MixEngine {
	case "pcm", "ffmpeg":
	default:
		return fmt.Errorf("MIX_ENGINE must be pcm or ffmpeg, got %q", c.MixEngine)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList reads a comma-separated list, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
