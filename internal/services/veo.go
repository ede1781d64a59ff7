package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/bobarin/storyteller/internal/generation"
)

// ---------------------------------------------------------------------------
// Veo Video Generation Service
// Uses the Google Gen AI SDK. Submit starts a long-running operation; Poll
// re-reads it by name and returns the file URI once the video is ready.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel  = "veo-3.1-generate-preview"
	veoDefaultAspect = "9:16"
)

// VeoService renders 4, 6 or 8 second clips on Google's Veo models.
type VeoService struct {
	apiKey string
	model  string
	client *genai.Client
}

var _ generation.AsyncProvider = (*VeoService)(nil)

// NewVeoService creates the service and its genai client.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(ctx context.Context, apiKey, model string) (*VeoService, error) {
	if model == "" {
		model = defaultVeoModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoService{apiKey: apiKey, model: model, client: client}, nil
}

func (s *VeoService) Name() string { return "veo" }

// buildVeoPrompt adds the style and motion direction to the segment prompt.
func buildVeoPrompt(req generation.Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.Style != "" {
		fmt.Fprintf(&b, "\n\nVisual style direction: %s. Keep the style, palette and lighting consistent for the whole clip.", req.Style)
	}
	b.WriteString("\n\nMotion direction: natural, grounded movement. Avoid sudden jerky motion, morphing or style changes between frames.")
	b.WriteString("\n\nAll subjects are unnamed, generic figures. No generated audio or dialogue. Silent video only.")
	return b.String()
}

func buildVeoConfig(req generation.Request) *genai.GenerateVideosConfig {
	aspect := req.AspectRatio
	if aspect != "16:9" && aspect != "9:16" {
		aspect = veoDefaultAspect
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspect,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		NegativePrompt:   req.NegativePrompt,
	}
	if req.Duration > 0 {
		config.DurationSeconds = genai.Ptr(int32(req.Duration))
	}
	if req.Seed != nil {
		config.Seed = genai.Ptr(int32(*req.Seed))
	}
	return config
}

// Submit starts the operation and returns its name as the handle.
func (s *VeoService) Submit(ctx context.Context, req generation.Request) (string, error) {
	prompt := buildVeoPrompt(req)

	log.Printf("[Veo] Segment %d: starting video generation (model=%s, promptLen=%d, duration=%ds)", req.SegmentIndex, s.model, len(prompt), req.Duration)

	operation, err := s.client.Models.GenerateVideos(ctx, s.model, prompt, nil, buildVeoConfig(req))
	if err != nil {
		return "", fmt.Errorf("failed to start video generation: %w", err)
	}
	return operation.Name, nil
}

// Poll re-reads the operation. Finished videos are downloaded straight from
// the file URI, which needs the API key header.
func (s *VeoService) Poll(ctx context.Context, handle string) (*generation.PollResult, error) {
	operation, err := s.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll operation: %w", err)
	}
	return s.interpret(operation), nil
}

func (s *VeoService) interpret(operation *genai.GenerateVideosOperation) *generation.PollResult {
	if !operation.Done {
		return &generation.PollResult{State: generation.StatePending}
	}

	// Operation-level errors (invalid request, quota exceeded)
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &generation.PollResult{State: generation.StateFailed, Message: string(errJSON)}
	}

	resp := operation.Response
	if resp == nil {
		return &generation.PollResult{State: generation.StateFailed, Message: "no response in completed operation " + operation.Name}
	}
	if resp.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(resp.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(resp.RAIMediaFilteredReasons, ", ")
		}
		return &generation.PollResult{State: generation.StateFailed, Message: "blocked by safety filters: " + reasons}
	}
	if len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil || resp.GeneratedVideos[0].Video.URI == "" {
		return &generation.PollResult{State: generation.StateFailed, Message: "no video uri in response"}
	}

	header := http.Header{}
	header.Set("x-goog-api-key", s.apiKey)
	return &generation.PollResult{
		State:  generation.StateSucceeded,
		URL:    resp.GeneratedVideos[0].Video.URI,
		Header: header,
	}
}
