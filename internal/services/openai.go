package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/models"
)

const maxLogLen = 2000

// DefaultPlanModels is tried in order until one returns a usable timeline.
var DefaultPlanModels = []string{"gpt-4.1", "gpt-4o", "gpt-4o-mini"}

// OpenAIService writes per-second timelines with any OpenAI-compatible
// chat completion endpoint (OpenAI itself or a router such as OpenRouter).
type OpenAIService struct {
	client *openai.Client
	models []string
	policy deadline.Policy
}

func NewOpenAIService(apiKey, baseURL string, planModels []string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if len(planModels) == 0 {
		planModels = DefaultPlanModels
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		models: planModels,
		policy: deadline.Policy{Timeout: 60 * time.Second, Attempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second},
	}
}

// GeneratePlan asks each configured model in turn for a timeline of exactly
// req.Duration seconds. Malformed JSON gets one repair pass; fields outside
// the allowed vocabularies are replaced with defaults.
func (s *OpenAIService) GeneratePlan(ctx context.Context, req models.RenderRequest) (*models.Timeline, error) {
	var errs []error
	for _, model := range s.models {
		tl, err := s.planWithModel(ctx, model, req)
		if err == nil {
			log.Printf("[OpenAI plan] timeline ready (%ds) via %s", req.Duration, model)
			return tl, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[OpenAI plan] Warning: model %s failed: %v", model, err)
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
	}
	return nil, fmt.Errorf("all plan models failed: %w", errors.Join(errs...))
}

func (s *OpenAIService) planWithModel(ctx context.Context, model string, req models.RenderRequest) (*models.Timeline, error) {
	raw, err := deadline.Call(ctx, "plan "+model, s.policy, func(ctx context.Context) (string, error) {
		return s.complete(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: buildPlanSystemPrompt(req)},
				{Role: openai.ChatMessageRoleUser, Content: buildPlanUserPrompt(req)},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: temperatureFor(req.Duration),
		})
	})
	if err != nil {
		return nil, err
	}

	raw, err = s.repairJSON(ctx, model, raw)
	if err != nil {
		return nil, err
	}

	var plan rawPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		logRaw(raw)
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Timeline) != req.Duration {
		return nil, fmt.Errorf("timeline has %d seconds, want %d", len(plan.Timeline), req.Duration)
	}

	tl := sanitizePlan(plan)
	if err := tl.Validate(req.Duration); err != nil {
		return nil, err
	}
	return tl, nil
}

// repairJSON returns raw unchanged when it parses, otherwise asks the model
// to fix the syntax once.
func (s *OpenAIService) repairJSON(ctx context.Context, model, raw string) (string, error) {
	if json.Valid([]byte(raw)) {
		return raw, nil
	}
	log.Printf("[OpenAI plan] %s returned invalid JSON, attempting repair", model)

	input := raw
	if len(input) > 7000 {
		input = input[:7000]
	}
	fixed, err := deadline.Call(ctx, "plan repair "+model, deadline.Once(s.policy.Timeout), func(ctx context.Context) (string, error) {
		return s.complete(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Fix this JSON so it is syntactically valid. Return only the JSON."},
				{Role: openai.ChatMessageRoleUser, Content: input},
			},
			Temperature: 0,
		})
	})
	if err != nil {
		return "", fmt.Errorf("json repair failed: %w", err)
	}
	fixed = stripFences(fixed)
	if !json.Valid([]byte(fixed)) {
		logRaw(fixed)
		return "", errors.New("json repair returned invalid JSON")
	}
	return fixed, nil
}

func (s *OpenAIService) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return "", deadline.Permanent(fmt.Errorf("openai request rejected: %w", err))
		}
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return stripFences(resp.Choices[0].Message.Content), nil
}

// stripFences removes a ```json ... ``` wrapper some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func logRaw(raw string) {
	if len(raw) > maxLogLen {
		log.Printf("[OpenAI plan] raw response (truncated): %s...", raw[:maxLogLen])
	} else {
		log.Printf("[OpenAI plan] raw response: %s", raw)
	}
}

// temperatureFor loosens sampling for longer stories.
func temperatureFor(duration int) float32 {
	switch {
	case duration <= 15:
		return 0.55
	case duration <= 30:
		return 0.7
	default:
		return 0.85
	}
}

func buildPlanSystemPrompt(req models.RenderRequest) string {
	mode := req.Mode
	if mode == "" {
		mode = "cinematic"
	}
	style := req.VisualStyle
	if style == "" {
		style = "realistic"
	}

	return fmt.Sprintf(`You are a world-class film and TV showrunner. Write an ultra detailed shooting script where 1 second = 1 object in the "timeline" array.

STRICT JSON FORMAT:

{
 "title": "short title",
 "timeline": [
   {
     "t": 0,
     "visual": "exact description of what is on screen",
     "camera": {"shot": "%s", "movement": "%s"},
     "emotion": "wonder",
     "sceneMood": "%s",
     "style": "%s",
     "soundCue": "%s",
     "transition": "%s",
     "dialogue": "(optional) on-screen character line, at most 15 words",
     "voiceLine": "(optional) narrator voice-over"
   }
 ]
}

Rules:
- timeline length MUST equal %d. t runs 0, 1, 2 ... with no gaps.
- Consecutive seconds of the same shot should repeat the same visual so clips stay coherent.
- soundCue shapes the music: quiet for calm passages, rise to build, climax at the peak, fade to close.
- Repeat a voiceLine on consecutive seconds while it is being spoken; it is read once.
- Mode: %s. Visual style: %s.
- No markdown, no commentary, JSON only.`,
		strings.Join(allowedShots, "|"),
		strings.Join(allowedMoves, "|"),
		strings.Join(allowedSceneMoods, "|"),
		style,
		strings.Join(allowedSoundCues, "|"),
		strings.Join(allowedTransitions, "|"),
		req.Duration, mode, style,
	)
}

func buildPlanUserPrompt(req models.RenderRequest) string {
	prompt := fmt.Sprintf("Story: %s\n\nDuration: %d seconds", req.Prompt, req.Duration)
	var extras []string
	if req.MusicMood != "" {
		extras = append(extras, "Music mood: "+req.MusicMood)
	}
	if req.AspectRatio != "" {
		extras = append(extras, "Aspect ratio: "+req.AspectRatio)
	}
	if len(extras) > 0 {
		prompt += "\n\n- " + strings.Join(extras, "\n- ")
	}
	return prompt
}
