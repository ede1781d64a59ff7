package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/storyteller/internal/generation"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation Service
// Deferred request pattern: submit generation → poll by request_id.
// The scheduler's poller drives the loop and downloads the result.
// ---------------------------------------------------------------------------

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiMinDuration       = 1  // xAI minimum video duration
	xaiMaxDuration       = 15 // xAI maximum video duration
	xaiDefaultAspect     = "9:16"
	xaiDefaultResolution = "720p" // 720p or 480p supported
	maxErrorBody         = 500
)

// XAIVideoService submits and polls clips on xAI's Grok Imagine Video API.
type XAIVideoService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ generation.AsyncProvider = (*XAIVideoService)(nil)

// NewXAIVideoService creates the service. An empty baseURL uses the public API.
func NewXAIVideoService(apiKey, baseURL string) *XAIVideoService {
	if baseURL == "" {
		baseURL = xaiBaseURL
	}
	return &XAIVideoService{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
	}
}

func (s *XAIVideoService) Name() string { return "xai" }

// xaiGenerationRequest is the body for POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// xaiVideoResult is the response from GET /v1/videos/{request_id}.
//
// xAI returns different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"grok-imagine-video"}
//     (no "status" field when completed)
//   - Failed: {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// buildXAIVideoPrompt appends the style direction and the silent-video rule.
func buildXAIVideoPrompt(req generation.Request) string {
	prompt := req.Prompt
	if req.Style != "" {
		prompt += fmt.Sprintf("\n\nVisual style: %q.", req.Style)
	}
	if req.NegativePrompt != "" {
		prompt += "\nAvoid: " + req.NegativePrompt + "."
	}
	return prompt + "\nGenerate natural, cinematic movement. Silent video only, no generated audio or dialogue."
}

// Submit starts a generation and returns its request_id.
func (s *XAIVideoService) Submit(ctx context.Context, req generation.Request) (string, error) {
	duration := min(max(req.Duration, xaiMinDuration), xaiMaxDuration)
	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = xaiDefaultAspect
	}

	reqBody := xaiGenerationRequest{
		Prompt:      buildXAIVideoPrompt(req),
		Model:       xaiVideoModel,
		Duration:    duration,
		AspectRatio: aspectRatio,
		Resolution:  xaiDefaultResolution,
		Seed:        req.Seed,
	}
	if req.StyleReferenceURL != "" {
		reqBody.Image = &xaiImageInput{URL: req.StyleReferenceURL}
	}

	log.Printf("[xAI Video] Segment %d: starting generation (promptLen=%d, hasImage=%v, duration=%ds, aspect=%s)",
		req.SegmentIndex, len(reqBody.Prompt), reqBody.Image != nil, duration, aspectRatio)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := doRequest(s.httpClient, httpReq)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", status, snippet(body))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, snippet(body))
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", snippet(body))
	}
	return genResp.RequestID, nil
}

// Poll reads the state of a request. A video object with a URL means done
// whatever the status field says.
func (s *XAIVideoService) Poll(ctx context.Context, requestID string) (*generation.PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", s.baseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, status, err := doRequest(s.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	// 202 with {"status":"pending"} while the video is being generated.
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", status, snippet(body))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse video result: %w (body: %s)", err, snippet(body))
	}

	switch {
	case result.Video != nil && result.Video.URL != "":
		return &generation.PollResult{State: generation.StateSucceeded, URL: result.Video.URL}, nil
	case result.Status == "failed" || result.Status == "expired":
		return &generation.PollResult{State: generation.StateFailed, Message: result.Error}, nil
	default:
		return &generation.PollResult{State: generation.StatePending}, nil
	}
}

// doRequest sends req and reads the whole body.
func doRequest(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func snippet(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
