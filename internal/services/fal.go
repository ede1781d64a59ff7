package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bobarin/storyteller/internal/generation"
)

// ---------------------------------------------------------------------------
// Kling via the fal.ai queue
// submit → {response_url} → poll {response_url}/status → fetch {response_url}
// ---------------------------------------------------------------------------

const (
	falQueueURL           = "https://queue.fal.run"
	defaultKlingModel     = "fal-ai/kling-video/v2.1/standard/text-to-video"
	klingDefaultAspect    = "16:9"
	klingDefaultNegPrompt = "blur, distort, and low quality"
)

var klingAspectRatios = []string{"16:9", "1:1", "9:16"}

// KlingService renders 5 or 10 second clips through fal's async queue.
type KlingService struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ generation.AsyncProvider = (*KlingService)(nil)

// NewKlingService creates the service. Empty model or baseURL use the defaults.
func NewKlingService(apiKey, model, baseURL string) *KlingService {
	if model == "" {
		model = defaultKlingModel
	}
	if baseURL == "" {
		baseURL = falQueueURL
	}
	return &KlingService{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      strings.Trim(model, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *KlingService) Name() string { return "kling" }

type klingRequest struct {
	Prompt         string  `json:"prompt"`
	Duration       string  `json:"duration"`
	AspectRatio    string  `json:"aspect_ratio"`
	NegativePrompt string  `json:"negative_prompt"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

type falQueueResponse struct {
	RequestID   string `json:"request_id"`
	ResponseURL string `json:"response_url"`
	StatusURL   string `json:"status_url"`
}

type falStatus struct {
	Status string `json:"status"` // IN_QUEUE, IN_PROGRESS, COMPLETED
	Error  string `json:"error,omitempty"`
}

// klingDuration snaps to the two clip lengths Kling accepts.
func klingDuration(d int) string {
	if d > 5 {
		return "10"
	}
	return "5"
}

func klingAspect(ratio string) string {
	if slices.Contains(klingAspectRatios, ratio) {
		return ratio
	}
	return klingDefaultAspect
}

// Submit enqueues a request. The handle is fal's response_url; the status
// endpoint hangs off it.
func (s *KlingService) Submit(ctx context.Context, req generation.Request) (string, error) {
	neg := req.NegativePrompt
	if neg == "" {
		neg = klingDefaultNegPrompt
	}
	prompt := req.Prompt
	if req.Style != "" && !strings.Contains(prompt, req.Style) {
		prompt += ", " + req.Style + " style"
	}

	jsonData, err := json.Marshal(klingRequest{
		Prompt:         prompt,
		Duration:       klingDuration(req.Duration),
		AspectRatio:    klingAspect(req.AspectRatio),
		NegativePrompt: neg,
		CFGScale:       0.5,
		Seed:           req.Seed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+s.model, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+s.apiKey)

	body, status, err := doRequest(s.httpClient, httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("fal returned status %d: %s", status, snippet(body))
	}

	var queued falQueueResponse
	if err := json.Unmarshal(body, &queued); err != nil {
		return "", fmt.Errorf("failed to parse queue response: %w (body: %s)", err, snippet(body))
	}
	handle := queued.ResponseURL
	if handle == "" && queued.RequestID != "" {
		handle = fmt.Sprintf("%s/%s/requests/%s", s.baseURL, s.model, queued.RequestID)
	}
	if handle == "" {
		return "", fmt.Errorf("no request_id in queue response: %s", snippet(body))
	}

	log.Printf("[Kling] Segment %d queued (request_id=%s, duration=%ss)", req.SegmentIndex, queued.RequestID, klingDuration(req.Duration))
	return handle, nil
}

// Poll checks the queue status and, once completed, reads the result payload.
func (s *KlingService) Poll(ctx context.Context, responseURL string) (*generation.PollResult, error) {
	body, err := s.get(ctx, responseURL+"/status")
	if err != nil {
		return nil, err
	}
	var st falStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w (body: %s)", err, snippet(body))
	}

	switch strings.ToUpper(st.Status) {
	case "IN_QUEUE", "IN_PROGRESS":
		return &generation.PollResult{State: generation.StatePending}, nil
	case "COMPLETED":
	default:
		return &generation.PollResult{State: generation.StateFailed, Message: "status " + st.Status + " " + st.Error}, nil
	}

	body, err = s.get(ctx, responseURL)
	if err != nil {
		return nil, err
	}
	if url := generation.ExtractVideoURL(body); url != "" {
		return &generation.PollResult{State: generation.StateSucceeded, URL: url}, nil
	}
	return &generation.PollResult{State: generation.StateFailed, Message: "no video url in result: " + snippet(body)}, nil
}

func (s *KlingService) get(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+s.apiKey)

	body, status, err := doRequest(s.httpClient, httpReq)
	if err != nil {
		return nil, err
	}
	// fal answers 202 on status while the request is still queued.
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, fmt.Errorf("fal returned status %d: %s", status, snippet(body))
	}
	return body, nil
}
