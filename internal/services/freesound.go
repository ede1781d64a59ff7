package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/storyteller/internal/deadline"
)

const (
	freesoundBaseURL = "https://freesound.org/apiv2"
	freesoundFilter  = `duration:[60 TO 600] license:"Creative Commons 0"`
	freesoundPreview = "preview-hq-mp3"
)

// FreesoundService finds a CC0 background track for a mood and caches the
// preview on disk by track id.
type FreesoundService struct {
	apiKey   string
	baseURL  string
	cacheDir string
	client   *http.Client
	policy   deadline.Policy
}

func NewFreesoundService(apiKey, cacheDir, baseURL string) *FreesoundService {
	if baseURL == "" {
		baseURL = freesoundBaseURL
	}
	return &FreesoundService{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 60 * time.Second},
		policy:   deadline.Policy{Timeout: 60 * time.Second, Attempts: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second},
	}
}

type freesoundSearchResponse struct {
	Results []freesoundSound `json:"results"`
}

type freesoundSound struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Duration float64           `json:"duration"`
	Previews map[string]string `json:"previews"`
}

// Search returns mp3 bytes for the best match, or nil when nothing matches.
func (s *FreesoundService) Search(ctx context.Context, mood string) ([]byte, error) {
	mood = strings.TrimSpace(mood)
	if mood == "" {
		mood = "ambient"
	}

	sound, err := deadline.Call(ctx, "freesound search", s.policy, func(ctx context.Context) (*freesoundSound, error) {
		return s.search(ctx, mood)
	})
	if err != nil {
		return nil, err
	}
	if sound == nil {
		log.Printf("[Freesound] No track found for mood %q", mood)
		return nil, nil
	}

	cachePath := filepath.Join(s.cacheDir, fmt.Sprintf("%d.mp3", sound.ID))
	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		log.Printf("[Freesound] Cache hit for track %d (%s)", sound.ID, sound.Name)
		return data, nil
	}

	preview := sound.Previews[freesoundPreview]
	if preview == "" {
		return nil, fmt.Errorf("track %d has no %s preview", sound.ID, freesoundPreview)
	}

	data, err := deadline.Call(ctx, "freesound download", s.policy, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, preview, nil)
		if err != nil {
			return nil, deadline.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		body, status, err := doRequest(s.client, req)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("preview download returned status %d", status)
		}
		if len(body) == 0 {
			return nil, fmt.Errorf("preview download is empty")
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store(cachePath, data); err != nil {
		log.Printf("[Freesound] Warning: failed to cache track %d: %v", sound.ID, err)
	}
	log.Printf("[Freesound] Using track %d (%s, %.0fs, %d bytes)", sound.ID, sound.Name, sound.Duration, len(data))
	return data, nil
}

func (s *FreesoundService) search(ctx context.Context, mood string) (*freesoundSound, error) {
	q := url.Values{}
	q.Set("query", mood+" cinematic")
	q.Set("fields", "id,name,previews,duration,license")
	q.Set("filter", freesoundFilter)
	q.Set("sort", "score")
	q.Set("token", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search/text/?"+q.Encode(), nil)
	if err != nil {
		return nil, deadline.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	body, status, err := doRequest(s.client, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, deadline.Permanent(fmt.Errorf("freesound returned status %d: %s", status, snippet(body)))
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("freesound returned status %d: %s", status, snippet(body))
	}

	var resp freesoundSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// store writes through a temp file so a concurrent reader never sees a
// partial track.
func (s *FreesoundService) store(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".track-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
