package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/storyteller/internal/deadline"
)

const (
	// Upload timeout per attempt, generous for full-length renders
	uploadTimeout = 180 * time.Second

	// HEAD check after publishing
	verifyTimeout = 15 * time.Second

	// Retry configuration
	uploadAttempts = 5
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Publisher is durable storage for finished clips and renders.
type Publisher interface {
	// Publish uploads a local file under key and returns its public URL.
	Publish(ctx context.Context, localPath, key, contentType string) (string, error)
	// Verify reports whether a published URL is reachable.
	Verify(ctx context.Context, url string) bool
}

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	policy     deadline.Policy
}

var _ Publisher = (*Storage)(nil)

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		policy: deadline.Policy{
			Timeout:   uploadTimeout,
			Attempts:  uploadAttempts,
			BaseDelay: baseRetryDelay,
			MaxDelay:  maxRetryDelay,
		},
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Upload uploads a file to Supabase Storage with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert for reliable large file uploads.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)

	return deadline.Run(ctx, "upload "+key, s.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return deadline.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		req.ContentLength = int64(len(data))

		resp, err := s.client.Do(req)
		if err != nil {
			err = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				return err
			}
			return deadline.Permanent(err)
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}

		err = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		if isRetryableStatus(resp.StatusCode) {
			return err
		}
		// 400, 401, 403, 404, 413 and friends will not get better
		return deadline.Permanent(err)
	})
}

// Publish uploads a local file and returns its public URL.
func (s *Storage) Publish(ctx context.Context, localPath, key, contentType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", localPath, err)
	}

	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}

	return s.GetPublicURL(key), nil
}

// Verify issues a HEAD request against a published URL.
func (s *Storage) Verify(ctx context.Context, url string) bool {
	headCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[Storage] HEAD %s failed: %v", url, err)
		return false
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

// ObjectKey joins a job id and a file name into a storage key.
func ObjectKey(jobID string, parts ...string) string {
	return path.Join(append([]string{jobID}, parts...)...)
}

// ContentTypeFor guesses the content type of a published artefact from its extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
