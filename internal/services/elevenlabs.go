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
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Model: eleven_flash_v2_5 (fast, multilingual, low latency)
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"
	narrationSpeed         = 0.85
)

type ElevenLabsService struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
	client  *http.Client
}

var _ TTSService = (*ElevenLabsService)(nil)

// NewElevenLabsService creates the service. Empty voiceID or baseURL use the defaults.
func NewElevenLabsService(apiKey, voiceID, baseURL string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	Speed         *float64                 `json:"speed,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// GenerateSpeech speaks one narration line. The delivery style nudges the
// voice stability: calm deliveries are steadier, dramatic ones looser.
func (s *ElevenLabsService) GenerateSpeech(ctx context.Context, text, voiceStyle string) (*TTSResponse, error) {
	speed := narrationSpeed
	settings := &elevenLabsVoiceSettings{
		Stability:       0.60,
		SimilarityBoost: 0.80,
		Style:           0.35,
		UseSpeakerBoost: true,
	}
	switch parseEmotionFromStyle(voiceStyle) {
	case "calm", "peaceful":
		settings.Stability = 0.75
	case "intense", "excited", "angry":
		settings.Stability = 0.45
		settings.Style = 0.55
	}

	jsonData, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       s.modelID,
		Speed:         &speed,
		VoiceSettings: settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	log.Printf("[ElevenLabs] Generating speech (voiceID=%s, model=%s, textLen=%d)", s.voiceID, s.modelID, len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ElevenLabs returned status %d: %s", resp.StatusCode, string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("ElevenLabs returned empty audio")
	}

	durationMs := estimateAudioDuration(text, speed)
	log.Printf("[ElevenLabs] Speech generated (%d bytes, estimated %dms)", len(audioData), durationMs)

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: durationMs,
		Format:     "mp3",
	}, nil
}

// Speak returns the encoded audio for one narration line.
func (s *ElevenLabsService) Speak(ctx context.Context, text, voiceStyle string) ([]byte, error) {
	return speak(ctx, s, text, voiceStyle)
}
