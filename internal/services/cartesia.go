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

const (
	cartesiaAPIVersion     = "2024-06-10"
	cartesiaModel          = "sonic-english"
	cartesiaDefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
	cartesiaSampleRate     = 44100
)

// CartesiaService is the TTS fallback when ElevenLabs is not configured.
// It asks for WAV so narration needs no transcoding before mixing.
type CartesiaService struct {
	apiKey  string
	apiURL  string
	voiceID string
	client  *http.Client
}

var _ TTSService = (*CartesiaService)(nil)

func NewCartesiaService(apiKey, apiURL, voiceID string) *CartesiaService {
	if voiceID == "" {
		voiceID = cartesiaDefaultVoiceID
	}
	return &CartesiaService{
		apiKey:  apiKey,
		apiURL:  strings.TrimRight(apiURL, "/"),
		voiceID: voiceID,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type cartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        cartesiaVoice             `json:"voice"`
	Language     string                    `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat      `json:"output_format"`
	Config       *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed   *float64 `json:"speed,omitempty"`
	Emotion *string  `json:"emotion,omitempty"`
}

func (s *CartesiaService) GenerateSpeech(ctx context.Context, text, voiceStyle string) (*TTSResponse, error) {
	emotion := parseEmotionFromStyle(voiceStyle)
	speed := narrationSpeed

	jsonData, err := json.Marshal(cartesiaRequest{
		ModelID:    cartesiaModel,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: s.voiceID},
		Language:   "en",
		OutputFormat: cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Config: &cartesiaGenerationConfig{Speed: &speed, Emotion: &emotion},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", cartesiaAPIVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cartesia returned status %d: %s", resp.StatusCode, string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	log.Printf("[Cartesia] Speech generated (%d bytes, emotion=%s)", len(audioData), emotion)

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(text, speed),
		Format:     "wav",
	}, nil
}

// Speak returns the encoded audio for one narration line.
func (s *CartesiaService) Speak(ctx context.Context, text, voiceStyle string) ([]byte, error) {
	return speak(ctx, s, text, voiceStyle)
}

// parseEmotionFromStyle maps words in a free-form delivery note to an emotion tag.
func parseEmotionFromStyle(style string) string {
	emotionMap := []struct{ keyword, emotion string }{
		{"energetic", "excited"},
		{"engaging", "enthusiastic"},
		{"mysterious", "mysterious"},
		{"serious", "calm"},
		{"authoritative", "confident"},
		{"dramatic", "intense"},
		{"calm", "calm"},
		{"peaceful", "peaceful"},
		{"excited", "excited"},
		{"happy", "happy"},
		{"sad", "sad"},
		{"angry", "angry"},
		{"scared", "scared"},
		{"confident", "confident"},
	}

	lower := strings.ToLower(style)
	for _, e := range emotionMap {
		if strings.Contains(lower, e.keyword) {
			return e.emotion
		}
	}
	return "neutral"
}

// estimateAudioDuration assumes ~140 words per minute at speed 1.0.
func estimateAudioDuration(text string, speed float64) int {
	words := len(strings.Fields(text))
	if speed <= 0 {
		speed = 1
	}
	minutes := float64(words) / (140.0 * speed)
	return int(minutes * 60 * 1000)
}
