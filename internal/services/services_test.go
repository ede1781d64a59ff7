package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/bobarin/storyteller/internal/audio"
	"github.com/bobarin/storyteller/internal/generation"
	"github.com/bobarin/storyteller/internal/models"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(b)
}

func planJSON(seconds int) string {
	var parts []string
	for i := 0; i < seconds; i++ {
		parts = append(parts, fmt.Sprintf(`{"t":%d,"visual":"harbor at dawn","camera":{"shot":"WIDE","movement":"spin"},"soundCue":"rise"}`, i+7))
	}
	return `{"title":"Harbor","timeline":[` + strings.Join(parts, ",") + `]}`
}

func openAIServer(t *testing.T, handle func(req chatRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handle(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeneratePlanFallsBackToNextModel(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := openAIServer(t, func(req chatRequest) (int, string) {
		mu.Lock()
		seen = append(seen, req.Model)
		mu.Unlock()
		if req.Model == "first" {
			return http.StatusOK, chatResponse(planJSON(3))
		}
		return http.StatusOK, chatResponse(planJSON(2))
	})

	svc := NewOpenAIService("key", srv.URL+"/v1", []string{"first", "second"})
	tl, err := svc.GeneratePlan(context.Background(), models.RenderRequest{Prompt: "a harbor", Duration: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, seen)
	require.Equal(t, 2, tl.Duration())
	require.Equal(t, 0, tl.Seconds[0].T)
	require.Equal(t, 1, tl.Seconds[1].T)
	require.Equal(t, "wide", tl.Seconds[0].Camera.Shot)
	require.Equal(t, "none", tl.Seconds[0].Camera.Movement)
	require.Equal(t, models.SoundCueRise, tl.Seconds[1].SoundCue)
}

func TestGeneratePlanRepairsInvalidJSON(t *testing.T) {
	var repairs int32
	srv := openAIServer(t, func(req chatRequest) (int, string) {
		if strings.HasPrefix(req.Messages[0].Content, "Fix this JSON") {
			atomic.AddInt32(&repairs, 1)
			return http.StatusOK, chatResponse("```json\n" + planJSON(2) + "\n```")
		}
		return http.StatusOK, chatResponse(strings.TrimSuffix(planJSON(2), "]}"))
	})

	svc := NewOpenAIService("key", srv.URL+"/v1", []string{"only"})
	tl, err := svc.GeneratePlan(context.Background(), models.RenderRequest{Prompt: "a harbor", Duration: 2})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&repairs))
	require.Equal(t, "Harbor", tl.Title)
}

func TestGeneratePlanDoesNotRetryRejectedRequests(t *testing.T) {
	var calls int32
	srv := openAIServer(t, func(req chatRequest) (int, string) {
		atomic.AddInt32(&calls, 1)
		return http.StatusBadRequest, `{"error":{"message":"bad request","type":"invalid_request_error"}}`
	})

	svc := NewOpenAIService("key", srv.URL+"/v1", []string{"only"})
	_, err := svc.GeneratePlan(context.Background(), models.RenderRequest{Prompt: "a harbor", Duration: 2})
	require.Error(t, err)
	require.Contains(t, err.Error(), "all plan models failed")
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSanitizePlan(t *testing.T) {
	tl := sanitizePlan(rawPlan{
		Title: "  Storm  ",
		Timeline: []rawSecond{
			{Visual: "lighthouse", Camera: rawCamera{Shot: "Close-Up", Movement: "ZOOM"}, SoundCue: "climax", Transition: "fade"},
			{Visual: "  ", SceneMood: "dark", SoundCue: "loud", Transition: "explode"},
		},
	})

	require.Equal(t, "Storm", tl.Title)
	require.Equal(t, "close-up", tl.Seconds[0].Camera.Shot)
	require.Equal(t, "zoom", tl.Seconds[0].Camera.Movement)
	require.Equal(t, models.SoundCueClimax, tl.Seconds[0].SoundCue)

	second := tl.Seconds[1]
	require.Equal(t, 1, second.T)
	require.Equal(t, "lighthouse", second.Visual)
	require.Equal(t, "medium", second.Camera.Shot)
	require.Equal(t, "none", second.Camera.Movement)
	require.Equal(t, "neutral", second.Emotion)
	require.Equal(t, "dark", second.SceneMood)
	require.Equal(t, models.SoundCueQuiet, second.SoundCue)
	require.Equal(t, "cut", second.Transition)
	require.NoError(t, tl.Validate(2))
}

func TestElevenLabsGenerateSpeech(t *testing.T) {
	var body elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" || r.URL.Query().Get("output_format") != elevenLabsOutputFormat {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("xi-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	svc := NewElevenLabsService("secret", "voice-1", srv.URL)
	resp, err := svc.GenerateSpeech(context.Background(), "The storm arrives tonight", "calm and slow")
	require.NoError(t, err)
	require.Equal(t, []byte("mp3-bytes"), resp.AudioData)
	require.Equal(t, "mp3", resp.Format)
	require.Positive(t, resp.DurationMs)
	require.Equal(t, "The storm arrives tonight", body.Text)
	require.InDelta(t, 0.75, body.VoiceSettings.Stability, 1e-9)
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := NewElevenLabsService("k", "", srv.URL).GenerateSpeech(context.Background(), "hi", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestCartesiaRequestsWAV(t *testing.T) {
	var body cartesiaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" || r.Header.Get("Cartesia-Version") != cartesiaAPIVersion {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	resp, err := NewCartesiaService("k", srv.URL, "").GenerateSpeech(context.Background(), "hello there", "mysterious")
	require.NoError(t, err)
	require.Equal(t, "wav", resp.Format)
	require.Equal(t, "wav", body.OutputFormat.Container)
	require.Equal(t, cartesiaDefaultVoiceID, body.Voice.ID)
	require.Equal(t, "mysterious", *body.Config.Emotion)
}

func TestCartesiaSpeak(t *testing.T) {
	var empty atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if empty.Load() {
			return
		}
		w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	var voice audio.Speaker = NewCartesiaService("k", srv.URL, "")
	speech, err := voice.Speak(context.Background(), "hello there", "")
	require.NoError(t, err)
	require.Equal(t, []byte("RIFF"), speech)

	empty.Store(true)
	_, err = voice.Speak(context.Background(), "hello there", "")
	require.ErrorContains(t, err, "empty audio")
}

func TestParseEmotionFromStyle(t *testing.T) {
	require.Equal(t, "intense", parseEmotionFromStyle("Dramatic, breathless"))
	require.Equal(t, "neutral", parseEmotionFromStyle(""))
	// First keyword in table order wins.
	require.Equal(t, "excited", parseEmotionFromStyle("energetic and calm"))
}

func freesoundServer(t *testing.T, results string, downloads *int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/text/":
			q := r.URL.Query()
			if q.Get("token") != "fs-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if q.Get("query") != "dark cinematic" || !strings.Contains(q.Get("filter"), `license:"Creative Commons 0"`) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			io.WriteString(w, strings.ReplaceAll(results, "{{base}}", srv.URL))
		case "/previews/42.mp3":
			atomic.AddInt32(downloads, 1)
			w.Write([]byte("ID3 music"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFreesoundSearchCachesByTrackID(t *testing.T) {
	var downloads int32
	srv := freesoundServer(t, `{"results":[{"id":42,"name":"Night","duration":120,"previews":{"preview-hq-mp3":"{{base}}/previews/42.mp3"}}]}`, &downloads)
	cache := t.TempDir()
	svc := NewFreesoundService("fs-key", cache, srv.URL)

	data, err := svc.Search(context.Background(), "dark")
	require.NoError(t, err)
	require.Equal(t, []byte("ID3 music"), data)

	cached, err := os.ReadFile(filepath.Join(cache, "42.mp3"))
	require.NoError(t, err)
	require.Equal(t, data, cached)

	data, err = svc.Search(context.Background(), "dark")
	require.NoError(t, err)
	require.Equal(t, []byte("ID3 music"), data)
	require.Equal(t, int32(1), atomic.LoadInt32(&downloads))
}

func TestFreesoundNoResults(t *testing.T) {
	var downloads int32
	srv := freesoundServer(t, `{"results":[]}`, &downloads)
	data, err := NewFreesoundService("fs-key", t.TempDir(), srv.URL).Search(context.Background(), "dark")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestFreesoundBadKeyIsNotRetried(t *testing.T) {
	var downloads int32
	srv := freesoundServer(t, `{"results":[]}`, &downloads)
	_, err := NewFreesoundService("wrong", t.TempDir(), srv.URL).Search(context.Background(), "dark")
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestKlingSubmitAndPoll(t *testing.T) {
	var statusCalls int32
	var submitted klingRequest
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key fal-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fal-ai/kling":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			fmt.Fprintf(w, `{"request_id":"r1","response_url":"%s/fal-ai/kling/requests/r1"}`, srv.URL)
		case r.URL.Path == "/fal-ai/kling/requests/r1/status":
			if atomic.AddInt32(&statusCalls, 1) == 1 {
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, `{"status":"IN_PROGRESS"}`)
				return
			}
			io.WriteString(w, `{"status":"COMPLETED"}`)
		case r.URL.Path == "/fal-ai/kling/requests/r1":
			io.WriteString(w, `{"video":{"url":"https://cdn.example/clip.mp4","content_type":"video/mp4"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := NewKlingService("fal-key", "fal-ai/kling", srv.URL)
	handle, err := svc.Submit(context.Background(), generation.Request{Prompt: "a lighthouse", Duration: 10, AspectRatio: "4:3"})
	require.NoError(t, err)
	require.Equal(t, "10", submitted.Duration)
	require.Equal(t, klingDefaultAspect, submitted.AspectRatio)
	require.Equal(t, klingDefaultNegPrompt, submitted.NegativePrompt)

	res, err := svc.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, generation.StatePending, res.State)

	res, err = svc.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, generation.StateSucceeded, res.State)
	require.Equal(t, "https://cdn.example/clip.mp4", res.URL)
}

func TestKlingFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ERROR","error":"nsfw"}`)
	}))
	defer srv.Close()

	res, err := NewKlingService("k", "m", srv.URL).Poll(context.Background(), srv.URL+"/m/requests/x")
	require.NoError(t, err)
	require.Equal(t, generation.StateFailed, res.State)
	require.Contains(t, res.Message, "nsfw")
}

func TestXAISubmitAndPoll(t *testing.T) {
	var polls int32
	var submitted xaiGenerationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xai-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos/generations":
			_ = json.NewDecoder(r.Body).Decode(&submitted)
			io.WriteString(w, `{"request_id":"req-9"}`)
		case r.URL.Path == "/videos/req-9":
			if atomic.AddInt32(&polls, 1) == 1 {
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, `{"status":"pending"}`)
				return
			}
			io.WriteString(w, `{"video":{"url":"https://vidgen.example/v.mp4","duration":20}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := NewXAIVideoService("xai-key", srv.URL)
	handle, err := svc.Submit(context.Background(), generation.Request{Prompt: "rain", Duration: 20, Style: "noir"})
	require.NoError(t, err)
	require.Equal(t, "req-9", handle)
	require.Equal(t, xaiMaxDuration, submitted.Duration)
	require.Equal(t, xaiDefaultAspect, submitted.AspectRatio)
	require.Contains(t, submitted.Prompt, `"noir"`)

	res, err := svc.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, generation.StatePending, res.State)

	res, err = svc.Poll(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, "https://vidgen.example/v.mp4", res.URL)
}

func TestXAIFailedGeneration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"failed","error":"moderated"}`)
	}))
	defer srv.Close()

	res, err := NewXAIVideoService("k", srv.URL).Poll(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, generation.StateFailed, res.State)
	require.Equal(t, "moderated", res.Message)
}

func TestVeoConfigAndResult(t *testing.T) {
	seed := int64(7)
	cfg := buildVeoConfig(generation.Request{Duration: 8, AspectRatio: "1:1", Seed: &seed, NegativePrompt: "text"})
	require.Equal(t, veoDefaultAspect, cfg.AspectRatio)
	require.Equal(t, int32(8), *cfg.DurationSeconds)
	require.Equal(t, int32(7), *cfg.Seed)
	require.Equal(t, "text", cfg.NegativePrompt)

	svc := &VeoService{apiKey: "gem-key"}
	require.Equal(t, generation.StatePending, svc.interpret(&genai.GenerateVideosOperation{Name: "op"}).State)

	done := svc.interpret(&genai.GenerateVideosOperation{
		Name: "op",
		Done: true,
		Response: &genai.GenerateVideosResponse{
			GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "https://files.example/v"}}},
		},
	})
	require.Equal(t, generation.StateSucceeded, done.State)
	require.Equal(t, "https://files.example/v", done.URL)
	require.Equal(t, "gem-key", done.Header.Get("x-goog-api-key"))

	filtered := svc.interpret(&genai.GenerateVideosOperation{
		Done:     true,
		Response: &genai.GenerateVideosResponse{RAIMediaFilteredCount: 1, RAIMediaFilteredReasons: []string{"people"}},
	})
	require.Equal(t, generation.StateFailed, filtered.State)
	require.Contains(t, filtered.Message, "people")
}
