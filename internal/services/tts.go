package services

import (
	"context"
	"errors"

	"github.com/bobarin/storyteller/internal/audio"
)

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int    // estimated
	Format     string // "mp3", "wav"
}

// TTSService turns one line of narration into audio. voiceStyle is a
// free-form delivery note ("slow, mysterious"); providers may ignore it.
type TTSService interface {
	GenerateSpeech(ctx context.Context, text, voiceStyle string) (*TTSResponse, error)
}

var (
	_ audio.Speaker = (*ElevenLabsService)(nil)
	_ audio.Speaker = (*CartesiaService)(nil)
)

// speak keeps only the encoded audio of a synthesized line.
func speak(ctx context.Context, tts TTSService, text, voiceStyle string) ([]byte, error) {
	resp, err := tts.GenerateSpeech(ctx, text, voiceStyle)
	if err != nil {
		return nil, err
	}
	if len(resp.AudioData) == 0 {
		return nil, errors.New("tts returned empty audio")
	}
	return resp.AudioData, nil
}
