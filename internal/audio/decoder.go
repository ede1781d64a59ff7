package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/ffmpeg"
)

// Decoder turns an encoded audio file into mono PCM at a fixed rate.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*PCM, error)
}

// FFmpegDecoder decodes WAV in-process and shells out to ffmpeg for anything
// else (MP3 from TTS vendors and music previews).
type FFmpegDecoder struct {
	Runner     ffmpeg.Runner
	WorkDir    string
	SampleRate int
	Timeout    time.Duration
}

var _ Decoder = (*FFmpegDecoder)(nil)

func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (*PCM, error) {
	rate := d.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}

	if IsWAV(data) {
		pcm, err := DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		return Resample(pcm, rate), nil
	}

	if d.Runner == nil {
		return nil, fmt.Errorf("cannot decode non-WAV audio without ffmpeg")
	}

	dir, err := os.MkdirTemp(d.WorkDir, "decode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create decode dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(in, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write audio input: %w", err)
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	err = deadline.Run(ctx, "audio decode", deadline.Once(timeout), func(ctx context.Context) error {
		return ffmpeg.FFmpeg(ctx, d.Runner,
			"-i", in,
			"-ac", "1",
			"-ar", strconv.Itoa(rate),
			"-c:a", "pcm_s16le",
			out,
		)
	})
	if err != nil {
		return nil, err
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read decoded audio: %w", err)
	}
	pcm, err := DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("decoded audio is invalid: %w", err)
	}
	return Resample(pcm, rate), nil
}
