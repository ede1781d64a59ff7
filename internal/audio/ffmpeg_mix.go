package audio

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/ffmpeg"
	"github.com/bobarin/storyteller/internal/models"
)

// FFmpegMixer renders the mix with a single ffmpeg filtergraph.
type FFmpegMixer struct {
	Runner  ffmpeg.Runner
	Ducking DuckingParams
	Policy  deadline.Policy
}

var _ Mixer = (*FFmpegMixer)(nil)

func NewFFmpegMixer(r ffmpeg.Runner, p deadline.Policy) *FFmpegMixer {
	return &FFmpegMixer{Runner: r, Ducking: DefaultDucking, Policy: p}
}

func (m *FFmpegMixer) Mix(ctx context.Context, tl *models.Timeline, narration, music []byte, outPath string) (*MixResult, error) {
	n := tl.Duration()
	if n <= 0 {
		return nil, fmt.Errorf("cannot mix audio for an empty timeline")
	}
	mixCase := Classify(narration, music)
	result := &MixResult{Path: outPath, Case: mixCase, Duration: time.Duration(n) * time.Second}
	dir := filepath.Dir(outPath)
	seconds := strconv.Itoa(n)

	log.Printf("[Audio] Mixing %ds track with ffmpeg (%s)", n, mixCase)

	var args []string
	switch mixCase {
	case MixNarrationOnly:
		if err := os.WriteFile(outPath, narration, 0644); err != nil {
			return nil, fmt.Errorf("failed to write narration track: %w", err)
		}
		return result, nil

	case MixPlaceholder:
		args = []string{
			"-f", "lavfi",
			"-i", fmt.Sprintf("sine=frequency=%s:duration=%s", formatNum(placeholderFrequency), seconds),
			"-af", "volume=" + formatNum(placeholderAmplitude),
			"-c:a", "pcm_s16le",
			outPath,
		}

	case MixMusicOnly:
		musicPath, err := writeInput(dir, "music_in", music)
		if err != nil {
			return nil, err
		}
		args = []string{
			"-stream_loop", "-1", "-i", musicPath,
			"-af", fmt.Sprintf("%s,volume='%s':eval=frame", musicLoudnorm, BuildEnvelope(tl).Expr()),
			"-t", seconds,
			"-ac", "2",
			"-c:a", "pcm_s16le",
			outPath,
		}

	case MixDucked:
		narrPath, err := writeInput(dir, "narration_in", narration)
		if err != nil {
			return nil, err
		}
		musicPath, err := writeInput(dir, "music_in", music)
		if err != nil {
			return nil, err
		}
		args = []string{
			"-i", narrPath,
			"-stream_loop", "-1", "-i", musicPath,
			"-filter_complex", DuckingFilter(BuildEnvelope(tl), m.Ducking),
			"-map", "[mix]",
			"-t", seconds,
			"-ac", "2",
			"-c:a", "pcm_s16le",
			outPath,
		}
	}

	err := deadline.Run(ctx, "audio mix", m.Policy, func(ctx context.Context) error {
		return ffmpeg.FFmpeg(ctx, m.Runner, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("ffmpeg mix failed: %w", err)
	}
	return result, nil
}

// DuckingFilter builds the filtergraph for input 0 = narration and
// input 1 = looped music: loudness-normalize and envelope the music, compress it keyed by the
// narration, then sum both.
func DuckingFilter(env GainEnvelope, p DuckingParams) string {
	return fmt.Sprintf(
		"[0:a]asplit=2[narr][key];"+
			"[1:a]%s,volume='%s':eval=frame[bgm];"+
			"[bgm][key]sidechaincompress=threshold=%s:ratio=%s:attack=%s:release=%s[duck];"+
			"[narr][duck]amix=inputs=2:duration=longest:normalize=0[mix]",
		musicLoudnorm,
		env.Expr(),
		formatNum(p.Threshold),
		formatNum(p.Ratio),
		formatNum(float64(p.Attack.Milliseconds())),
		formatNum(float64(p.Release.Milliseconds())),
	)
}

func writeInput(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name+sniffExt(data))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

func sniffExt(data []byte) string {
	if IsWAV(data) {
		return ".wav"
	}
	return ".mp3"
}
