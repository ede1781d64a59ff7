package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/ffmpeg"
	"github.com/bobarin/storyteller/internal/models"
)

const testRate = 8000

func timeline(cues ...models.SoundCue) *models.Timeline {
	tl := &models.Timeline{}
	for i, c := range cues {
		tl.Seconds = append(tl.Seconds, models.Second{T: i, Visual: "v", Camera: models.Camera{Shot: "wide"}, SoundCue: c})
	}
	return tl
}

func quietTimeline(n int) *models.Timeline {
	cues := make([]models.SoundCue, n)
	for i := range cues {
		cues[i] = models.SoundCueQuiet
	}
	return timeline(cues...)
}

func TestBuildEnvelopeMergesRuns(t *testing.T) {
	tl := timeline(
		models.SoundCueQuiet, models.SoundCueQuiet,
		models.SoundCueRise, models.SoundCueRise, models.SoundCueRise,
		models.SoundCueClimax,
		models.SoundCueFade, models.SoundCueFade,
	)

	env := BuildEnvelope(tl)
	require.Equal(t, GainEnvelope{
		{Start: 0, End: 2, Gain: 0.25},
		{Start: 2, End: 5, Gain: 0.6},
		{Start: 5, End: 6, Gain: 1.0},
		{Start: 6, End: 8, Gain: 0.0},
	}, env)
	require.Equal(t, 8.0, env.Duration())
}

func TestEnvelopeIsGaplessAndCoversTimeline(t *testing.T) {
	tl := timeline(models.SoundCueRise, models.SoundCueQuiet, models.SoundCueRise, models.SoundCueClimax, models.SoundCueClimax)
	env := BuildEnvelope(tl)

	require.Equal(t, 0.0, env[0].Start)
	for i := 1; i < len(env); i++ {
		require.Equal(t, env[i-1].End, env[i].Start)
		require.NotEqual(t, env[i-1].Gain, env[i].Gain)
	}
	require.Equal(t, float64(tl.Duration()), env.Duration())

	for sec, s := range tl.Seconds {
		require.Equal(t, CueGains[s.SoundCue], env.GainAt(float64(sec)+0.5))
	}
}

func TestGainAtBoundariesBelongToNextInterval(t *testing.T) {
	env := BuildEnvelope(timeline(models.SoundCueQuiet, models.SoundCueClimax))
	require.Equal(t, 0.25, env.GainAt(0))
	require.Equal(t, 0.25, env.GainAt(0.999))
	require.Equal(t, 1.0, env.GainAt(1))
	require.Equal(t, 1.0, env.GainAt(5), "past the end holds the last gain")
}

func TestEnvelopeExprNestsLastGainInnermost(t *testing.T) {
	env := BuildEnvelope(timeline(models.SoundCueQuiet, models.SoundCueRise, models.SoundCueFade))
	require.Equal(t,
		"if(between(t,0,0.999),0.25,if(between(t,1,1.999),0.6,0))",
		env.Expr())

	require.Equal(t, "1", GainEnvelope(nil).Expr())
	require.Equal(t, "0.25", BuildEnvelope(quietTimeline(3)).Expr())
}

func TestWAVRoundTripKeepsSignal(t *testing.T) {
	tone := Tone(440, 0.5, 1, testRate)
	decoded, err := DecodeWAV(EncodeWAV(tone))
	require.NoError(t, err)
	require.Equal(t, testRate, decoded.SampleRate)
	require.Len(t, decoded.Samples, len(tone.Samples))
	require.InDelta(t, RMS(tone.Samples, 0, testRate), RMS(decoded.Samples, 0, testRate), 0.001)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV([]byte("ID3 not a wav"))
	require.Error(t, err)
}

func TestResampleChangesLength(t *testing.T) {
	p := Resample(Tone(100, 0.5, 1, 16000), testRate)
	require.Equal(t, testRate, p.SampleRate)
	require.InDelta(t, testRate, len(p.Samples), 1)
}

func TestDuckReducesMusicUnderNarration(t *testing.T) {
	music := Tone(220, 0.5, 2, testRate).Samples
	key := make([]float64, len(music))
	// Narration only during the second half.
	copy(key[testRate:], Tone(300, 0.8, 1, testRate).Samples)

	ducked := Duck(music, key, testRate, DefaultDucking)

	silent := RMS(ducked, testRate/4, testRate*3/4)
	speaking := RMS(ducked, testRate+testRate/4, testRate+testRate*3/4)
	require.InDelta(t, RMS(music, testRate/4, testRate*3/4), silent, 0.001, "no narration, no ducking")
	require.Less(t, speaking, silent*0.8)
}

func TestDuckWithQuietKeyLeavesMusicAlone(t *testing.T) {
	music := Tone(220, 0.5, 1, testRate).Samples
	key := Tone(300, 0.1, 1, testRate).Samples
	ducked := Duck(music, key, testRate, DefaultDucking)
	require.Equal(t, music, ducked)
}

func TestClassify(t *testing.T) {
	b := []byte("x")
	require.Equal(t, MixDucked, Classify(b, b))
	require.Equal(t, MixMusicOnly, Classify(nil, b))
	require.Equal(t, MixNarrationOnly, Classify(b, nil))
	require.Equal(t, MixPlaceholder, Classify(nil, nil))
}

func newTestMixer() *PCMMixer {
	m := NewPCMMixer(&FFmpegDecoder{SampleRate: testRate})
	m.SampleRate = testRate
	return m
}

func decodeFile(t *testing.T, path string) *PCM {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pcm, err := DecodeWAV(data)
	require.NoError(t, err)
	return pcm
}

func TestMixPlaceholderToneIsAudible(t *testing.T) {
	out := filepath.Join(t.TempDir(), "mix.wav")
	res, err := newTestMixer().Mix(context.Background(), quietTimeline(10), nil, nil, out)
	require.NoError(t, err)
	require.Equal(t, MixPlaceholder, res.Case)
	require.Equal(t, 10*time.Second, res.Duration)

	pcm := decodeFile(t, out)
	require.Len(t, pcm.Samples, 10*testRate)
	require.Greater(t, RMS(pcm.Samples, 0, len(pcm.Samples)), 0.1)
}

func TestMixNarrationOnlyPassesThrough(t *testing.T) {
	narration := EncodeWAV(Tone(300, 0.4, 3, testRate))
	out := filepath.Join(t.TempDir(), "mix.wav")

	res, err := newTestMixer().Mix(context.Background(), quietTimeline(3), narration, nil, out)
	require.NoError(t, err)
	require.Equal(t, MixNarrationOnly, res.Case)

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, narration, written)
}

func TestMixMusicOnlyFollowsEnvelopeAndLoops(t *testing.T) {
	// One second of music looped over a four second timeline.
	music := EncodeWAV(Tone(220, 0.8, 1, testRate))
	tl := timeline(models.SoundCueClimax, models.SoundCueFade, models.SoundCueQuiet, models.SoundCueClimax)
	out := filepath.Join(t.TempDir(), "mix.wav")

	res, err := newTestMixer().Mix(context.Background(), tl, nil, music, out)
	require.NoError(t, err)
	require.Equal(t, MixMusicOnly, res.Case)

	pcm := decodeFile(t, out)
	require.Len(t, pcm.Samples, 4*testRate)
	climax := RMS(pcm.Samples, 0, testRate)
	require.InDelta(t, musicTargetRMS, climax, 0.005)
	require.InDelta(t, 0, RMS(pcm.Samples, testRate, 2*testRate), 0.001)
	require.InDelta(t, climax*0.25, RMS(pcm.Samples, 2*testRate, 3*testRate), 0.01)
	require.InDelta(t, climax, RMS(pcm.Samples, 3*testRate, 4*testRate), 0.01)
}

func TestMixDuckedLowersMusicWhileNarrating(t *testing.T) {
	music := EncodeWAV(Tone(220, 0.8, 4, testRate))
	voice := make([]float64, 4*testRate)
	copy(voice[2*testRate:], Tone(500, 0.8, 2, testRate).Samples)
	narration := EncodeWAV(&PCM{SampleRate: testRate, Samples: voice})
	tl := timeline(models.SoundCueClimax, models.SoundCueClimax, models.SoundCueClimax, models.SoundCueClimax)

	m := newTestMixer()
	out := filepath.Join(t.TempDir(), "mix.wav")
	res, err := m.Mix(context.Background(), tl, narration, music, out)
	require.NoError(t, err)
	require.Equal(t, MixDucked, res.Case)

	pcm := decodeFile(t, out)
	require.Len(t, pcm.Samples, 4*testRate)

	// Reconstruct the music share of the mix while the voice speaks.
	mixed := pcm.Samples[2*testRate+testRate/2 : 3*testRate]
	key := voice[2*testRate+testRate/2 : 3*testRate]
	musicShare := make([]float64, len(mixed))
	for i := range mixed {
		musicShare[i] = mixed[i] - key[i]
	}
	require.Less(t, RMS(musicShare, 0, len(musicShare)), RMS(pcm.Samples, testRate/2, testRate)*0.8)
}

func TestMixNormalizesMusicLoudness(t *testing.T) {
	tl := timeline(models.SoundCueClimax, models.SoundCueClimax)

	levels := make([]float64, 0, 2)
	for _, amplitude := range []float64{0.01, 0.8} {
		music := EncodeWAV(Tone(220, amplitude, 2, testRate))
		out := filepath.Join(t.TempDir(), "mix.wav")
		_, err := newTestMixer().Mix(context.Background(), tl, nil, music, out)
		require.NoError(t, err)

		pcm := decodeFile(t, out)
		levels = append(levels, RMS(pcm.Samples, 0, len(pcm.Samples)))
	}
	require.InDelta(t, musicTargetRMS, levels[0], 0.005, "quiet music is raised to the target")
	require.InDelta(t, levels[0], levels[1], 0.005)
}

func TestNormalizeLoudnessRespectsPeakCeiling(t *testing.T) {
	// A lone spike has a tiny RMS; full gain would clip it.
	samples := make([]float64, 1000)
	samples[10] = 0.5
	gain := NormalizeLoudness(samples, musicTargetRMS, musicPeakCeiling)
	require.InDelta(t, musicPeakCeiling/0.5, gain, 1e-9)
	require.InDelta(t, musicPeakCeiling, samples[10], 1e-9)

	silent := make([]float64, 10)
	require.Equal(t, 1.0, NormalizeLoudness(silent, musicTargetRMS, musicPeakCeiling))
}

func TestMixRejectsEmptyTimeline(t *testing.T) {
	_, err := newTestMixer().Mix(context.Background(), &models.Timeline{}, nil, nil, filepath.Join(t.TempDir(), "x.wav"))
	require.Error(t, err)
}

func deadlineOnce() deadline.Policy { return deadline.Once(5 * time.Second) }

func TestFFmpegMixerDuckedFiltergraph(t *testing.T) {
	runner := &ffmpeg.FakeRunner{}
	m := NewFFmpegMixer(runner, deadlineOnce())
	dir := t.TempDir()
	tl := timeline(models.SoundCueQuiet, models.SoundCueClimax)

	res, err := m.Mix(context.Background(), tl, []byte("narration"), []byte("music"), filepath.Join(dir, "mix.wav"))
	require.NoError(t, err)
	require.Equal(t, MixDucked, res.Case)

	calls := runner.CallsTo("ffmpeg")
	require.Len(t, calls, 1)
	args := strings.Join(calls[0].Args, " ")
	require.Contains(t, args, "-stream_loop -1")
	require.Contains(t, args, "-t 2")
	require.Contains(t, args, "volume='if(between(t,0,0.999),0.25,1)':eval=frame")
	require.Contains(t, args, "[1:a]loudnorm=I=-20:TP=-1,volume=")
	require.Contains(t, args, "sidechaincompress=threshold=0.25:ratio=8:attack=20:release=150")
	require.Contains(t, args, "amix=inputs=2")
}

func TestFFmpegMixerPlaceholderUsesSine(t *testing.T) {
	runner := &ffmpeg.FakeRunner{}
	m := NewFFmpegMixer(runner, deadlineOnce())

	_, err := m.Mix(context.Background(), quietTimeline(15), nil, nil, filepath.Join(t.TempDir(), "mix.wav"))
	require.NoError(t, err)
	args := strings.Join(runner.CallsTo("ffmpeg")[0].Args, " ")
	require.Contains(t, args, "sine=frequency=440:duration=15")
}

func TestFFmpegMixerSurfacesFailure(t *testing.T) {
	runner := &ffmpeg.FakeRunner{Handler: func(ctx context.Context, name string, args []string) (string, error) {
		return "", errors.New("boom")
	}}
	m := NewFFmpegMixer(runner, deadlineOnce())

	_, err := m.Mix(context.Background(), quietTimeline(2), nil, []byte("music"), filepath.Join(t.TempDir(), "mix.wav"))
	require.ErrorContains(t, err, "boom")
}

type fakeTTS struct {
	seconds map[string]int
	fail    map[string]bool
	calls   []string
}

func (f *fakeTTS) Speak(ctx context.Context, text, voiceStyle string) ([]byte, error) {
	f.calls = append(f.calls, text)
	if f.fail[text] {
		return nil, errors.New("tts down")
	}
	n := f.seconds[text]
	if n == 0 {
		n = 1
	}
	return EncodeWAV(Tone(300, 0.5, n, testRate)), nil
}

func TestUtterancesCollapseRepeats(t *testing.T) {
	tl := quietTimeline(6)
	tl.Seconds[0].VoiceLine = "Once upon a time"
	tl.Seconds[1].VoiceLine = "Once upon a time"
	tl.Seconds[3].Dialogue = "Who goes there?"
	tl.Seconds[5].VoiceLine = "Once upon a time"

	require.Equal(t, []Utterance{
		{Start: 0, Text: "Once upon a time"},
		{Start: 3, Text: "Who goes there?"},
		{Start: 5, Text: "Once upon a time"},
	}, Utterances(tl))
}

func TestNarrationBuildPlacesLinesWithoutOverlap(t *testing.T) {
	tl := quietTimeline(6)
	tl.Seconds[0].VoiceLine = "long line"
	tl.Seconds[1].VoiceLine = "short line"
	tts := &fakeTTS{seconds: map[string]int{"long line": 3}}

	b := &NarrationBuilder{Voice: tts, Decoder: &FFmpegDecoder{SampleRate: testRate}, SampleRate: testRate}
	data, err := b.Build(context.Background(), tl)
	require.NoError(t, err)

	pcm, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Len(t, pcm.Samples, 6*testRate)
	// Long line covers 0-3s, short line is pushed to 3-4s, silence after.
	require.Greater(t, RMS(pcm.Samples, 3*testRate, 4*testRate), 0.1)
	require.InDelta(t, 0, RMS(pcm.Samples, 4*testRate, 6*testRate), 0.0001)
}

func TestNarrationBuildSkipsFailedLines(t *testing.T) {
	tl := quietTimeline(4)
	tl.Seconds[0].VoiceLine = "broken"
	tl.Seconds[2].VoiceLine = "fine"
	tts := &fakeTTS{fail: map[string]bool{"broken": true}}

	b := &NarrationBuilder{Voice: tts, Decoder: &FFmpegDecoder{SampleRate: testRate}, SampleRate: testRate}
	data, err := b.Build(context.Background(), tl)
	require.NoError(t, err)

	pcm, err := DecodeWAV(data)
	require.NoError(t, err)
	require.InDelta(t, 0, RMS(pcm.Samples, 0, 2*testRate), 0.0001)
	require.Greater(t, RMS(pcm.Samples, 2*testRate, 3*testRate), 0.1)
}

func TestNarrationBuildAllFailedIsError(t *testing.T) {
	tl := quietTimeline(2)
	tl.Seconds[0].VoiceLine = "broken"
	b := &NarrationBuilder{Voice: &fakeTTS{fail: map[string]bool{"broken": true}}, Decoder: &FFmpegDecoder{SampleRate: testRate}, SampleRate: testRate}

	_, err := b.Build(context.Background(), tl)
	require.ErrorContains(t, err, "tts down")
}

func TestNarrationBuildNothingToSay(t *testing.T) {
	b := &NarrationBuilder{Voice: &fakeTTS{}, Decoder: &FFmpegDecoder{SampleRate: testRate}}
	data, err := b.Build(context.Background(), quietTimeline(3))
	require.NoError(t, err)
	require.Nil(t, data)
}
