package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultSampleRate is the rate every track is mixed at.
const DefaultSampleRate = 44100

// PCM is a mono float signal in [-1, 1].
type PCM struct {
	SampleRate int
	Samples    []float64
}

// Seconds is the signal length.
func (p *PCM) Seconds() float64 {
	if p == nil || p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses 16-bit PCM WAV data and downmixes it to mono.
func DecodeWAV(data []byte) (*PCM, error) {
	if !IsWAV(data) {
		return nil, errors.New("not a WAV file")
	}
	r := bytes.NewReader(data[12:])

	var (
		format        uint16
		channels      uint16
		sampleRate    uint32
		bitsPerSample uint16
		payload       []byte
	)

	for payload == nil {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			return nil, fmt.Errorf("missing data chunk: %w", err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))

		switch chunkID {
		case "fmt ":
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			if len(buf) < 16 {
				return nil, errors.New("invalid fmt chunk")
			}
			format = binary.LittleEndian.Uint16(buf[0:2])
			channels = binary.LittleEndian.Uint16(buf[2:4])
			sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			bitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
		case "data":
			// Streamed WAVs may carry a bogus size; clamp to what is present.
			if remaining := int64(r.Len()); chunkSize > remaining || chunkSize == 0 {
				chunkSize = remaining
			}
			payload = make([]byte, chunkSize)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, err
			}
		default:
			skip := chunkSize
			if skip%2 == 1 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}

	if sampleRate == 0 || channels == 0 || bitsPerSample == 0 {
		return nil, errors.New("missing audio format information")
	}
	// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE (ffmpeg uses it for some layouts)
	if (format != 1 && format != 0xFFFE) || bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported WAV encoding (format=%d, bits=%d)", format, bitsPerSample)
	}

	frameSize := int(channels) * 2
	frames := len(payload) / frameSize
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < int(channels); c++ {
			off := i*frameSize + c*2
			sum += float64(int16(binary.LittleEndian.Uint16(payload[off:off+2]))) / 32768
		}
		samples[i] = sum / float64(channels)
	}

	return &PCM{SampleRate: int(sampleRate), Samples: samples}, nil
}

// EncodeWAV writes p as 16-bit mono PCM WAV, clipping to [-1, 1].
func EncodeWAV(p *PCM) []byte {
	dataSize := len(p.Samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(buf, binary.LittleEndian, uint32(p.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(p.SampleRate*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range p.Samples {
		_ = binary.Write(buf, binary.LittleEndian, int16(math.Round(clip(s)*32767)))
	}
	return buf.Bytes()
}

// Resample converts p to rate with linear interpolation.
func Resample(p *PCM, rate int) *PCM {
	if p.SampleRate == rate || len(p.Samples) == 0 {
		return &PCM{SampleRate: rate, Samples: p.Samples}
	}
	ratio := float64(p.SampleRate) / float64(rate)
	n := int(float64(len(p.Samples)) / ratio)
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		a := p.Samples[j]
		b := a
		if j+1 < len(p.Samples) {
			b = p.Samples[j+1]
		}
		out[i] = a + (b-a)*frac
	}
	return &PCM{SampleRate: rate, Samples: out}
}

// RMS is the root mean square of samples[from:to].
func RMS(samples []float64, from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(samples) {
		to = len(samples)
	}
	if to <= from {
		return 0
	}
	var sum float64
	for _, s := range samples[from:to] {
		sum += s * s
	}
	return math.Sqrt(sum / float64(to-from))
}

func clip(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
