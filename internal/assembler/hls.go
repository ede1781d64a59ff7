package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/storyteller/internal/ffmpeg"
)

const (
	masterPlaylist  = "master.m3u8"
	mediaPlaylist   = "index.m3u8"
	audioBitrateKbs = 128
)

type rendition struct {
	Name          string // "720p"
	Width, Height int
	VideoKbps     int
}

func (r rendition) bandwidth() int {
	return (r.VideoKbps + audioBitrateKbs) * 1000
}

// renditionFor scales the output frame so its short side equals size,
// keeping both dimensions even.
func renditionFor(width, height, size int) rendition {
	w, h := width, height
	if w <= h {
		w, h = size, even(height*size/width)
	} else {
		w, h = even(width*size/height), size
	}
	return rendition{Name: strconv.Itoa(size) + "p", Width: w, Height: h, VideoKbps: videoKbps(size)}
}

func even(n int) int {
	return n - n%2
}

func videoKbps(size int) int {
	switch {
	case size >= 1080:
		return 5000
	case size >= 720:
		return 2800
	case size >= 480:
		return 1400
	default:
		return 800
	}
}

// transcodeHLS writes one VOD playlist per rendition under dir and a master
// playlist pointing at them.
func (a *Assembler) transcodeHLS(ctx context.Context, input, dir string) ([]rendition, error) {
	var out []rendition
	gop := strconv.Itoa(a.cfg.FPS * a.cfg.HLSSegmentSeconds)

	for _, size := range a.cfg.Renditions {
		r := renditionFor(a.cfg.Width, a.cfg.Height, size)
		rdir := filepath.Join(dir, r.Name)
		if err := os.MkdirAll(rdir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", rdir, err)
		}

		playlist := filepath.Join(rdir, mediaPlaylist)
		err := ffmpeg.FFmpeg(ctx, a.runner,
			"-i", input,
			"-vf", fmt.Sprintf("scale=%d:%d", r.Width, r.Height),
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-profile:v", "main",
			"-b:v", fmt.Sprintf("%dk", r.VideoKbps),
			"-maxrate", fmt.Sprintf("%dk", r.VideoKbps*107/100),
			"-bufsize", fmt.Sprintf("%dk", r.VideoKbps*2),
			"-g", gop,
			"-keyint_min", gop,
			"-sc_threshold", "0",
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", audioBitrateKbs),
			"-ac", "2",
			"-f", "hls",
			"-hls_time", strconv.Itoa(a.cfg.HLSSegmentSeconds),
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(rdir, "seg_%03d.ts"),
			playlist,
		)
		if err != nil {
			return nil, fmt.Errorf("rendition %s: %w", r.Name, err)
		}
		if err := requireOutput(playlist); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if err := os.WriteFile(filepath.Join(dir, masterPlaylist), []byte(buildMasterPlaylist(out)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write master playlist: %w", err)
	}
	return out, nil
}

func buildMasterPlaylist(renditions []rendition) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range renditions {
		fmt.Fprintf(&sb, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.bandwidth(), r.Width, r.Height)
		fmt.Fprintf(&sb, "%s/%s\n", r.Name, mediaPlaylist)
	}
	return sb.String()
}
