// Package ffmpeg wraps the ffmpeg and ffprobe binaries behind a small Runner
// interface so stages can be exercised without the real tools.
package ffmpeg

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined output.
// Cancelling ctx must kill the process.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct {
	Verbose bool
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.Verbose {
		log.Printf("[FFmpeg] %s %s", name, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	var output strings.Builder
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return output.String(), fmt.Errorf("%s killed: %w", name, ctx.Err())
		}
		return output.String(), fmt.Errorf("%s failed: %w: %s", name, err, tail(output.String(), 500))
	}
	return output.String(), nil
}

// FFmpeg runs ffmpeg quietly, overwriting outputs.
func FFmpeg(ctx context.Context, r Runner, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	_, err := r.Run(ctx, "ffmpeg", full...)
	return err
}

// MediaDuration returns the container duration of a media file using ffprobe.
func MediaDuration(ctx context.Context, r Runner, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := r.Run(ctx, "ffprobe", args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(output), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(output), err)
	}

	return time.Duration(durationSec * float64(time.Second)), nil
}

// EscapeFilterPath escapes special characters in file paths for FFmpeg filter syntax.
// FFmpeg filter strings treat colons, backslashes, and single quotes specially.
func EscapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
