package models

import (
	"fmt"
	"time"
)

// Enums
type SoundCue string

const (
	SoundCueQuiet  SoundCue = "quiet"
	SoundCueRise   SoundCue = "rise"
	SoundCueClimax SoundCue = "climax"
	SoundCueFade   SoundCue = "fade"
)

// Valid reports whether the cue is one of the four known cues.
func (c SoundCue) Valid() bool {
	switch c {
	case SoundCueQuiet, SoundCueRise, SoundCueClimax, SoundCueFade:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// AllowedDurations are the total lengths a render request may ask for.
var AllowedDurations = []int{10, 15, 30, 45, 60}

// IsAllowedDuration reports whether n is one of AllowedDurations.
func IsAllowedDuration(n int) bool {
	for _, d := range AllowedDurations {
		if d == n {
			return true
		}
	}
	return false
}

// Timeline

type Camera struct {
	Shot     string `json:"shot"`
	Movement string `json:"movement"`
}

type Overlay struct {
	Path    string  `json:"path"`
	X       int     `json:"x"`
	Y       int     `json:"y"`
	Opacity float64 `json:"opacity,omitempty"`
}

type LUT struct {
	Path      string  `json:"path"`
	Intensity float64 `json:"intensity,omitempty"`
}

// Overrides are optional per-second generation knobs.
type Overrides struct {
	Seed           *int64    `json:"seed,omitempty"`
	StyleReference string    `json:"styleReference,omitempty"`
	LoRA           string    `json:"lora,omitempty"`
	LoRAScale      float64   `json:"loraScale,omitempty"`
	NegativePrompt string    `json:"negativePrompt,omitempty"`
	ModelOrder     []string  `json:"modelOrder,omitempty"`
	Overlays       []Overlay `json:"overlays,omitempty"`
	LUTs           []LUT     `json:"luts,omitempty"`
}

// IsZero reports whether no override field is set.
func (o *Overrides) IsZero() bool {
	if o == nil {
		return true
	}
	return o.Seed == nil && o.StyleReference == "" && o.LoRA == "" && o.LoRAScale == 0 &&
		o.NegativePrompt == "" && len(o.ModelOrder) == 0 && len(o.Overlays) == 0 && len(o.LUTs) == 0
}

type Second struct {
	T          int        `json:"t"`
	Visual     string     `json:"visual"`
	Camera     Camera     `json:"camera"`
	Emotion    string     `json:"emotion,omitempty"`
	SceneMood  string     `json:"sceneMood,omitempty"`
	Style      string     `json:"style,omitempty"`
	SoundCue   SoundCue   `json:"soundCue"`
	Transition string     `json:"transition,omitempty"`
	Dialogue   string     `json:"dialogue,omitempty"`
	VoiceLine  string     `json:"voiceLine,omitempty"`
	Overrides  *Overrides `json:"overrides,omitempty"`
}

// Timeline is one entry per second, indexed from 0.
type Timeline struct {
	Title   string   `json:"title,omitempty"`
	Seconds []Second `json:"timeline"`
}

// Duration is the number of seconds the timeline covers.
func (tl *Timeline) Duration() int {
	return len(tl.Seconds)
}

// Validate checks the timeline against the requested total duration.
func (tl *Timeline) Validate(duration int) error {
	if tl == nil {
		return &ValidationError{Field: "timeline", Reason: "missing"}
	}
	if duration <= 0 {
		return &ValidationError{Field: "duration", Reason: fmt.Sprintf("must be positive, got %d", duration)}
	}
	if len(tl.Seconds) != duration {
		return &ValidationError{Field: "timeline", Reason: fmt.Sprintf("length %d does not match duration %d", len(tl.Seconds), duration)}
	}
	for i, s := range tl.Seconds {
		if s.T != i {
			return &ValidationError{Field: fmt.Sprintf("timeline[%d].t", i), Reason: fmt.Sprintf("expected %d, got %d", i, s.T)}
		}
		if s.Visual == "" {
			return &ValidationError{Field: fmt.Sprintf("timeline[%d].visual", i), Reason: "required"}
		}
		if s.Camera.Shot == "" {
			return &ValidationError{Field: fmt.Sprintf("timeline[%d].camera.shot", i), Reason: "required"}
		}
		if !s.SoundCue.Valid() {
			return &ValidationError{Field: fmt.Sprintf("timeline[%d].soundCue", i), Reason: fmt.Sprintf("unknown cue %q", s.SoundCue)}
		}
	}
	return nil
}

// Slice returns the seconds in [start, end], both inclusive.
func (tl *Timeline) Slice(start, end int) []Second {
	if start < 0 {
		start = 0
	}
	if end >= len(tl.Seconds) {
		end = len(tl.Seconds) - 1
	}
	if start > end {
		return nil
	}
	return tl.Seconds[start : end+1]
}

// Generation

type ProviderCapability struct {
	Name      string   `json:"name"`
	Durations []int    `json:"durations"`
	Quality   int      `json:"quality"`
	Styles    []string `json:"styles,omitempty"` // empty = every style
}

// Supports reports whether d is one of the provider's clip durations.
func (c ProviderCapability) Supports(d int) bool {
	for _, v := range c.Durations {
		if v == d {
			return true
		}
	}
	return false
}

// AllowsStyle reports whether the provider is allowed for the visual style.
func (c ProviderCapability) AllowsStyle(style string) bool {
	if len(c.Styles) == 0 || style == "" {
		return true
	}
	for _, s := range c.Styles {
		if s == style {
			return true
		}
	}
	return false
}

// Segment is a contiguous run of timeline seconds rendered as one clip.
// Duration is the timeline coverage. ClipDuration is what the provider is
// asked for; the two differ only on a corrected final segment.
type Segment struct {
	Index        int        `json:"index"`
	Start        int        `json:"start"`
	End          int        `json:"end"`
	Duration     int        `json:"duration"`
	ClipDuration int        `json:"clip_duration"`
	Provider     string     `json:"provider"`
	Prompt       string     `json:"prompt,omitempty"`
	Style        string     `json:"style,omitempty"`
	Overrides    *Overrides `json:"overrides,omitempty"`
}

type GenerationResult struct {
	SegmentIndex int    `json:"segment_index"`
	Success      bool   `json:"success"`
	SourceURL    string `json:"source_url,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
	ByteSize     int64  `json:"byte_size,omitempty"`
	Validated    bool   `json:"validated"`
	Provider     string `json:"provider,omitempty"`
	PublicURL    string `json:"public_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Assembly

// SecondSpan is the half-open range of timeline seconds [Start, End).
type SecondSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type AssemblyJob struct {
	JobID         string
	ClipPaths     []string     // ordered by segment start
	ClipDurations []int        // seconds to keep from each clip; 0 keeps it whole
	ClipSpans     []SecondSpan // timeline seconds each clip covers; empty = clips cover the whole timeline
	AudioPath     string
	Timeline      *Timeline
	WorkDir       string
}

type AssemblyOutput struct {
	VideoURL      string   `json:"video_url"`
	ManifestURL   string   `json:"manifest_url,omitempty"`
	RenditionURLs []string `json:"rendition_urls,omitempty"`
	LocalPath     string   `json:"-"`
}

// Jobs

type RenderRequest struct {
	Prompt      string `json:"prompt"`
	Mode        string `json:"mode,omitempty"`
	VisualStyle string `json:"visual_style,omitempty"`
	Duration    int    `json:"duration"`
	MusicMood   string `json:"music_mood,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	DemoMode    bool   `json:"demo_mode,omitempty"`
}

type RenderResult struct {
	URL              string   `json:"url"`
	ManifestURL      string   `json:"manifest_url,omitempty"`
	ClipURLs         []string `json:"clip_urls,omitempty"`
	SegmentsTotal    int      `json:"segments_total"`
	SegmentsSurvived int      `json:"segments_survived"`
	DemoDir          string   `json:"demo_dir,omitempty"`
}

type Job struct {
	ID        string        `json:"id"`
	Status    JobStatus     `json:"status"`
	Request   RenderRequest `json:"request"`
	Result    *RenderResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DTOs for API responses
type CreateRenderResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

type RenderStatusResponse struct {
	JobID  string        `json:"job_id"`
	Status JobStatus     `json:"status"`
	Error  string        `json:"error,omitempty"`
	Result *RenderResult `json:"result,omitempty"`
}
