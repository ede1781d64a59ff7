package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrNoSurvivingSegments = errors.New("no segment produced a validated clip")
)

// ValidationError means the plan or request is malformed. Raised before any
// generation work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// UnsupportedDurationError means no provider combination covers a remainder.
type UnsupportedDurationError struct {
	Remaining int
}

func (e *UnsupportedDurationError) Error() string {
	return fmt.Sprintf("no provider supports a clip for the remaining %ds", e.Remaining)
}

// SegmentationInvalidError means remainder correction left a non-positive
// final segment.
type SegmentationInvalidError struct {
	Index    int
	Duration int
}

func (e *SegmentationInvalidError) Error() string {
	return fmt.Sprintf("segment %d has non-positive duration %d after correction", e.Index, e.Duration)
}

// ProviderError is a single failed generation attempt.
type ProviderError struct {
	Provider string
	Segment  int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for segment %d: %v", e.Provider, e.Segment, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ExhaustedProvidersError means every provider in a segment's chain failed.
type ExhaustedProvidersError struct {
	Segment  int
	Attempts []error
}

func (e *ExhaustedProvidersError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return fmt.Sprintf("segment %d: no provider supports its clip duration", e.Segment)
	}
	return fmt.Sprintf("segment %d: all providers failed: %s", e.Segment, strings.Join(parts, "; "))
}

func (e *ExhaustedProvidersError) Unwrap() []error { return e.Attempts }

// DownloadIntegrityError means a clip could not be downloaded and validated
// within the attempt budget.
type DownloadIntegrityError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DownloadIntegrityError) Error() string {
	return fmt.Sprintf("download of %s failed integrity check after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DownloadIntegrityError) Unwrap() error { return e.Err }

// AssemblyStageError is fatal for the job.
type AssemblyStageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *AssemblyStageError) Error() string {
	return fmt.Sprintf("assembly stage %q failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *AssemblyStageError) Unwrap() error { return e.Err }

// PublishVerificationWarning is logged, never fatal.
type PublishVerificationWarning struct {
	URL string
}

func (e *PublishVerificationWarning) Error() string {
	return fmt.Sprintf("published object not reachable: %s", e.URL)
}
