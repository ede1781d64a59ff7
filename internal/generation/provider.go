// Package generation defines the clip generation provider abstraction and
// the registry that maps provider names to capabilities and implementations.
package generation

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Request is everything a provider needs to render one segment.
type Request struct {
	SegmentIndex      int
	Prompt            string
	Duration          int // seconds, one of the provider's supported durations
	Style             string
	AspectRatio       string
	Seed              *int64
	StyleReferenceURL string
	LoRA              string
	LoRAScale         float64
	NegativePrompt    string
}

// Output locates a finished clip. Header carries any auth the download needs.
type Output struct {
	URL    string
	Header http.Header
}

// Provider renders a clip synchronously from the caller's point of view.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Output, error)
}

type PollState string

const (
	StatePending   PollState = "pending"
	StateSucceeded PollState = "succeeded"
	StateFailed    PollState = "failed"
)

type PollResult struct {
	State   PollState
	URL     string
	Header  http.Header
	Message string
}

// AsyncProvider is a submit-then-poll vendor API.
type AsyncProvider interface {
	Name() string
	Submit(ctx context.Context, req Request) (handle string, err error)
	Poll(ctx context.Context, handle string) (*PollResult, error)
}

// maxPollErrors is how many consecutive failed polls end an attempt.
const maxPollErrors = 3

// Poller turns an AsyncProvider into a Provider by polling at a fixed
// interval until a terminal state, a usable URL, or MaxWait.
type Poller struct {
	Async    AsyncProvider
	Interval time.Duration
	MaxWait  time.Duration
}

var _ Provider = (*Poller)(nil)

// Await wraps an AsyncProvider with fixed-interval polling.
func Await(p AsyncProvider, interval, maxWait time.Duration) *Poller {
	return &Poller{Async: p, Interval: interval, MaxWait: maxWait}
}

func (p *Poller) Name() string { return p.Async.Name() }

func (p *Poller) Generate(ctx context.Context, req Request) (*Output, error) {
	handle, err := p.Async.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	log.Printf("[%s] Segment %d submitted (handle=%s, duration=%ds)", p.Name(), req.SegmentIndex, handle, req.Duration)

	deadline := time.Now().Add(p.MaxWait)
	pollCount := 0
	pollErrors := 0

	for {
		pollCount++
		result, err := p.Async.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("poll cancelled: %w", ctx.Err())
			}
			pollErrors++
			log.Printf("[%s] Poll %d failed (%d/%d): %v", p.Name(), pollCount, pollErrors, maxPollErrors, err)
			if pollErrors >= maxPollErrors {
				return nil, fmt.Errorf("poll failed %d times in a row: %w", pollErrors, err)
			}
		} else {
			pollErrors = 0

			// A usable URL is success even before the vendor reports a terminal state.
			if result.URL != "" {
				log.Printf("[%s] Segment %d ready after %d polls", p.Name(), req.SegmentIndex, pollCount)
				return &Output{URL: result.URL, Header: result.Header}, nil
			}

			switch result.State {
			case StateFailed:
				msg := result.Message
				if msg == "" {
					msg = "unknown error"
				}
				return nil, fmt.Errorf("generation failed: %s (handle=%s)", msg, handle)
			case StateSucceeded:
				return nil, fmt.Errorf("generation finished without a video url (handle=%s)", handle)
			}
		}

		if time.Now().Add(p.Interval).After(deadline) {
			return nil, fmt.Errorf("generation timed out after %v (polled %d times, handle=%s)", p.MaxWait, pollCount, handle)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
		case <-time.After(p.Interval):
		}
	}
}
