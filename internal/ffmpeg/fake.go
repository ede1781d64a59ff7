package ffmpeg

import (
	"context"
	"os"
	"strings"
	"sync"
)

// Call is one recorded invocation of a FakeRunner.
type Call struct {
	Name string
	Args []string
}

// FakeRunner records calls and, for ffmpeg, touches the last argument so
// stages that stat their outputs see a file. Handler overrides the default.
type FakeRunner struct {
	mu      sync.Mutex
	Calls   []Call
	Handler func(ctx context.Context, name string, args []string) (string, error)
}

var _ Runner = (*FakeRunner)(nil)

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	if f.Handler != nil {
		return f.Handler(ctx, name, args)
	}
	if name == "ffmpeg" && len(args) > 0 {
		out := args[len(args)-1]
		if !strings.HasPrefix(out, "-") {
			_ = os.WriteFile(out, []byte("fake media output"), 0644)
		}
	}
	return "", nil
}

// CallsTo returns the recorded invocations of name.
func (f *FakeRunner) CallsTo(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
