package executors

import (
	"context"
	"sync"
	"time"
)

// fakeRunner scripts subprocess behavior for tests and records every call.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	stdins [][]byte
	run    func(argv []string) (*CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, env []string, stdin []byte) (*CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.stdins = append(f.stdins, stdin)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(argv)
	}
	return &CommandResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
