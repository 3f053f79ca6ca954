package executors

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandResult holds the output of a single subprocess execution.
type CommandResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandRunner abstracts subprocess execution so tests and embedders can
// substitute fakes. The command executor and the code sandbox both run
// their subprocesses through it.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, env []string, stdin []byte) (*CommandResult, error)
}

// RealRunner runs commands via os/exec with context cancellation.
type RealRunner struct{}

// Run executes argv[0] with the remaining arguments. A non-zero exit is
// reported through ExitCode, not the error return; the error return is for
// spawn failures and context cancellation.
func (r *RealRunner) Run(ctx context.Context, argv []string, env []string, stdin []byte) (*CommandResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = env
	}
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	// Context expiry surfaces as a killed process; report it as such so
	// the caller can classify it as a timeout.
	if ctx.Err() != nil {
		return &CommandResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			Duration: duration,
		}, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execute command %q: %w", argv[0], err)
		}
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}
