// Package santactl invokes the santactl command-line tool, the only write
// path into santad's rule database.
package santactl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/allenhouchins/santa-2.0/internal/metrics"
)

// DefaultPath is where the santa installer places santactl.
const DefaultPath = "/usr/local/bin/santactl"

// DefaultTimeout bounds a single santactl invocation.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when santactl does not exit before the deadline.
var ErrTimeout = errors.New("santactl timed out")

// Output is what a finished santactl process produced. Stdout holds stdout
// and stderr interleaved, the way santactl's messages reach a terminal.
type Output struct {
	Stdout   string
	ExitCode int
}

// Runner executes a command synchronously. A process that ran and exited
// non-zero is not an error: its status is in Output.ExitCode. Errors are
// reserved for processes that could not be started or did not finish.
type Runner interface {
	Run(ctx context.Context, path string, args []string) (Output, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner returns an ExecRunner with the given deadline. A zero timeout
// falls back to DefaultTimeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes path with args and captures combined output.
func (r *ExecRunner) Run(ctx context.Context, path string, args []string) (Output, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	command := exec.CommandContext(ctx, path, args...)
	command.Stdout = &buf
	command.Stderr = &buf
	command.WaitDelay = time.Second

	start := time.Now()
	err := command.Run()
	metrics.SantactlDuration.WithLabelValues(subcommand(args)).Observe(time.Since(start).Seconds())

	out := Output{Stdout: buf.String()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s %s: %w after %s", path, strings.Join(args, " "), ErrTimeout, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return out, fmt.Errorf("%s %s: %w", path, strings.Join(args, " "), err)
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func subcommand(args []string) string {
	if len(args) == 0 {
		return "none"
	}
	return args[0]
}
