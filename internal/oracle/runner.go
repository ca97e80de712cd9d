// Package oracle wraps the external price and liquidity processes.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single oracle process run.
const DefaultTimeout = 30 * time.Second

// ErrProcessFailed is returned when an oracle process could not start,
// exited non-zero, or ran past its timeout.
var ErrProcessFailed = errors.New("oracle process failed")

// Command describes how to invoke an oracle process.
type Command struct {
	// Name is the executable, Args are passed before the mint.
	Name string
	Args []string
	// Dir is the working directory holding the oracle's project.
	Dir string
}

// ParseCommand splits a command line such as "npx tsx fetchPrices.ts" into a Command.
func ParseCommand(line, dir string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty oracle command")
	}
	return Command{Name: fields[0], Args: fields[1:], Dir: dir}, nil
}

// CommandRunner runs an oracle process and returns its standard output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command, mint string) ([]byte, error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct {
	timeout time.Duration
}

// NewExecRunner creates a runner; a zero timeout uses DefaultTimeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{timeout: timeout}
}

// Run executes cmd with mint as the final argument.
// Any start failure, non-zero exit or timeout is reported as ErrProcessFailed.
func (r *ExecRunner) Run(ctx context.Context, cmd Command, mint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), cmd.Args...), mint)
	c := exec.CommandContext(ctx, cmd.Name, args...)
	c.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.Bytes(), fmt.Errorf("%w: %s timed out after %v", ErrProcessFailed, cmd.Name, r.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), fmt.Errorf("%w: %s exited with code %d: %s",
				ErrProcessFailed, cmd.Name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s: %v", ErrProcessFailed, cmd.Name, err)
	}

	return stdout.Bytes(), nil
}

var _ CommandRunner = (*ExecRunner)(nil)
