package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
)

// Command describes one external process invocation
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the current environment
	Env   []string
	Dir   string
	Stdin io.Reader
	// Stdout receives the process output; when nil it is captured into Result.Stdout
	Stdout io.Writer
}

// String renders the command line for logs; secrets are masked by the logger
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the outcome of a finished command
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes external commands. Backers, restorers and the scheduler
// depend on this interface so tests can script tool behaviour.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	LookPath(name string) (string, error)
}

// CommandError reports a command that ran but exited non-zero
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

const maxStderr = 4096

// Executor runs commands with os/exec
type Executor struct {
	logger *logging.Logger
}

// NewExecutor creates an executor that logs every invocation
func NewExecutor(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Executor{logger: logger}
}

// Run starts the command and waits for it. Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, c Command) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout bytes.Buffer
	var stderr limitedBuffer
	stderr.limit = maxStderr
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			err = apperrors.NewAppError(apperrors.ErrorTypeInterruption, fmt.Sprintf("%s was interrupted", c.Name), ctx.Err())
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			err = &CommandError{Name: c.Name, ExitCode: result.ExitCode, Stderr: result.Stderr}
		case errors.Is(err, exec.ErrNotFound):
			err = apperrors.NewAppError(apperrors.ErrorTypeConfiguration, fmt.Sprintf("%s is not installed", c.Name), err)
		}
	}

	e.logger.LogCommandExecution(c.Name, c.Args, result.Duration, err)
	return result, err
}

// LookPath resolves name on PATH
func (e *Executor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// limitedBuffer keeps the first limit bytes of stderr
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
