package execution

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Handler scripts the behaviour of one fake command
type Handler func(ctx context.Context, cmd Command) (*Result, error)

// FakeRunner is a Runner for tests. Commands without a handler fail as if the
// binary were missing.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Command
}

// NewFakeRunner creates an empty fake
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]Handler)}
}

// Handle registers h for commands named name
func (f *FakeRunner) Handle(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Output registers a handler that writes out to stdout and succeeds
func (f *FakeRunner) Output(name string, out string) {
	f.Handle(name, func(ctx context.Context, cmd Command) (*Result, error) {
		return WriteOutput(cmd, []byte(out))
	})
}

// Fail registers a handler that exits with code and stderr
func (f *FakeRunner) Fail(name string, code int, stderr string) {
	f.Handle(name, func(ctx context.Context, cmd Command) (*Result, error) {
		return &Result{ExitCode: code, Stderr: stderr}, &CommandError{Name: name, ExitCode: code, Stderr: stderr}
	})
}

// Run dispatches to the registered handler
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h, ok := f.handlers[cmd.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &Result{}, err
	}
	if !ok {
		return &Result{ExitCode: 127}, fmt.Errorf("%s: executable file not found", cmd.Name)
	}
	return h(ctx, cmd)
}

// LookPath succeeds for every command with a handler
func (f *FakeRunner) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[name]; ok {
		return "/usr/bin/" + name, nil
	}
	return "", fmt.Errorf("%s: executable file not found", name)
}

// Calls returns the recorded invocations
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsTo returns the recorded invocations of name
func (f *FakeRunner) CallsTo(name string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// WriteOutput delivers out the way a real process would: to cmd.Stdout when set,
// otherwise into the returned Result.
func WriteOutput(cmd Command, out []byte) (*Result, error) {
	if cmd.Stdout != nil {
		if _, err := cmd.Stdout.Write(out); err != nil {
			return &Result{}, err
		}
		return &Result{}, nil
	}
	return &Result{Stdout: out}, nil
}

// ReadInput drains cmd.Stdin, returning nil when there is none
func ReadInput(cmd Command) ([]byte, error) {
	if cmd.Stdin == nil {
		return nil, nil
	}
	return io.ReadAll(cmd.Stdin)
}
