package execution

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "server-dr/internal/errors"
	"server-dr/internal/logging"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecutorCapturesOutput(t *testing.T) {
	requireShell(t)
	e := NewExecutor(logging.NewNopLogger())

	res, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "oops", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecutorStreamsToWriterAndReadsStdin(t *testing.T) {
	requireShell(t)
	e := NewExecutor(nil)

	var out bytes.Buffer
	_, err := e.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "cat; echo $DR_TEST_VAR"},
		Env:    []string{"DR_TEST_VAR=set"},
		Stdin:  strings.NewReader("input\n"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "input\nset\n", out.String())
}

func TestExecutorNonZeroExit(t *testing.T) {
	requireShell(t)
	e := NewExecutor(nil)

	res, err := e.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo denied >&2; exit 3"}})
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "denied", cmdErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecutorMissingBinary(t *testing.T) {
	e := NewExecutor(nil)
	_, err := e.Run(context.Background(), Command{Name: "server-dr-no-such-tool"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
}

func TestExecutorCancellation(t *testing.T) {
	requireShell(t)
	e := NewExecutor(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeInterruption, apperrors.GetErrorType(err))
}

func TestLimitedBuffer(t *testing.T) {
	b := limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
}

func TestFakeRunner(t *testing.T) {
	f := NewFakeRunner()
	f.Output("crontab", "0 2 * * * /usr/bin/server-dr run\n")
	f.Fail("mysqldump", 2, "access denied")

	res, err := f.Run(context.Background(), Command{Name: "crontab", Args: []string{"-l"}})
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "server-dr run")

	_, err = f.Run(context.Background(), Command{Name: "mysqldump"})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "access denied", cmdErr.Stderr)

	_, err = f.Run(context.Background(), Command{Name: "unknown"})
	assert.Error(t, err)

	_, err = f.LookPath("crontab")
	assert.NoError(t, err)
	_, err = f.LookPath("unknown")
	assert.Error(t, err)

	assert.Len(t, f.Calls(), 3)
	assert.Len(t, f.CallsTo("crontab"), 1)
}
