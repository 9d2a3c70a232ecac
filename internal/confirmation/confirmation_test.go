package confirmation

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() *Plan {
	return &Plan{
		SessionID:  "rec-1",
		Mode:       "configuration",
		Archive:    "/var/backups/server-dr/daily/backup_web01_20261018T020000Z_abcd1234.tar.zst",
		Hostname:   "web01",
		CreatedAt:  "2026-10-18T02:00:00Z",
		Components: []string{"configuration"},
		Actions:    []string{"rename /etc/nginx aside", "install /etc/nginx"},
		Warnings:   []string{"archive is 3 days old"},
	}
}

func newService(input string) (*confirmationService, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cs := NewConfirmationServiceWithIO(strings.NewReader(input), out, false).(*confirmationService)
	return cs, out
}

func TestDisplayPlan(t *testing.T) {
	cs, out := newService("")
	require.NoError(t, cs.DisplayPlan(testPlan()))

	text := out.String()
	assert.Contains(t, text, "RECOVERY PLAN")
	assert.Contains(t, text, "Mode:       configuration")
	assert.Contains(t, text, "2. install /etc/nginx")
	assert.Contains(t, text, "archive is 3 days old")
}

func TestConfirmRecovery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		force    bool
		expected bool
	}{
		{"yes", "yes\n", false, true},
		{"short yes", "Y\n", false, true},
		{"no", "no\n", false, false},
		{"blank defaults to no", "\n", false, false},
		{"invalid then yes", "maybe\nyes\n", false, true},
		{"force skips prompt", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, _ := newService(tt.input)
			cs.interrupt = make(chan os.Signal)
			ok, err := cs.ConfirmRecovery(testPlan(), tt.force)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestConfirmRecoveryEOF(t *testing.T) {
	cs, _ := newService("")
	cs.interrupt = make(chan os.Signal)
	ok, err := cs.ConfirmRecovery(testPlan(), false)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestConfirmRecoveryInterrupted(t *testing.T) {
	cs, out := newService("")
	cs.in.Reset(blockingReader{})
	cs.interrupt = make(chan os.Signal, 1)
	cs.interrupt <- os.Interrupt

	ok, err := cs.ConfirmRecovery(testPlan(), false)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "cancelled")
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) { select {} }

func TestSelectComponents(t *testing.T) {
	available := []string{"database", "application", "configuration"}

	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"blank selects all", "\n", available},
		{"by number", "1,3\n", []string{"database", "configuration"}},
		{"by name", "Application configuration\n", []string{"application", "configuration"}},
		{"duplicates collapse", "2, application\n", []string{"application"}},
		{"unknown then valid", "cache\n1\n", []string{"database"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, _ := newService(tt.input)
			cs.interrupt = make(chan os.Signal)
			got, err := cs.SelectComponents(available)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStatic(t *testing.T) {
	ok, err := Static{}.ConfirmRecovery(testPlan(), false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = Static{}.ConfirmRecovery(testPlan(), true)
	assert.True(t, ok)

	sel, _ := Static{Selection: []string{"cache"}}.SelectComponents([]string{"cache", "database"})
	assert.Equal(t, []string{"cache"}, sel)
}
