// Package recovery restores components from a validated archive. Nothing live
// is touched until the archive has passed validation, and every replaced
// artifact is renamed aside rather than deleted.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"server-dr/internal/archive"
	"server-dr/internal/components"
)

// Mode selects which components a session restores
type Mode string

const (
	ModeFull          Mode = "full"
	ModeDatabase      Mode = "database"
	ModeApplication   Mode = "application"
	ModeConfiguration Mode = "configuration"
	ModeSelective     Mode = "selective"
)

// Modes lists every recovery mode in display order
func Modes() []Mode {
	return []Mode{ModeFull, ModeDatabase, ModeApplication, ModeConfiguration, ModeSelective}
}

// ParseMode accepts a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown recovery mode %q", s)
}

// components returns the fixed component set of a mode. Full and selective
// depend on what the archive holds and return nil.
func (m Mode) components() []components.Component {
	switch m {
	case ModeDatabase:
		return []components.Component{components.Database}
	case ModeApplication:
		return []components.Component{components.Application}
	case ModeConfiguration:
		return []components.Component{components.Configuration, components.Certificates}
	}
	return nil
}

// Status is the outcome of a session
type Status string

const (
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusFailed                Status = "failed"
	StatusAborted               Status = "aborted"
	StatusDryRun                Status = "dry_run"
)

// Phases of a session
const (
	PhaseValidating = "validating"
	PhaseExtracting = "extracting"
	PhaseSnapshot   = "snapshotting-current-state"
	PhaseConfirming = "confirmation"
	PhaseRestoring  = "restoring-components"
	PhaseVerifying  = "verifying"
	PhaseDone       = "done"
)

// Component restore states
const (
	ComponentRestored = "restored"
	ComponentPlanned  = "planned"
	ComponentFailed   = "failed"
	ComponentSkipped  = "skipped"
)

// ComponentRestore is one component's part of a session
type ComponentRestore struct {
	Component string                    `json:"component"`
	Status    string                    `json:"status"`
	Duration  time.Duration             `json:"duration"`
	Result    *components.RestoreResult `json:"result,omitempty"`
	Snapshot  string                    `json:"pre_recovery_snapshot,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Session records one recovery
type Session struct {
	RecoveryID   string                   `json:"recovery_id"`
	Mode         Mode                     `json:"mode"`
	Source       string                   `json:"source_archive"`
	DryRun       bool                     `json:"dry_run"`
	Force        bool                     `json:"force"`
	StartedAt    time.Time                `json:"started_at"`
	EndedAt      time.Time                `json:"ended_at"`
	Status       Status                   `json:"status"`
	Phase        string                   `json:"phase"`
	Workspace    string                   `json:"workspace"`
	Metadata     *archive.ArchiveMetadata `json:"archive_metadata,omitempty"`
	Available    []string                 `json:"available_components,omitempty"`
	Restored     []string                 `json:"restored_components"`
	Components   []ComponentRestore       `json:"components"`
	Verification []components.Check       `json:"verification_results"`
	Warnings     []string                 `json:"warnings,omitempty"`
	Error        string                   `json:"error,omitempty"`
	ReportPath   string                   `json:"report_path,omitempty"`
}

// Duration is the wall time of a finished session
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Component returns the entry for c, if the session planned it
func (s *Session) Component(c components.Component) (*ComponentRestore, bool) {
	for i := range s.Components {
		if s.Components[i].Component == c.String() {
			return &s.Components[i], true
		}
	}
	return nil, false
}

// FailedChecks returns the verification checks that did not pass
func (s *Session) FailedChecks() []components.Check {
	var out []components.Check
	for _, c := range s.Verification {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}
